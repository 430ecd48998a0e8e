// Package app assembles the store and services from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/joshsymonds/sentinel/internal/acceptance"
	"github.com/joshsymonds/sentinel/internal/archive"
	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/config"
	"github.com/joshsymonds/sentinel/internal/database"
	"github.com/joshsymonds/sentinel/internal/evaluator"
	"github.com/joshsymonds/sentinel/internal/gormstore"
	"github.com/joshsymonds/sentinel/internal/inventory"
	"github.com/joshsymonds/sentinel/internal/lifecycle"
	"github.com/joshsymonds/sentinel/internal/policy"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// Store is everything the services need from persistence. Both the SQLite
// database and the gorm store satisfy it.
type Store interface {
	inventory.Store
	lifecycle.Store
	acceptance.Store
	policy.Store
	Close() error
}

var (
	_ Store          = (*database.DB)(nil)
	_ Store          = (*gormstore.Store)(nil)
	_ archive.Source = Store(nil)
)

// App holds the wired services.
type App struct {
	Config      *config.Config
	Store       Store
	Clock       clock.Clock
	Logger      logger.Logger
	Inventory   *inventory.Service
	Lifecycle   *lifecycle.Service
	Acceptances *acceptance.Service
	Gate        *policy.Gate
	Evaluator   *evaluator.Tengo
}

// Option configures New.
type Option func(*options)

type options struct {
	clock clock.Clock
	store Store
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses an already opened store instead of opening one from config.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// New opens the configured store and builds the services on top of it.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	o := options{clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = OpenStore(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
	}

	tengo := evaluator.New(evaluator.WithMaxAllocs(cfg.Policy.MaxAllocs))

	a := &App{
		Config:    cfg,
		Store:     store,
		Clock:     o.clock,
		Logger:    log,
		Evaluator: tengo,
		Inventory: inventory.NewService(store,
			inventory.WithClock(o.clock),
			inventory.WithLogger(log.With("component", "inventory"))),
		Lifecycle: lifecycle.NewService(store,
			lifecycle.WithClock(o.clock),
			lifecycle.WithLogger(log.With("component", "lifecycle"))),
		Acceptances: acceptance.NewService(store,
			acceptance.WithClock(o.clock),
			acceptance.WithLogger(log.With("component", "acceptance"))),
		Gate: policy.NewGate(store, tengo,
			policy.WithClock(o.clock),
			policy.WithLogger(log.With("component", "policy")),
			policy.WithTimeout(cfg.Policy.EvaluatorTimeout),
			policy.WithConcurrency(cfg.Policy.Concurrency),
			policy.WithRateLimit(cfg.Policy.EvaluationsPerSecond, cfg.Policy.Burst)),
	}
	return a, nil
}

// OpenStore opens the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store, err := gormstore.OpenPostgres(ctx, cfg.DSN,
			gormstore.WithLogger(log.With("component", "gormstore")),
			gormstore.WithRetry(cfg.ConnectAttempts, gormstore.DefaultRetryDelay))
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return store, nil
	case config.DriverSQLite, "":
		opts := []database.Option{database.WithLogger(log.With("component", "database"))}
		if cfg.MaxConnections > 0 {
			opts = append(opts, database.WithMaxConnections(cfg.MaxConnections))
		}
		if cfg.BusyTimeout > 0 {
			opts = append(opts, database.WithBusyTimeout(cfg.BusyTimeout))
		}
		db, err := database.New(cfg.Path, opts...)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Exporter returns an evidence exporter writing to the configured bucket,
// or to the configured directory when no bucket is set.
func (a *App) Exporter(ctx context.Context) (*archive.Exporter, error) {
	log := a.Logger.With("component", "archive")
	archiveCfg := a.Config.Archive

	var sink archive.Sink
	if archiveCfg.Bucket != "" {
		s3Sink, err := archive.NewS3Sink(ctx, archive.S3Config{
			Bucket:   archiveCfg.Bucket,
			Prefix:   archiveCfg.Prefix,
			Region:   archiveCfg.Region,
			Endpoint: archiveCfg.Endpoint,
		}, log)
		if err != nil {
			return nil, err
		}
		sink = s3Sink
	} else {
		dirSink, err := archive.NewDirSink(archiveCfg.Dir, log)
		if err != nil {
			return nil, err
		}
		sink = dirSink
	}

	return archive.NewExporter(a.Store, sink, a.Clock, log), nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
