// Package gormstore is the PostgreSQL store for Sentinel, built on GORM. It
// implements the same contracts as the SQLite store in internal/database and
// is selected with database.driver: postgres.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// Defaults for connection retries.
const (
	DefaultMaxAttempts = 10
	DefaultRetryDelay  = 2 * time.Second
)

// Store persists Sentinel entities through GORM.
type Store struct {
	db          *gorm.DB
	logger      logger.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithRetry sets how often and how far apart connecting is attempted.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if delay >= 0 {
			s.retryDelay = delay
		}
	}
}

// OpenPostgres connects to PostgreSQL, retrying while the server comes up,
// and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	return open(ctx, postgres.Open(dsn), opts...)
}

// OpenSQLite opens a GORM store on a SQLite file. It is used to exercise the
// store without a PostgreSQL server.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s, err := open(ctx, sqlite.Open(path), opts...)
	if err != nil {
		return nil, err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return s, nil
}

// NewMemoryStore opens an isolated in-memory SQLite-backed store for tests.
func NewMemoryStore(ctx context.Context, opts ...Option) (*Store, error) {
	return OpenSQLite(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()), opts...)
}

func open(ctx context.Context, dialector gorm.Dialector, opts ...Option) (*Store, error) {
	s := &Store{
		logger:      logger.WithComponent("gormstore"),
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	attempt := 0
	connect := func() (*gorm.DB, error) {
		attempt++
		return gorm.Open(dialector, cfg)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), uint64(s.maxAttempts-1)), ctx)
	db, err := backoff.RetryNotifyWithData(connect, policy, func(err error, wait time.Duration) {
		s.logger.Warn("Database not reachable, retrying",
			"attempt", attempt,
			"max_attempts", s.maxAttempts,
			"retry_in", wait,
			"error", err)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("connecting after %d attempts: %w", attempt, err)
	}
	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(allRows...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	s.logger.Info("Connected to database", "dialect", s.db.Name())
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// translate maps GORM errors onto Sentinel's error kinds.
func translate(err error, op, entity, id string) error {
	if err == nil {
		return nil
	}
	var sentinelErr *models.Error
	switch {
	case errors.As(err, &sentinelErr), errors.Is(err, models.ErrStale):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return models.NotFound(entity, id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		e := models.Conflict(entity, id, "already exists")
		e.Err = err
		return e
	}
	return fmt.Errorf("%s: %w", op, err)
}

// requireRow returns NotFound unless model has a row with the given id.
func requireRow(tx *gorm.DB, model any, entity, id string) error {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("checking %s: %w", entity, err)
	}
	if n == 0 {
		return models.NotFound(entity, id)
	}
	return nil
}

// staleOrMissing interprets a conditional update. No matched row means the
// record is gone (NotFound) or its guard column moved on (models.ErrStale).
func staleOrMissing(tx *gorm.DB, result *gorm.DB, model any, entity, id string) error {
	if result.RowsAffected > 0 {
		return nil
	}
	if err := requireRow(tx, model, entity, id); err != nil {
		return err
	}
	return models.ErrStale
}

func paginate(q *gorm.DB, page models.Page) *gorm.DB {
	page = page.Normalize()
	return q.Limit(page.Limit).Offset(page.Offset)
}
