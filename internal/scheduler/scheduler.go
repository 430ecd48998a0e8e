// Package scheduler runs the risk acceptance expiration sweep periodically.
package scheduler

import (
	"context"
	"time"

	"github.com/joshsymonds/sentinel/internal/acceptance"
	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// Sweeper expires acceptances whose expiration date is before asOf.
type Sweeper interface {
	SweepExpired(ctx context.Context, asOf time.Time) (*acceptance.SweepReport, error)
}

// Runner calls a Sweeper on a fixed interval.
type Runner struct {
	sweeper    Sweeper
	clock      clock.Clock
	logger     logger.Logger
	onReport   func(*acceptance.SweepReport)
	interval   time.Duration
	runOnStart bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock that decides the sweep date.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRunOnStart controls whether Run sweeps before the first tick.
func WithRunOnStart(b bool) Option {
	return func(r *Runner) { r.runOnStart = b }
}

// OnReport registers a callback invoked after every successful sweep.
func OnReport(fn func(*acceptance.SweepReport)) Option {
	return func(r *Runner) { r.onReport = fn }
}

// NewRunner creates a runner sweeping every interval.
func NewRunner(sweeper Sweeper, interval time.Duration, opts ...Option) *Runner {
	r := &Runner{
		sweeper:    sweeper,
		interval:   interval,
		runOnStart: true,
		clock:      clock.Real{},
		logger:     logger.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps on every tick until ctx is done, and once immediately unless
// disabled with WithRunOnStart. A failed sweep is logged; the next tick
// tries again.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Starting expiration sweeper", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if r.runOnStart {
		r.sweep(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping expiration sweeper")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	report, err := r.sweeper.SweepExpired(ctx, clock.Today(r.clock))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("Expiration sweep failed", "error", err)
		return
	}
	if r.onReport != nil {
		r.onReport(report)
	}
}
