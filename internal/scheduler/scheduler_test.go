package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/sentinel/internal/acceptance"
	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

type recordingSweeper struct {
	err   error
	mu    sync.Mutex
	dates []time.Time
}

func (s *recordingSweeper) SweepExpired(_ context.Context, asOf time.Time) (*acceptance.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates = append(s.dates, asOf)
	if s.err != nil {
		return nil, s.err
	}
	return &acceptance.SweepReport{AsOf: asOf}, nil
}

func (s *recordingSweeper) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dates)
}

func TestRunnerSweepsUntilCancelled(t *testing.T) {
	sweeper := &recordingSweeper{}
	fake := clock.NewFake(time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC))

	var mu sync.Mutex
	var reports []*acceptance.SweepReport
	runner := NewRunner(sweeper, 5*time.Millisecond,
		WithClock(fake),
		WithLogger(logger.NewMockLogger()),
		OnReport(func(r *acceptance.SweepReport) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	sweeper.mu.Lock()
	first := sweeper.dates[0]
	sweeper.mu.Unlock()
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), first)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, reports)
}

func TestRunnerLogsFailuresAndKeepsGoing(t *testing.T) {
	sweeper := &recordingSweeper{err: errors.New("database is locked")}
	log := logger.NewMockLogger()
	runner := NewRunner(sweeper, time.Millisecond, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, log.HasMessage("ERROR", "Expiration sweep failed"))
}

func TestRunnerWithoutRunOnStartWaitsForTick(t *testing.T) {
	sweeper := &recordingSweeper{}
	runner := NewRunner(sweeper, time.Hour, WithRunOnStart(false), WithLogger(logger.NewMockLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, runner.Run(ctx))
	assert.Zero(t, sweeper.calls())
}
