// Package metrics exposes Prometheus instrumentation for Sentinel.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshsymonds/sentinel/pkg/logger"
)

const namespace = "sentinel"

var (
	// ThreatTransitions counts successful lifecycle transitions.
	// Labels: from, to
	ThreatTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Threat lifecycle transitions",
	}, []string{"from", "to"})

	// TransitionConflicts counts compare-and-set losses on threat status.
	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "transition_conflicts_total",
		Help:      "Threat transitions retried after a concurrent status change",
	})

	// AcceptanceDecisions counts approvals and rejections.
	// Labels: status
	AcceptanceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acceptance",
		Name:      "decisions_total",
		Help:      "Risk acceptance decisions",
	}, []string{"status"})

	// SweepRuns counts expiration sweeps.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acceptance",
		Name:      "sweep_runs_total",
		Help:      "Risk acceptance expiration sweeps",
	})

	// AcceptancesExpired counts acceptances flipped to expired.
	AcceptancesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acceptance",
		Name:      "expired_total",
		Help:      "Risk acceptances expired by the sweep",
	})

	// SweepFailures counts per-record failures during a sweep.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acceptance",
		Name:      "sweep_failures_total",
		Help:      "Risk acceptances the sweep failed to expire",
	})

	// SweepDuration measures how long a sweep takes.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "acceptance",
		Name:      "sweep_duration_seconds",
		Help:      "Risk acceptance sweep latency in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// GateDecisions counts recorded policy gate decisions.
	// Labels: decision
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Policy gate decisions recorded",
	}, []string{"decision"})

	// InactiveRuleEvaluations counts evaluations short-circuited by an inactive rule.
	InactiveRuleEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "inactive_evaluations_total",
		Help:      "Evaluations against inactive rules",
	})

	// EvaluatorFailures counts evaluator errors and timeouts.
	EvaluatorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "evaluator_failures_total",
		Help:      "Rule evaluator errors and timeouts",
	})

	// EvaluationDuration measures evaluator latency.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "policy",
		Name:      "evaluation_duration_seconds",
		Help:      "Rule evaluator latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log logger.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		return nil
	}
}
