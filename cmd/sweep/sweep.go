// Package sweep implements the risk acceptance expiration sweep command.
package sweep

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshsymonds/sentinel/internal/acceptance"
	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/clock"
	"github.com/joshsymonds/sentinel/internal/metrics"
	"github.com/joshsymonds/sentinel/internal/scheduler"
)

// NewCommand creates the sweep command.
func NewCommand(g *cli.Globals) *cobra.Command {
	var (
		asOf        string
		watch       bool
		interval    time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire approved risk acceptances past their expiration date",
		Long: `Expire approved risk acceptances whose expiration date is before today.
Each acceptance is expired on its own, so a failure is reported and skipped and
running the sweep again is harmless.

With --watch the sweep repeats on an interval until interrupted, optionally
serving Prometheus metrics.`,
		Example: `  sentinel sweep
  sentinel sweep --as-of 2025-07-01
  sentinel sweep --watch --interval 1h --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				if !watch {
					day := clock.Today(a.Clock)
					if asOf != "" {
						parsed, err := time.Parse(time.DateOnly, asOf)
						if err != nil {
							return fmt.Errorf("invalid --as-of date: %w", err)
						}
						day = parsed
					}
					report, err := a.Acceptances.SweepExpired(ctx, day)
					if err != nil {
						return err
					}
					return printReport(g.Printer(), report)
				}

				if !cmd.Flags().Changed("interval") {
					interval = a.Config.Sweep.Interval
				}
				if !cmd.Flags().Changed("metrics-addr") {
					metricsAddr = a.Config.Metrics.Addr
				}
				return watchSweeps(ctx, a, interval, metricsAddr)
			})
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Sweep as of this date (YYYY-MM-DD) instead of today")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep sweeping on an interval until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "Time between sweeps with --watch (defaults to sweep.interval)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address with --watch")
	cmd.MarkFlagsMutuallyExclusive("as-of", "watch")
	return cmd
}

func watchSweeps(ctx context.Context, a *app.App, interval time.Duration, metricsAddr string) error {
	runner := scheduler.NewRunner(a.Acceptances, interval,
		scheduler.WithClock(a.Clock),
		scheduler.WithRunOnStart(a.Config.Sweep.RunOnStart),
		scheduler.WithLogger(a.Logger.With("component", "scheduler")))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return runner.Run(ctx) })
	if metricsAddr != "" {
		eg.Go(func() error { return metrics.Serve(ctx, metricsAddr, a.Logger) })
	}
	return eg.Wait()
}

func printReport(p *cli.Printer, report *acceptance.SweepReport) error {
	return p.Emit(report, func(w io.Writer) error {
		if err := cli.WriteFields(w, []cli.Field{
			{Label: "As of", Value: cli.Date(report.AsOf)},
			{Label: "Candidates", Value: fmt.Sprint(report.Candidates)},
			{Label: "Expired", Value: fmt.Sprint(len(report.Expired))},
			{Label: "Skipped", Value: fmt.Sprint(report.Skipped)},
			{Label: "Failed", Value: fmt.Sprint(len(report.Failed))},
		}); err != nil {
			return err
		}
		if len(report.Failed) > 0 {
			_, err := fmt.Fprintf(w, "\nFailed: %s\n", strings.Join(report.Failed, ", "))
			return err
		}
		return nil
	})
}
