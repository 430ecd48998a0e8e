// Package config implements the config command.
package config

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/config"
)

// NewCommand creates the config command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect Sentinel configuration",
	}
	cmd.AddCommand(newValidateCommand(g))
	return cmd
}

func newValidateCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Validate the configuration and show the effective settings",
		Example: `  sentinel config validate --config sentinel.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := g.LoadConfig()
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			return g.Printer().Emit(cfg, func(w io.Writer) error {
				return printValidationResults(w, cfg)
			})
		},
	}
}

func printValidationResults(w io.Writer, cfg *config.Config) error {
	store := cfg.Database.Path
	if cfg.Database.Driver == config.DriverPostgres {
		store = cli.Muted("(dsn hidden)")
	}

	archive := cfg.Archive.Dir
	if cfg.Archive.Bucket != "" {
		archive = "s3://" + cfg.Archive.Bucket + "/" + cfg.Archive.Prefix
	}

	rate := "unlimited"
	if cfg.Policy.EvaluationsPerSecond > 0 {
		rate = strconv.FormatFloat(cfg.Policy.EvaluationsPerSecond, 'f', -1, 64) + "/s"
	}

	if err := cli.WriteFields(w, []cli.Field{
		{Label: "Database", Value: cfg.Database.Driver + " " + store},
		{Label: "Evaluator timeout", Value: cfg.Policy.EvaluatorTimeout.String()},
		{Label: "Gate concurrency", Value: strconv.Itoa(cfg.Policy.Concurrency)},
		{Label: "Gate rate", Value: rate},
		{Label: "Sweep interval", Value: cfg.Sweep.Interval.String()},
		{Label: "Metrics", Value: cfg.Metrics.Addr},
		{Label: "Archive", Value: archive},
		{Label: "Logging", Value: cfg.Logging.Level + " (" + cfg.Logging.Format + ")"},
	}); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "\nConfiguration is valid.")
	return err
}
