// Package export implements the evidence export command.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
)

// NewCommand creates the export command.
func NewCommand(g *cli.Globals) *cobra.Command {
	var (
		threatIDs, ruleIDs []string
		dir, bucket        string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive audit snapshots of threats and rules",
		Long: `Archive audit snapshots as JSON. A threat snapshot holds the threat, its
asset, its full state history and its acceptances; a rule snapshot holds the
rule, its statistics, mapped controls and recorded decisions.

Snapshots go to archive.bucket in S3 when configured, otherwise to
archive.dir.`,
		Example: `  sentinel export --threat <threat-id> --rule <rule-id>
  sentinel export --threat <threat-id> --bucket sentinel-evidence`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(threatIDs) == 0 && len(ruleIDs) == 0 {
				return errors.New("at least one --threat or --rule is required")
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				if bucket != "" {
					a.Config.Archive.Bucket = bucket
				}
				if dir != "" {
					a.Config.Archive.Dir = dir
					a.Config.Archive.Bucket = ""
				}
				exporter, err := a.Exporter(ctx)
				if err != nil {
					return err
				}

				var locations []string
				for _, id := range threatIDs {
					loc, err := exporter.ExportThreat(ctx, id)
					if err != nil {
						return fmt.Errorf("exporting threat %s: %w", id, err)
					}
					locations = append(locations, loc)
				}
				for _, id := range ruleIDs {
					loc, err := exporter.ExportRule(ctx, id)
					if err != nil {
						return fmt.Errorf("exporting rule %s: %w", id, err)
					}
					locations = append(locations, loc)
				}

				return g.Printer().Emit(locations, func(w io.Writer) error {
					for _, loc := range locations {
						if _, err := fmt.Fprintln(w, loc); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringSliceVar(&threatIDs, "threat", nil, "Threat IDs to export")
	cmd.Flags().StringSliceVar(&ruleIDs, "rule", nil, "Rule IDs to export")
	cmd.Flags().StringVar(&dir, "dir", "", "Write to this directory instead of the configured archive")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Upload to this S3 bucket instead of the configured archive")
	cmd.MarkFlagsMutuallyExclusive("dir", "bucket")
	return cmd
}
