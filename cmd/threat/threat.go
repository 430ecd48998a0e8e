// Package threat implements the threat commands, including lifecycle
// transitions and risk recomputation.
package threat

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/lifecycle"
	"github.com/joshsymonds/sentinel/internal/models"
)

// NewCommand creates the threat command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "threat",
		Short: "Manage threats, their risk scores and lifecycle",
	}
	cmd.AddCommand(
		newCreateCommand(g),
		newUpdateCommand(g),
		newListCommand(g),
		newShowCommand(g),
		newTransitionCommand(g),
		newHistoryCommand(g),
		newRecomputeCommand(g),
	)
	return cmd
}

func newCreateCommand(g *cli.Globals) *cobra.Command {
	var (
		in     models.ThreatInput
		stride string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record a threat against an asset",
		Example: `  sentinel threat create --asset <asset-id> --title "SQL injection in search" \
    --stride Tampering --likelihood 4 --impact 5 --created-by alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.STRIDECategory = models.STRIDECategory(stride)
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				threat, err := a.Inventory.CreateThreat(ctx, in)
				if err != nil {
					return err
				}
				return printThreat(g.Printer(), threat)
			})
		},
	}

	cmd.Flags().StringVar(&in.AssetID, "asset", "", "Owning asset ID (required)")
	cmd.Flags().StringVar(&in.Title, "title", "", "Threat title (required)")
	cmd.Flags().StringVar(&stride, "stride", "", "STRIDE category: Spoofing, Tampering, Repudiation, Info_Disclosure, DoS, Elevation")
	cmd.Flags().StringVar(&in.MitreAttackID, "mitre", "", "MITRE ATT&CK technique ID")
	cmd.Flags().StringVar(&in.CreatedBy, "created-by", "", "Actor recorded on the initial history entry (required)")
	cmd.Flags().IntVar(&in.Likelihood, "likelihood", 0, "Likelihood rating 1-5")
	cmd.Flags().IntVar(&in.Impact, "impact", 0, "Impact rating 1-5")
	cmd.Flags().BoolVar(&in.AutoGenerated, "auto-generated", false, "Mark the threat as generated by tooling")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("created-by")
	return cmd
}

func newUpdateCommand(g *cli.Globals) *cobra.Command {
	var (
		title, stride, mitre string
		likelihood, impact   int
	)

	cmd := &cobra.Command{
		Use:   "update <threat-id>",
		Short: "Change a threat; likelihood or impact changes rescore it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd models.ThreatUpdate
			flags := cmd.Flags()
			if flags.Changed("title") {
				upd.Title = &title
			}
			if flags.Changed("stride") {
				s := models.STRIDECategory(stride)
				upd.STRIDECategory = &s
			}
			if flags.Changed("mitre") {
				upd.MitreAttackID = &mitre
			}
			if flags.Changed("likelihood") {
				upd.Likelihood = &likelihood
			}
			if flags.Changed("impact") {
				upd.Impact = &impact
			}

			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				threat, err := a.Inventory.UpdateThreat(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printThreat(g.Printer(), threat)
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "New title")
	cmd.Flags().StringVar(&stride, "stride", "", "New STRIDE category")
	cmd.Flags().StringVar(&mitre, "mitre", "", "New MITRE ATT&CK technique ID")
	cmd.Flags().IntVar(&likelihood, "likelihood", 0, "Likelihood rating 1-5")
	cmd.Flags().IntVar(&impact, "impact", 0, "Impact rating 1-5")
	return cmd
}

func newListCommand(g *cli.Globals) *cobra.Command {
	var (
		filter models.ThreatFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threats, highest risk first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				parsed, err := models.ParseThreatStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				threats, err := a.Inventory.ListThreats(ctx, filter)
				if err != nil {
					return err
				}
				return g.Printer().Emit(threats, func(w io.Writer) error {
					rows := make([][]string, 0, len(threats))
					for _, t := range threats {
						rows = append(rows, []string{
							t.ID,
							t.Title,
							string(t.Status),
							cli.Score(t.RiskScore),
							strconv.Itoa(t.Likelihood) + "x" + strconv.Itoa(t.Impact),
							t.AssetID,
						})
					}
					return cli.WriteTable(w, []string{"ID", "TITLE", "STATUS", "RISK", "LxI", "ASSET"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.AssetID, "asset", "", "Only threats against this asset")
	cmd.Flags().StringVar(&status, "status", "", "Only threats in this lifecycle state")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Only threats whose title contains this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", models.DefaultPageSize, "Maximum number of threats")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of threats to skip")
	return cmd
}

func newShowCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <threat-id>",
		Short: "Show a threat and the states it can move to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				threat, err := a.Inventory.GetThreat(ctx, args[0])
				if err != nil {
					return err
				}
				return printThreat(g.Printer(), threat)
			})
		},
	}
}

func newTransitionCommand(g *cli.Globals) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "transition <threat-id> <state>",
		Short: "Move a threat to another lifecycle state",
		Long: `Move a threat to another lifecycle state. The move is checked against the
current state when it is applied, and recorded in the threat's history.

States: Identified, Assessed, Verified, Evaluated, Planning, Mitigated,
Accepted, Monitoring.`,
		Example: `  sentinel threat transition <threat-id> Assessed --actor alice`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := models.ParseThreatStatus(args[1])
			if err != nil {
				return err
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				threat, err := a.Lifecycle.Transition(ctx, args[0], to, actor)
				if err != nil {
					return err
				}
				return printThreat(g.Printer(), threat)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Who is making the change (required)")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newHistoryCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "history <threat-id>",
		Short: "Show a threat's state changes, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				history, err := a.Lifecycle.History(ctx, args[0])
				if err != nil {
					return err
				}
				return g.Printer().Emit(history, func(w io.Writer) error {
					rows := make([][]string, 0, len(history))
					for _, h := range history {
						from := string(h.FromState)
						if from == "" {
							from = cli.Muted("-")
						}
						rows = append(rows, []string{
							cli.Timestamp(&h.ChangedAt),
							from,
							string(h.ToState),
							h.ChangedBy,
						})
					}
					return cli.WriteTable(w, []string{"CHANGED AT", "FROM", "TO", "BY"}, rows)
				})
			})
		},
	}
}

func newRecomputeCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <asset-id>",
		Short: "Recompute the risk score of every threat on an asset",
		Long: `Recompute the risk score of every threat on an asset from the asset's
current sensitivity. Asset rating changes do not rescore threats on their own.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				changed, err := a.Inventory.RecomputeAssetRisk(ctx, args[0])
				if err != nil {
					return err
				}
				result := struct {
					AssetID string `json:"asset_id"`
					Changed int    `json:"changed"`
				}{args[0], changed}
				return g.Printer().Emit(result, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Recomputed risk for asset %s: %d threat score(s) changed\n", args[0], changed)
					return err
				})
			})
		},
	}
}

func printThreat(p *cli.Printer, t *models.Threat) error {
	next := lifecycle.Next(t.Status)
	names := make([]string, len(next))
	for i, s := range next {
		names[i] = string(s)
	}

	return p.Emit(t, func(w io.Writer) error {
		return cli.WriteFields(w, []cli.Field{
			{Label: "ID", Value: t.ID},
			{Label: "Title", Value: t.Title},
			{Label: "Asset", Value: t.AssetID},
			{Label: "Status", Value: string(t.Status)},
			{Label: "Next states", Value: strings.Join(names, ", ")},
			{Label: "STRIDE", Value: cli.Title(string(t.STRIDECategory))},
			{Label: "MITRE", Value: t.MitreAttackID},
			{Label: "Likelihood", Value: strconv.Itoa(t.Likelihood)},
			{Label: "Impact", Value: strconv.Itoa(t.Impact)},
			{Label: "Risk", Value: cli.Score(t.RiskScore)},
			{Label: "Auto-generated", Value: strconv.FormatBool(t.AutoGenerated)},
			{Label: "Updated", Value: cli.Timestamp(&t.UpdatedAt)},
		})
	})
}
