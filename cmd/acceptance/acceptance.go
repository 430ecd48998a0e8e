// Package acceptance implements the risk acceptance commands.
package acceptance

import (
	"context"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/models"
)

// NewCommand creates the acceptance command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "acceptance",
		Aliases: []string{"accept"},
		Short:   "Request and decide time-boxed risk acceptances",
	}
	cmd.AddCommand(
		newRequestCommand(g),
		newApproveCommand(g),
		newRejectCommand(g),
		newAmendCommand(g),
		newListCommand(g),
		newShowCommand(g),
	)
	return cmd
}

func newRequestCommand(g *cli.Globals) *cobra.Command {
	var in models.AcceptanceInput

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request acceptance of a threat's risk for 1-90 days",
		Example: `  sentinel acceptance request --threat <threat-id> --days 30 --requested-by alice \
    --justification "Compensating WAF rule in place until the Q3 rewrite"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Acceptances.Request(ctx, in)
				if err != nil {
					return err
				}
				return printAcceptance(g.Printer(), acc)
			})
		},
	}

	cmd.Flags().StringVar(&in.ThreatID, "threat", "", "Threat ID (required)")
	cmd.Flags().StringVar(&in.RequestedBy, "requested-by", "", "Requester (required)")
	cmd.Flags().StringVar(&in.Justification, "justification", "", "Why the risk is acceptable, at least 10 characters")
	cmd.Flags().IntVar(&in.PeriodDays, "days", 30, "Acceptance period in days, 1-90")
	_ = cmd.MarkFlagRequired("threat")
	_ = cmd.MarkFlagRequired("requested-by")
	return cmd
}

func newApproveCommand(g *cli.Globals) *cobra.Command {
	var approver, signature string

	cmd := &cobra.Command{
		Use:   "approve <acceptance-id>",
		Short: "Approve a pending acceptance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Acceptances.Approve(ctx, args[0], approver, signature)
				if err != nil {
					return err
				}
				return printAcceptance(g.Printer(), acc)
			})
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "Approver (required)")
	cmd.Flags().StringVar(&signature, "signature", "", "Signature name (defaults to the approver)")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func newRejectCommand(g *cli.Globals) *cobra.Command {
	var rejecter string

	cmd := &cobra.Command{
		Use:   "reject <acceptance-id>",
		Short: "Reject a pending acceptance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Acceptances.Reject(ctx, args[0], rejecter)
				if err != nil {
					return err
				}
				return printAcceptance(g.Printer(), acc)
			})
		},
	}

	cmd.Flags().StringVar(&rejecter, "rejecter", "", "Who rejects the request (required)")
	_ = cmd.MarkFlagRequired("rejecter")
	return cmd
}

func newAmendCommand(g *cli.Globals) *cobra.Command {
	var (
		actor, justification string
		days                 int
	)

	cmd := &cobra.Command{
		Use:   "amend <acceptance-id>",
		Short: "Change the justification or period of a pending acceptance",
		Long: `Change the justification or period of a pending acceptance. A new period
is counted from today.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amend models.AcceptanceAmend
			if cmd.Flags().Changed("justification") {
				amend.Justification = &justification
			}
			if cmd.Flags().Changed("days") {
				amend.PeriodDays = &days
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Acceptances.Amend(ctx, args[0], actor, amend)
				if err != nil {
					return err
				}
				return printAcceptance(g.Printer(), acc)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Who is amending the request (required)")
	cmd.Flags().StringVar(&justification, "justification", "", "New justification")
	cmd.Flags().IntVar(&days, "days", 0, "New period in days, 1-90")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func newListCommand(g *cli.Globals) *cobra.Command {
	var (
		filter models.AcceptanceFilter
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List acceptances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				parsed, err := models.ParseAcceptanceStatus(status)
				if err != nil {
					return err
				}
				filter.Status = parsed
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acceptances, err := a.Acceptances.List(ctx, filter)
				if err != nil {
					return err
				}
				return g.Printer().Emit(acceptances, func(w io.Writer) error {
					rows := make([][]string, 0, len(acceptances))
					for _, acc := range acceptances {
						rows = append(rows, []string{
							acc.ID,
							acc.ThreatID,
							cli.Title(string(acc.Status)),
							strconv.Itoa(acc.PeriodDays),
							cli.Date(acc.ExpirationDate),
							acc.RequestedBy,
							acc.ApprovedBy,
						})
					}
					return cli.WriteTable(w, []string{"ID", "THREAT", "STATUS", "DAYS", "EXPIRES", "REQUESTED BY", "DECIDED BY"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.ThreatID, "threat", "", "Only acceptances for this threat")
	cmd.Flags().StringVar(&status, "status", "", "Only acceptances in this status: PENDING, APPROVED, REJECTED, EXPIRED")
	cmd.Flags().StringVar(&filter.RequestedBy, "requested-by", "", "Only acceptances from this requester")
	cmd.Flags().IntVar(&filter.Limit, "limit", models.DefaultPageSize, "Maximum number of acceptances")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of acceptances to skip")
	return cmd
}

func newShowCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <acceptance-id>",
		Short: "Show an acceptance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				acc, err := a.Acceptances.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printAcceptance(g.Printer(), acc)
			})
		},
	}
}

func printAcceptance(p *cli.Printer, acc *models.RiskAcceptance) error {
	return p.Emit(acc, func(w io.Writer) error {
		return cli.WriteFields(w, []cli.Field{
			{Label: "ID", Value: acc.ID},
			{Label: "Threat", Value: acc.ThreatID},
			{Label: "Status", Value: cli.Title(string(acc.Status))},
			{Label: "Requested by", Value: acc.RequestedBy},
			{Label: "Justification", Value: acc.Justification},
			{Label: "Period", Value: strconv.Itoa(acc.PeriodDays) + " days"},
			{Label: "Expires", Value: cli.Date(acc.ExpirationDate)},
			{Label: "Decided by", Value: acc.ApprovedBy},
			{Label: "Signature", Value: acc.SignatureName},
			{Label: "Signed at", Value: cli.Timestamp(acc.SignedAt)},
		})
	})
}
