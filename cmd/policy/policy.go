// Package policy implements the policy rule and gate commands.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/models"
	"github.com/joshsymonds/sentinel/internal/policy"
)

// ErrBlocked is returned by evaluate --fail-on-block when the gate blocks.
var ErrBlocked = errors.New("finding blocked by policy")

// NewCommand creates the policy command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage policy rules and gate findings against them",
	}
	cmd.AddCommand(
		newCreateCommand(g),
		newUpdateCommand(g),
		newListCommand(g),
		newShowCommand(g),
		newEvaluateCommand(g),
		newTestCommand(g),
		newStatsCommand(g),
		newViolationsCommand(g),
		newMapCommand(g),
		newUnmapCommand(g),
		newControlsCommand(g),
	)
	return cmd
}

func newCreateCommand(g *cli.Globals) *cobra.Command {
	var (
		in             models.RuleInput
		severity, file string
		language       string
		inactive       bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy rule at version 1",
		Long: `Create a policy rule at version 1. The rule body is a Tengo script that
reads the finding from the "finding" map and sets "decision" to PASS, WARN or
BLOCK, and optionally "detail".`,
		Example: `  sentinel policy create --name "No critical CVEs" --severity CRITICAL --file rules/critical.tengo`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Severity = models.PolicySeverity(strings.ToUpper(severity))
			in.Active = !inactive
			if file != "" {
				body, err := cli.ReadRuleBody(file, language, os.Stdin)
				if err != nil {
					return err
				}
				in.Body = body
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Evaluator.Check(in.Body); err != nil {
					return models.Validation("policy rule", "body: %v", err)
				}
				rule, err := a.Gate.CreateRule(ctx, in)
				if err != nil {
					return err
				}
				return printRule(g.Printer(), rule)
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Unique rule name (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Rule description")
	cmd.Flags().StringVar(&severity, "severity", "", "Severity: INFO, LOW, MEDIUM, HIGH, CRITICAL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Rule script file, or - for stdin")
	cmd.Flags().StringVar(&language, "language", "", "Rule language (tengo)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the rule inactive")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUpdateCommand(g *cli.Globals) *cobra.Command {
	var (
		name, description, severity string
		file, language              string
		active                      bool
	)

	cmd := &cobra.Command{
		Use:   "update <rule-id>",
		Short: "Change a rule; a new body advances its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd models.RuleUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("description") {
				upd.Description = &description
			}
			if flags.Changed("severity") {
				s := models.PolicySeverity(strings.ToUpper(severity))
				upd.Severity = &s
			}
			if flags.Changed("active") {
				upd.Active = &active
			}
			if file != "" {
				body, err := cli.ReadRuleBody(file, language, os.Stdin)
				if err != nil {
					return err
				}
				upd.Body = &body
			}

			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				if upd.Body != nil {
					if err := a.Evaluator.Check(*upd.Body); err != nil {
						return models.Validation("policy rule", "body: %v", err)
					}
				}
				rule, err := a.Gate.UpdateRule(ctx, args[0], upd)
				if err != nil {
					return err
				}
				return printRule(g.Printer(), rule)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New unique name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&severity, "severity", "", "New severity")
	cmd.Flags().StringVarP(&file, "file", "f", "", "New rule script file, or - for stdin")
	cmd.Flags().StringVar(&language, "language", "", "Rule language (tengo)")
	cmd.Flags().BoolVar(&active, "active", true, "Activate or deactivate the rule")
	return cmd
}

func newListCommand(g *cli.Globals) *cobra.Command {
	var (
		filter         models.RuleFilter
		active, paused bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policy rules by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case active && paused:
				return fmt.Errorf("--active and --inactive are mutually exclusive")
			case active:
				filter.Active = &active
			case paused:
				f := false
				filter.Active = &f
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				rules, err := a.Gate.ListRules(ctx, filter)
				if err != nil {
					return err
				}
				return g.Printer().Emit(rules, func(w io.Writer) error {
					rows := make([][]string, 0, len(rules))
					for _, r := range rules {
						rows = append(rows, []string{
							r.ID,
							r.Name,
							cli.Title(string(r.Severity)),
							"v" + strconv.Itoa(r.Version),
							strconv.FormatBool(r.Active),
							strconv.FormatInt(r.EvaluationCount, 10),
							cli.Timestamp(r.LastEvaluated),
						})
					}
					return cli.WriteTable(w, []string{"ID", "NAME", "SEVERITY", "VERSION", "ACTIVE", "EVALUATIONS", "LAST EVALUATED"}, rows)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "Only active rules")
	cmd.Flags().BoolVar(&paused, "inactive", false, "Only inactive rules")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Only rules whose name contains this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", models.DefaultPageSize, "Maximum number of rules")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of rules to skip")
	return cmd
}

func newShowCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <rule-id>",
		Short: "Show a rule and its body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				rule, err := a.Gate.GetRule(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printRule(g.Printer(), rule); err != nil {
					return err
				}
				if !g.JSON && !rule.Body.IsEmpty() {
					_, err = fmt.Fprintf(g.Out, "\n%s\n", rule.Body.Source)
				}
				return err
			})
		},
	}
}

func newEvaluateCommand(g *cli.Globals) *cobra.Command {
	var (
		ruleID, findingFile string
		failOnBlock         bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Gate a finding against one rule or every active rule",
		Long: `Gate a finding against one rule, or against every active rule when --rule
is omitted. Each decision is recorded against the rule's current version.
Without --rule the strictest decision wins (BLOCK over WARN over PASS).`,
		Example: `  sentinel policy evaluate --finding finding.json
  trivy-to-finding | sentinel policy evaluate --finding - --fail-on-block`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			finding, err := cli.ReadFinding(findingFile, os.Stdin)
			if err != nil {
				return err
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				var decision models.GateDecision
				if ruleID != "" {
					res, err := a.Gate.Evaluate(ctx, ruleID, finding)
					if err != nil {
						return err
					}
					decision = res.Decision
					if err := printResults(g.Printer(), res, []*policy.Result{res}); err != nil {
						return err
					}
				} else {
					report, evalErr := a.Gate.EvaluateFinding(ctx, finding)
					if report == nil {
						return evalErr
					}
					decision = report.Decision
					if err := printResults(g.Printer(), report, report.Results); err != nil {
						return err
					}
					if evalErr != nil {
						return evalErr
					}
				}
				if failOnBlock && decision == models.DecisionBlock {
					return ErrBlocked
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&ruleID, "rule", "", "Evaluate only this rule")
	cmd.Flags().StringVar(&findingFile, "finding", "", "Finding JSON file, or - for stdin (required)")
	cmd.Flags().BoolVar(&failOnBlock, "fail-on-block", false, "Exit non-zero when the decision is BLOCK")
	_ = cmd.MarkFlagRequired("finding")
	return cmd
}

func newTestCommand(g *cli.Globals) *cobra.Command {
	var findingFile string

	cmd := &cobra.Command{
		Use:   "test <rule-id>",
		Short: "Dry-run a rule against a finding without recording anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			finding, err := cli.ReadFinding(findingFile, os.Stdin)
			if err != nil {
				return err
			}
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Gate.Test(ctx, args[0], finding)
				if err != nil {
					return err
				}
				return printResults(g.Printer(), res, []*policy.Result{res})
			})
		},
	}

	cmd.Flags().StringVar(&findingFile, "finding", "", "Finding JSON file, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("finding")
	return cmd
}

func newStatsCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <rule-id>",
		Short: "Show a rule's evaluation count, violations and pass rate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Gate.Statistics(ctx, args[0])
				if err != nil {
					return err
				}
				return g.Printer().Emit(stats, func(w io.Writer) error {
					return cli.WriteFields(w, []cli.Field{
						{Label: "Rule", Value: stats.RuleID},
						{Label: "Evaluations", Value: strconv.FormatInt(stats.EvaluationCount, 10)},
						{Label: "Violations", Value: strconv.FormatInt(stats.ViolationsCount, 10)},
						{Label: "Controls", Value: strconv.FormatInt(stats.ControlsMappedCount, 10)},
						{Label: "Pass rate", Value: cli.Percent(stats.PassRate)},
					})
				})
			})
		},
	}
}

func newViolationsCommand(g *cli.Globals) *cobra.Command {
	var filter models.ViolationFilter

	cmd := &cobra.Command{
		Use:   "violations",
		Short: "List recorded gate decisions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				violations, err := a.Gate.Violations(ctx, filter)
				if err != nil {
					return err
				}
				return g.Printer().Emit(violations, func(w io.Writer) error {
					rows := make([][]string, 0, len(violations))
					for _, v := range violations {
						rows = append(rows, []string{
							cli.Timestamp(&v.EvaluatedAt),
							v.RuleID,
							"v" + strconv.Itoa(v.RuleVersion),
							v.FindingID,
							cli.Decision(v.Decision),
							v.Detail,
						})
					}
					return cli.WriteTable(w, []string{"EVALUATED AT", "RULE", "VERSION", "FINDING", "DECISION", "DETAIL"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.RuleID, "rule", "", "Only decisions of this rule")
	cmd.Flags().StringVar(&filter.FindingID, "finding", "", "Only decisions about this finding")
	cmd.Flags().IntVar(&filter.Limit, "limit", models.DefaultPageSize, "Maximum number of decisions")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of decisions to skip")
	return cmd
}

func newMapCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "map <rule-id> <control-id>",
		Short: "Map a rule to a compliance control",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				mapping, err := a.Gate.MapControl(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return g.Printer().Emit(mapping, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Mapped rule %s to control %s\n", mapping.RuleID, mapping.ControlID)
					return err
				})
			})
		},
	}
}

func newUnmapCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unmap <rule-id> <control-id>",
		Short: "Remove a rule's mapping to a compliance control",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Gate.UnmapControl(ctx, args[0], args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(g.Out, "Unmapped rule %s from control %s\n", args[0], args[1])
				return err
			})
		},
	}
}

func newControlsCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "controls <rule-id>",
		Short: "List the controls a rule is mapped to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				controls, err := a.Gate.RuleControls(ctx, args[0])
				if err != nil {
					return err
				}
				return g.Printer().Emit(controls, func(w io.Writer) error {
					return cli.WriteControls(w, controls)
				})
			})
		},
	}
}

func printRule(p *cli.Printer, r *models.PolicyRule) error {
	return p.Emit(r, func(w io.Writer) error {
		return cli.WriteFields(w, []cli.Field{
			{Label: "ID", Value: r.ID},
			{Label: "Name", Value: r.Name},
			{Label: "Description", Value: r.Description},
			{Label: "Severity", Value: cli.Title(string(r.Severity))},
			{Label: "Version", Value: strconv.Itoa(r.Version)},
			{Label: "Active", Value: strconv.FormatBool(r.Active)},
			{Label: "Language", Value: r.Body.Language},
			{Label: "Evaluations", Value: strconv.FormatInt(r.EvaluationCount, 10)},
			{Label: "Last evaluated", Value: cli.Timestamp(r.LastEvaluated)},
		})
	})
}

func printResults(p *cli.Printer, v any, results []*policy.Result) error {
	return p.Emit(v, func(w io.Writer) error {
		rows := make([][]string, 0, len(results))
		decision := models.DecisionPass
		for _, r := range results {
			detail := r.Detail
			if r.Inactive {
				detail = cli.Muted("rule inactive")
			}
			rows = append(rows, []string{
				r.RuleName,
				"v" + strconv.Itoa(r.RuleVersion),
				cli.Decision(r.Decision),
				detail,
			})
			decision = models.Stricter(decision, r.Decision)
		}
		if err := cli.WriteTable(w, []string{"RULE", "VERSION", "DECISION", "DETAIL"}, rows); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "\nDecision: %s\n", cli.Decision(decision))
		return err
	})
}
