// Package control implements the compliance control commands.
package control

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/models"
)

// NewCommand creates the control command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "Manage compliance controls that policy rules map to",
	}
	cmd.AddCommand(newCreateCommand(g), newListCommand(g))
	return cmd
}

func parseFramework(s string) models.ComplianceFramework {
	return models.ComplianceFramework(strings.ReplaceAll(strings.ToUpper(s), "-", "_"))
}

func newCreateCommand(g *cli.Globals) *cobra.Command {
	var (
		in        models.ControlInput
		framework string
	)

	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a compliance control",
		Example: `  sentinel control create --framework PCI_DSS --code 6.2.4 --description "Software engineering techniques prevent common attacks"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Framework = parseFramework(framework)
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				control, err := a.Gate.CreateControl(ctx, in)
				if err != nil {
					return err
				}
				return g.Printer().Emit(control, func(w io.Writer) error {
					return cli.WriteControls(w, []*models.Control{control})
				})
			})
		},
	}

	cmd.Flags().StringVar(&framework, "framework", "", "Framework: NIST_800_53, ISO_27001, PCI_DSS, HIPAA, GDPR")
	cmd.Flags().StringVar(&in.Code, "code", "", "Control code within the framework (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Control description (required)")
	_ = cmd.MarkFlagRequired("framework")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newListCommand(g *cli.Globals) *cobra.Command {
	var framework string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compliance controls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				controls, err := a.Gate.ListControls(ctx, parseFramework(framework))
				if err != nil {
					return err
				}
				return g.Printer().Emit(controls, func(w io.Writer) error {
					return cli.WriteControls(w, controls)
				})
			})
		},
	}

	cmd.Flags().StringVar(&framework, "framework", "", "Only controls of this framework")
	return cmd
}
