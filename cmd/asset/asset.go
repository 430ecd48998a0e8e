// Package asset implements the asset commands.
package asset

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/internal/models"
)

// NewCommand creates the asset command tree.
func NewCommand(g *cli.Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Manage assets and their sensitivity ratings",
	}
	cmd.AddCommand(newCreateCommand(g), newUpdateCommand(g), newListCommand(g), newShowCommand(g))
	return cmd
}

func newCreateCommand(g *cli.Globals) *cobra.Command {
	var (
		in             models.AssetInput
		assetType      string
		classification string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an asset",
		Example: `  sentinel asset create --name billing --owner team-billing \
    --type APPLICATION --classification CONFIDENTIAL -C 5 -I 4 -A 4 --stack go,postgres`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Type = models.AssetType(strings.ToUpper(assetType))
			in.Classification = models.ClassificationLevel(strings.ToUpper(classification))
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				asset, err := a.Inventory.CreateAsset(ctx, in)
				if err != nil {
					return err
				}
				return printAsset(g.Printer(), asset)
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Asset name (required)")
	cmd.Flags().StringVar(&in.OwnerID, "owner", "", "Owning team or person (required)")
	cmd.Flags().StringVar(&assetType, "type", "", "Asset type: APPLICATION, MICROSERVICE, DATABASE, CONTAINER, INFRASTRUCTURE, SERVER, NETWORK, CLOUD")
	cmd.Flags().StringVar(&classification, "classification", "", "Classification: PUBLIC, INTERNAL, CONFIDENTIAL, RESTRICTED")
	cmd.Flags().StringSliceVar(&in.TechnologyStack, "stack", nil, "Technology stack entries")
	cmd.Flags().IntVarP(&in.Confidentiality, "confidentiality", "C", 0, "Confidentiality rating 1-5")
	cmd.Flags().IntVarP(&in.Integrity, "integrity", "I", 0, "Integrity rating 1-5")
	cmd.Flags().IntVarP(&in.Availability, "availability", "A", 0, "Availability rating 1-5")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newUpdateCommand(g *cli.Globals) *cobra.Command {
	var (
		name           string
		assetType      string
		classification string
		stack          []string
		c, i, av       int
		recompute      bool
	)

	cmd := &cobra.Command{
		Use:   "update <asset-id>",
		Short: "Change an asset",
		Long: `Change an asset. Rating changes recompute its sensitivity score but not
the risk scores of its threats; pass --recompute or run
"sentinel threat recompute <asset-id>" to rescore them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd models.AssetUpdate
			flags := cmd.Flags()
			if flags.Changed("name") {
				upd.Name = &name
			}
			if flags.Changed("type") {
				t := models.AssetType(strings.ToUpper(assetType))
				upd.Type = &t
			}
			if flags.Changed("classification") {
				cl := models.ClassificationLevel(strings.ToUpper(classification))
				upd.Classification = &cl
			}
			if flags.Changed("stack") {
				upd.TechnologyStack = &stack
			}
			if flags.Changed("confidentiality") {
				upd.Confidentiality = &c
			}
			if flags.Changed("integrity") {
				upd.Integrity = &i
			}
			if flags.Changed("availability") {
				upd.Availability = &av
			}

			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				asset, err := a.Inventory.UpdateAsset(ctx, args[0], upd)
				if err != nil {
					return err
				}
				if recompute {
					if _, err := a.Inventory.RecomputeAssetRisk(ctx, asset.ID); err != nil {
						return err
					}
				}
				return printAsset(g.Printer(), asset)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&assetType, "type", "", "New asset type")
	cmd.Flags().StringVar(&classification, "classification", "", "New classification")
	cmd.Flags().StringSliceVar(&stack, "stack", nil, "Replace the technology stack")
	cmd.Flags().IntVarP(&c, "confidentiality", "C", 0, "Confidentiality rating 1-5")
	cmd.Flags().IntVarP(&i, "integrity", "I", 0, "Integrity rating 1-5")
	cmd.Flags().IntVarP(&av, "availability", "A", 0, "Availability rating 1-5")
	cmd.Flags().BoolVar(&recompute, "recompute", false, "Rescore the asset's threats afterwards")
	return cmd
}

func newListCommand(g *cli.Globals) *cobra.Command {
	var filter models.AssetFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assets by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				assets, err := a.Inventory.ListAssets(ctx, filter)
				if err != nil {
					return err
				}
				return g.Printer().Emit(assets, func(w io.Writer) error {
					rows := make([][]string, 0, len(assets))
					for _, asset := range assets {
						rows = append(rows, []string{
							asset.ID,
							asset.Name,
							cli.Title(string(asset.Type)),
							cli.Title(string(asset.Classification)),
							asset.SensitivityScore.StringFixed(2),
							asset.OwnerID,
						})
					}
					return cli.WriteTable(w, []string{"ID", "NAME", "TYPE", "CLASSIFICATION", "SENSITIVITY", "OWNER"}, rows)
				})
			})
		},
	}

	cmd.Flags().StringVar(&filter.Search, "search", "", "Only assets whose name contains this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", models.DefaultPageSize, "Maximum number of assets")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Number of assets to skip")
	return cmd
}

func newShowCommand(g *cli.Globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.Run(cmd, func(ctx context.Context, a *app.App) error {
				asset, err := a.Inventory.GetAsset(ctx, args[0])
				if err != nil {
					return err
				}
				return printAsset(g.Printer(), asset)
			})
		},
	}
}

func printAsset(p *cli.Printer, asset *models.Asset) error {
	return p.Emit(asset, func(w io.Writer) error {
		return cli.WriteFields(w, []cli.Field{
			{Label: "ID", Value: asset.ID},
			{Label: "Name", Value: asset.Name},
			{Label: "Owner", Value: asset.OwnerID},
			{Label: "Type", Value: cli.Title(string(asset.Type))},
			{Label: "Classification", Value: cli.Title(string(asset.Classification))},
			{Label: "Ratings", Value: "C=" + strconv.Itoa(asset.Confidentiality) +
				" I=" + strconv.Itoa(asset.Integrity) +
				" A=" + strconv.Itoa(asset.Availability)},
			{Label: "Sensitivity", Value: asset.SensitivityScore.StringFixed(2)},
			{Label: "Stack", Value: strings.Join(asset.TechnologyStack, ", ")},
			{Label: "Updated", Value: cli.Timestamp(&asset.UpdatedAt)},
		})
	})
}
