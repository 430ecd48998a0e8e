// Package main is the entry point for the Sentinel CLI. Sentinel keeps an
// inventory of assets and the threats against them, scores risk, tracks each
// threat through its lifecycle, manages time-boxed risk acceptances and gates
// security findings against versioned policy rules.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/cmd/acceptance"
	"github.com/joshsymonds/sentinel/cmd/asset"
	"github.com/joshsymonds/sentinel/cmd/config"
	"github.com/joshsymonds/sentinel/cmd/control"
	"github.com/joshsymonds/sentinel/cmd/export"
	"github.com/joshsymonds/sentinel/cmd/policy"
	"github.com/joshsymonds/sentinel/cmd/sweep"
	"github.com/joshsymonds/sentinel/cmd/threat"
	"github.com/joshsymonds/sentinel/internal/cli"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop is called above
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Risk and policy orchestration for security teams",
		Long: `Sentinel scores the risk of threats against your assets, tracks every
threat through its lifecycle, manages time-boxed risk acceptances and gates
security findings against versioned policy rules.`,
		Example: `  sentinel asset create --name billing --owner team-billing --type APPLICATION --classification CONFIDENTIAL -C 4 -I 4 -A 4
  sentinel threat transition <threat-id> Assessed --actor alice
  sentinel sweep --watch --metrics-addr :9090
  sentinel policy evaluate --finding finding.json`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	g := cli.Bind(root)

	root.AddCommand(
		asset.NewCommand(g),
		threat.NewCommand(g),
		acceptance.NewCommand(g),
		sweep.NewCommand(g),
		policy.NewCommand(g),
		control.NewCommand(g),
		export.NewCommand(g),
		config.NewCommand(g),
	)
	return root
}
