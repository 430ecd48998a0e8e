// Package cli holds helpers shared by the sentinel commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/sentinel/internal/app"
	"github.com/joshsymonds/sentinel/internal/config"
	"github.com/joshsymonds/sentinel/pkg/logger"
)

// Globals carries the root command's persistent flags to subcommands.
type Globals struct {
	Out        io.Writer
	ConfigPath string
	EnvFile    string
	LogFormat  string
	Debug      bool
	JSON       bool
}

// Bind registers the persistent flags on root.
func Bind(root *cobra.Command) *Globals {
	g := &Globals{Out: os.Stdout}
	flags := root.PersistentFlags()
	flags.StringVarP(&g.ConfigPath, "config", "c", "", "Path to config file (defaults built in)")
	flags.StringVar(&g.EnvFile, "env-file", "", "Load environment variables from this file (defaults to ./.env if present)")
	flags.BoolVar(&g.Debug, "debug", false, "Enable debug logging")
	flags.StringVar(&g.LogFormat, "log-format", "", "Log format (text or json)")
	flags.BoolVar(&g.JSON, "json", false, "Print results as JSON")
	return g
}

// LoadConfig loads the env file and the config file, falling back to
// defaults when no config file was given.
func (g *Globals) LoadConfig() (*config.Config, error) {
	var envFiles []string
	if g.EnvFile != "" {
		envFiles = append(envFiles, g.EnvFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		return nil, err
	}

	if g.ConfigPath == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return config.LoadConfig(g.ConfigPath)
}

// SetupLogger configures the global logger from flags and config. Flags win.
func (g *Globals) SetupLogger(cfg *config.Config) logger.Logger {
	debug := g.Debug || cfg.Logging.Debug()
	format := cfg.Logging.Format
	if g.LogFormat != "" {
		format = g.LogFormat
	}
	logger.SetupLogger(debug, format)
	return logger.GetGlobalLogger()
}

// Open loads configuration and wires the application.
func (g *Globals) Open(ctx context.Context) (*app.App, error) {
	cfg, err := g.LoadConfig()
	if err != nil {
		return nil, err
	}
	log := g.SetupLogger(cfg)
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Debug("Opened store", "driver", cfg.Database.Driver)
	return a, nil
}

// Run opens the application, calls fn and closes it again.
func (g *Globals) Run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := g.Open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("Failed to close store", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// Printer returns a printer honoring --json.
func (g *Globals) Printer() *Printer {
	return &Printer{Out: g.Out, JSON: g.JSON}
}
