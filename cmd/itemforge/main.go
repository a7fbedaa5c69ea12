// Itemforge generates and reviews psychometric test items with a team of
// LLM agents.
//
// Usage:
//
//	# Start the HTTP API
//	itemforge serve --config config.yaml --agents agents.toml
//
//	# Run the pipeline locally and approve items on the terminal
//	itemforge run --preset aaaw
//
//	# Let the automated approver decide
//	itemforge run --preset aaaw --lewmod
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/itemforge/internal/config"
	"github.com/fyrsmithlabs/itemforge/internal/logging"
	"github.com/fyrsmithlabs/itemforge/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
	agentsPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "itemforge",
		Short: "Generate and review psychometric test items",
		Long: `itemforge drafts test items for a psychological construct, scores them
with a panel of reviewer agents and revises them until a human or the
automated approver accepts the result.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", envOr("ITEMFORGE_CONFIG", "config.yaml"), "service config file (YAML)")
	root.PersistentFlags().StringVar(&opts.agentsPath, "agents", envOr("ITEMFORGE_AGENTS", "agents.toml"), "agent settings file (TOML)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newPresetsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "itemforge by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// appEnv is the configuration and ambient services shared by serve and run.
type appEnv struct {
	cfg       *config.Config
	agents    *config.AgentSettings
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
}

// loadEnv loads both config files and starts logging and telemetry.
// Logs go to logOut.
func loadEnv(ctx context.Context, opts *rootOptions, logOut io.Writer, tune func(*logging.Config)) (*appEnv, error) {
	loader, err := config.NewLoader(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Config()
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	if err := loader.Section("logging", logCfg); err != nil {
		return nil, err
	}
	if tune != nil {
		tune(logCfg)
	}
	telCfg := telemetry.NewDefaultConfig()
	if err := loader.Section("telemetry", telCfg); err != nil {
		return nil, err
	}
	telCfg.ServiceVersion = version

	agents, err := config.LoadAgentSettings(opts.agentsPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger, err := logging.NewLoggerTo(logCfg, logOut, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if degraded, derr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry exporters unavailable, continuing without them", zap.Error(derr))
	}

	return &appEnv{cfg: cfg, agents: agents, logger: logger, telemetry: tel}, nil
}

// close flushes telemetry and logs. Best effort.
func (r *appEnv) close(ctx context.Context) {
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}
