// Package commands implements the crawler CLI.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/storefront-scraper/internal/app"
	"github.com/maltedev/storefront-scraper/internal/config"
	"github.com/maltedev/storefront-scraper/pkg/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "crawler",
	Short: "Collect product listings from a storefront search",
	Long: `Crawler runs the same pipeline as the HTTP API from the command line.

Configuration is read from the environment and an optional .env file.

Examples:
  # Collect 20 wallets between $10 and $50
  crawler run -t wallet -n 20 --min-price 10 --max-price 50

  # Open a visible browser to clear a challenge and save the session
  crawler assist -t wallet

  # Skip Postgres and Redis
  crawler run -t "desk lamp" --offline`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("offline", false, "disable database and redis")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("headed", false, "show the browser window")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration, applies global flags and builds the app. The
// returned context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command) (context.Context, *app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	a.StartRelay(ctx)

	return ctx, a, func() {
		a.Close()
		stop()
	}, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		cfg.Database.Enabled = false
		cfg.Redis.Enabled = false
		if cfg.Session.Backend == "redis" {
			cfg.Session.Backend = "file"
		}
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}
	if headed, _ := cmd.Flags().GetBool("headed"); headed {
		cfg.Browser.Headless = false
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
