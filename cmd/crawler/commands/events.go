package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/storefront-scraper/internal/config"
	"github.com/maltedev/storefront-scraper/internal/events"
	"github.com/maltedev/storefront-scraper/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print crawl-completed events from the redis stream",
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().String("group", "crawl-runs-consumer-group", "consumer group")
	eventsCmd.Flags().String("name", "", "consumer name (default: hostname)")
}

func runEvents(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	group, _ := cmd.Flags().GetString("group")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name, _ = os.Hostname()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	consumer := events.NewConsumer(client, events.ConsumerConfig{Group: group, Name: name}, log)
	out := cmd.OutOrStdout()
	err = consumer.Run(ctx, func(_ context.Context, e *events.CrawlCompletedPayload) error {
		return printJSON(out, e)
	})
	if err == context.Canceled {
		return nil
	}
	return err
}
