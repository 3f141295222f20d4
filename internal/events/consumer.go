package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/maltedev/storefront-scraper/internal/database"
	"github.com/redis/go-redis/v9"
)

// StreamClient is the part of go-redis a Consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Handler receives each decoded crawl-completed event. A returned error
// leaves the message unacknowledged so it is redelivered.
type Handler func(ctx context.Context, event *CrawlCompletedPayload) error

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Block  time.Duration
}

// Consumer reads crawl run events from the relay's stream through a
// consumer group.
type Consumer struct {
	client StreamClient
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(client StreamClient, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.CrawlRunsStream
	}
	if cfg.Group == "" {
		cfg.Group = "crawl-runs-consumer-group"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "event_consumer", "stream", cfg.Stream),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "group", c.cfg.Group)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    10,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := c.handleMessage(ctx, msg, handle); err != nil {
					c.logger.Error("failed to process message", "id", msg.ID, "error", err)
					continue
				}
				if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
					c.logger.Error("failed to acknowledge message", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage, handle Handler) error {
	event, err := DecodeCrawlCompleted(msg)
	if err != nil {
		return err
	}
	if event == nil {
		c.logger.Debug("skipping event", "id", msg.ID, "type", msg.Values["event_type"])
		return nil
	}
	return handle(ctx, event)
}

// DecodeCrawlCompleted unwraps a relay message. Messages of other types
// return nil without error.
func DecodeCrawlCompleted(msg redis.XMessage) (*CrawlCompletedPayload, error) {
	if eventType, _ := msg.Values["event_type"].(string); eventType != string(EventTypeCrawlCompleted) {
		return nil, nil
	}

	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("missing data in event %s", msg.ID)
	}

	var envelope struct {
		Payload CrawlCompletedPayload `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse event %s: %w", msg.ID, err)
	}
	if envelope.Payload.RunID == "" {
		return nil, fmt.Errorf("event %s has no run id", msg.ID)
	}
	return &envelope.Payload, nil
}
