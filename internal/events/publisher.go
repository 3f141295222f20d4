package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/maltedev/storefront-scraper/internal/database"
)

type EventType string

const (
	// EventTypeCrawlCompleted is published after a crawl run's records were handed to the sink.
	EventTypeCrawlCompleted EventType = "CRAWL_COMPLETED"

	aggregateCrawlRun = "crawl_run"
)

// CrawlCompletedPayload summarizes one finished crawl run.
type CrawlCompletedPayload struct {
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	Timestamp       time.Time `json:"timestamp"`
	RunID           string    `json:"run_id"`
	SearchTerm      string    `json:"search_term"`
	Requested       int       `json:"requested_count"`
	Count           int       `json:"count"`
	Shortfall       int       `json:"shortfall,omitempty"`
	CaptchaDetected bool      `json:"captcha_detected,omitempty"`
	Created         int       `json:"created"`
	Updated         int       `json:"updated"`
	Links           []string  `json:"links,omitempty"`
}

// TxRunner runs fn inside a database transaction.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

// OutboxWriter stores an outbox event in a transaction.
type OutboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher writes events into the transactional outbox; the relay delivers them.
type Publisher struct {
	db     TxRunner
	outbox OutboxWriter
	stream string
	logger *slog.Logger
}

func NewPublisher(db TxRunner, outbox OutboxWriter, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:     db,
		outbox: outbox,
		stream: database.CrawlRunsStream,
		logger: logger.With("component", "event_publisher"),
	}
}

func (p *Publisher) PublishCrawlCompleted(ctx context.Context, payload *CrawlCompletedPayload) error {
	if payload.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if payload.EventID == "" {
		payload.EventID = uuid.NewString()
	}
	if payload.EventType == "" {
		payload.EventType = string(EventTypeCrawlCompleted)
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	event := &database.OutboxEvent{
		AggregateType: aggregateCrawlRun,
		AggregateID:   payload.RunID,
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  p.stream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.outbox.InsertWithTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("event published to outbox",
		"type", payload.EventType,
		"run_id", payload.RunID,
		"count", payload.Count,
		"outbox_id", event.ID)
	return nil
}
