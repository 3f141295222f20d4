package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed deliveries before dead-lettering.
	MaxRetryCount = 5

	// CrawlRunsStream receives crawl run events.
	CrawlRunsStream = "stream:crawl_runs"

	maxBackoff = 300 * time.Second
)

// OutboxEvent is a row of the transactional outbox.
type OutboxEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	TargetStream  string
	Status        string
	RetryCount    int
	ErrorMessage  *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	NextRetryAt   *time.Time
}

// Validate rejects events the relay could not route.
func (e *OutboxEvent) Validate() error {
	switch {
	case e.AggregateType == "":
		return fmt.Errorf("aggregate type is required")
	case e.AggregateID == "":
		return fmt.Errorf("aggregate id is required")
	case e.EventType == "":
		return fmt.Errorf("event type is required")
	case !json.Valid(e.Payload):
		return fmt.Errorf("payload must be valid json")
	}
	return nil
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx stores an event in the caller's transaction so it commits
// or rolls back together with the caller's writes.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid outbox event: %w", err)
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.TargetStream == "" {
		event.TargetStream = CrawlRunsStream
	}
	event.Status = OutboxStatusPending

	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload, target_stream, status, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING created_at, next_retry_at`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status,
	).Scan(&event.CreatedAt, &event.NextRetryAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

const outboxColumns = `o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.target_stream,
	o.status, o.retry_count, o.error_message, o.created_at, o.processed_at, o.next_retry_at`

// ClaimDue leases up to limit deliverable events, oldest first. A claimed
// event is hidden from other relays until the lease runs out, so two
// processes draining the same outbox do not publish an event twice.
func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		UPDATE outbox_event o
		SET next_retry_at = NOW() + make_interval(secs => $2)
		FROM (
			SELECT id FROM outbox_event
			WHERE status = ANY($3) AND next_retry_at <= NOW()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) due
		WHERE o.id = due.id
		RETURNING `+outboxColumns,
		limit, lease.Seconds(), []string{OutboxStatusPending, OutboxStatusFailed})
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEvent, error) {
		e := &OutboxEvent{}
		err := row.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.TargetStream,
			&e.Status, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}

	slices.SortFunc(events, func(a, b *OutboxEvent) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $2, processed_at = NOW(), error_message = NULL WHERE id = $1`,
		id, OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("failed to mark event as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed records a failed delivery and returns the event's new status.
// The retry delay doubles from two seconds up to five minutes; after
// MaxRetryCount failures the event is dead-lettered.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, processErr error) (string, error) {
	var status string
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event SET
			retry_count   = retry_count + 1,
			status        = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			error_message = $5,
			next_retry_at = NOW() + make_interval(secs => LEAST(power(2, retry_count + 1), $6))
		WHERE id = $1
		RETURNING status`,
		id, MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed,
		truncate(processErr.Error(), 1000), maxBackoff.Seconds(),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return status, nil
}

// CountByStatus counts events in any of the given states.
func (r *OutboxRepository) CountByStatus(ctx context.Context, statuses ...string) (int64, error) {
	var count int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox_event WHERE status = ANY($1)`, statuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox events: %w", err)
	}
	return count, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
