package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/storefront-scraper/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockTxRunner struct {
	mock.Mock
}

func (m *MockTxRunner) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := m.Called(ctx).Error(0); err != nil {
		return err
	}
	return fn(nil)
}

type MockOutbox struct {
	mock.Mock
	events []*database.OutboxEvent
}

func (m *MockOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	m.events = append(m.events, event)
	return m.Called(ctx, event).Error(0)
}

func TestPublisher_PublishCrawlCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("writes a crawl event to the outbox", func(t *testing.T) {
		db := new(MockTxRunner)
		outbox := new(MockOutbox)
		db.On("Transaction", ctx).Return(nil)
		outbox.On("InsertWithTx", ctx, mock.Anything).Return(nil)

		p := NewPublisher(db, outbox, slog.Default())
		payload := &CrawlCompletedPayload{
			RunID:      "run-1",
			SearchTerm: "wallet",
			Requested:  3,
			Count:      2,
			Shortfall:  1,
			Links:      []string{"https://www.example.com/ip/1", "https://www.example.com/ip/2"},
		}
		require.NoError(t, p.PublishCrawlCompleted(ctx, payload))

		require.Len(t, outbox.events, 1)
		event := outbox.events[0]
		assert.Equal(t, "crawl_run", event.AggregateType)
		assert.Equal(t, "run-1", event.AggregateID)
		assert.Equal(t, "CRAWL_COMPLETED", event.EventType)
		assert.Equal(t, database.CrawlRunsStream, event.TargetStream)

		var decoded CrawlCompletedPayload
		require.NoError(t, json.Unmarshal(event.Payload, &decoded))
		assert.NotEmpty(t, decoded.EventID)
		assert.False(t, decoded.Timestamp.IsZero())
		assert.Equal(t, 1, decoded.Shortfall)
		assert.Len(t, decoded.Links, 2)
	})

	t.Run("transaction failure", func(t *testing.T) {
		db := new(MockTxRunner)
		db.On("Transaction", ctx).Return(errors.New("connection refused"))

		p := NewPublisher(db, new(MockOutbox), slog.Default())
		err := p.PublishCrawlCompleted(ctx, &CrawlCompletedPayload{RunID: "run-2"})
		assert.ErrorContains(t, err, "connection refused")
	})

	t.Run("insert failure", func(t *testing.T) {
		db := new(MockTxRunner)
		outbox := new(MockOutbox)
		db.On("Transaction", ctx).Return(nil)
		outbox.On("InsertWithTx", ctx, mock.Anything).Return(errors.New("bad row"))

		p := NewPublisher(db, outbox, slog.Default())
		assert.Error(t, p.PublishCrawlCompleted(ctx, &CrawlCompletedPayload{RunID: "run-3"}))
	})

	t.Run("run id required", func(t *testing.T) {
		p := NewPublisher(new(MockTxRunner), new(MockOutbox), slog.Default())
		assert.Error(t, p.PublishCrawlCompleted(ctx, &CrawlCompletedPayload{}))
	})
}
