// Package outbox moves audit events from the Postgres outbox table to Kafka.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	audit "anchorid/pkg/platform/audit"
	auditpostgres "anchorid/pkg/platform/audit/store/postgres"
	txcontext "anchorid/pkg/platform/tx"
)

// Source reads and acknowledges outbox rows.
type Source interface {
	FetchUnpublished(ctx context.Context, limit int) ([]auditpostgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Publisher delivers one record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// TopicFor maps an event category to its topic.
type TopicFor func(audit.EventCategory) string

// Relay polls the outbox and publishes pending rows.
type Relay struct {
	db        *sql.DB
	source    Source
	publisher Publisher
	topicFor  TopicFor
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// Option configures a Relay.
type Option func(*Relay)

// WithDB runs each batch in a transaction so row locks hold until rows are marked.
func WithDB(db *sql.DB) Option {
	return func(r *Relay) { r.db = db }
}

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many rows each poll fetches.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New creates a relay.
func New(source Source, publisher Publisher, topicFor TopicFor, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		source:    source,
		publisher: publisher,
		topicFor:  topicFor,
		logger:    logger,
		interval:  time.Second,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.logger.WarnContext(ctx, "outbox flush failed", "error", err)
			}
		}
	}
}

// Flush publishes one batch and returns how many rows were delivered.
// Rows published before a failure are still marked.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if r.db == nil {
		return r.flush(ctx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	n, err := r.flush(txcontext.WithTx(ctx, tx))
	if commitErr := tx.Commit(); commitErr != nil {
		return 0, fmt.Errorf("commit outbox tx: %w", commitErr)
	}
	return n, err
}

func (r *Relay) flush(ctx context.Context) (int, error) {
	entries, err := r.source.FetchUnpublished(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	published := make([]uuid.UUID, 0, len(entries))
	var publishErr error
	for _, e := range entries {
		topic := r.topicFor(e.Category)
		if err := r.publisher.Publish(ctx, topic, []byte(e.ID.String()), e.Payload); err != nil {
			publishErr = fmt.Errorf("publish outbox entry %s: %w", e.ID, err)
			break
		}
		published = append(published, e.ID)
	}
	if err := r.source.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	if len(published) > 0 {
		r.logger.DebugContext(ctx, "outbox entries published", "count", len(published))
	}
	return len(published), publishErr
}
