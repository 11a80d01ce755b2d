// Package postgres provides the PostgreSQL ledger store, schema migrations
// and the transactional outbox relay.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

// outboxLockID is the transaction-scoped advisory lock held by the relay
// that currently owns the outbox.
const outboxLockID = int64(0x7669616c) // "vial"

// OutboxEntry represents a ledger change waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// Retention is how long processed entries are kept; zero disables cleanup
	Retention time.Duration
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
		Retention:    7 * 24 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxMetrics receives relay progress. Implemented by the metrics package.
type OutboxMetrics interface {
	OutboxPublished(topic string)
	OutboxFailed(topic string)
	OutboxDeadLettered()
	SetOutboxPending(n int64)
}

type nopOutboxMetrics struct{}

func (nopOutboxMetrics) OutboxPublished(string) {}
func (nopOutboxMetrics) OutboxFailed(string)    {}
func (nopOutboxMetrics) OutboxDeadLettered()    {}
func (nopOutboxMetrics) SetOutboxPending(int64) {}

// Outbox relays committed outbox rows to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   OutboxMetrics
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor. metrics may be nil.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, metrics OutboxMetrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopOutboxMetrics{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOutboxConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxConfig().PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultOutboxConfig().MaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within a transaction.
// It must run in the same transaction as the ledger change it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	if entry.Topic == "" {
		return fmt.Errorf("outbox entry %s/%s has no topic", entry.AggregateType, entry.EventType)
	}
	if entry.Key == "" {
		entry.Key = entry.AggregateID
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		[]byte(entry.Payload),
		entry.Topic,
		entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval),
		zap.Int("max_retries", o.config.MaxRetries))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessOnce(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if o.config.Retention <= 0 {
				continue
			}
			n, err := o.CleanupProcessed(o.ctx, o.config.Retention)
			if err != nil {
				o.logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				o.logger.Info("outbox cleanup", zap.Int64("deleted", n))
			}
		}
	}
}

// ProcessOnce relays one batch and returns the number of entries published.
// Entries are claimed with FOR UPDATE SKIP LOCKED inside a transaction that
// also holds the relay advisory lock, so rows for one key are published in
// commit order by a single relay at a time.
func (o *Outbox) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", outboxLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("acquire outbox lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	dead, err := o.moveToDeadLetter(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	entries, err := o.fetchUnprocessed(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)), attribute.Int64("dead_lettered", dead))

	published := 0
	blocked := make(map[string]bool)
	for _, entry := range entries {
		// A failed entry holds back later entries for the same key.
		if blocked[entry.Key] {
			continue
		}
		if err := o.processEntry(ctx, tx, entry); err != nil {
			blocked[entry.Key] = true
			o.logger.Warn("failed to publish outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.String("topic", entry.Topic),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
			continue
		}
		published++
	}

	var pending int64
	if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&pending); err == nil {
		o.metrics.SetOutboxPending(pending)
	}

	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("commit outbox tx: %w", err)
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		  FROM outbox
		 WHERE processed_at IS NULL
		   AND retry_count < $1
		 ORDER BY id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return pgx.CollectRows(rows, scanOutboxEntry)
}

func scanOutboxEntry(row pgx.CollectableRow) (*OutboxEntry, error) {
	entry := &OutboxEntry{}
	var payload []byte
	err := row.Scan(
		&entry.ID, &entry.AggregateID, &entry.AggregateType,
		&entry.EventType, &payload, &entry.Topic,
		&entry.Key, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
	)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	entry.Payload = payload
	return entry, nil
}

func (o *Outbox) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
			attribute.String("topic", entry.Topic),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		o.metrics.OutboxFailed(entry.Topic)
		if _, updateErr := tx.Exec(ctx, `
			UPDATE outbox
			   SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			 WHERE id = $2`, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}
	o.metrics.OutboxPublished(entry.Topic)

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// DeadLetterMessage is the envelope published for entries that exhausted retries.
type DeadLetterMessage struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, tx pgx.Tx) (int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, message_key, created_at, retry_count, last_error
		  FROM outbox
		 WHERE processed_at IS NULL
		   AND retry_count >= $1
		 ORDER BY id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query dead letters: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanOutboxEntry)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		dl, err := json.Marshal(DeadLetterMessage{
			OriginalTopic: entry.Topic,
			EventType:     entry.EventType,
			AggregateType: entry.AggregateType,
			AggregateID:   entry.AggregateID,
			Payload:       entry.Payload,
			RetryCount:    entry.RetryCount,
			LastError:     entry.LastError,
			CreatedAt:     entry.CreatedAt,
		})
		if err != nil {
			return count, fmt.Errorf("marshal dead letter: %w", err)
		}
		if err := o.publisher.Publish(ctx, inventory.TopicDeadLetter, entry.Key, dl); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
			return count, fmt.Errorf("mark dead letter: %w", err)
		}
		o.metrics.OutboxDeadLettered()
		o.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("original_topic", entry.Topic),
			zap.String("event_type", entry.EventType))
		count++
	}
	return count, nil
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		 WHERE processed_at IS NOT NULL
		   AND processed_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarises the outbox table.
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	return OutboxStatistics(ctx, o.pool, o.config.MaxRetries)
}

// OutboxStatistics reads outbox statistics without a running relay.
func OutboxStatistics(ctx context.Context, pool *pgxpool.Pool, maxRetries int) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
		       COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
		       COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
		       MIN(created_at) FILTER (WHERE processed_at IS NULL)
		  FROM outbox`, maxRetries).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
