// Package postgres provides PostgreSQL infrastructure for the engine,
// including the transactional outbox feeding the notification stream.
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
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one pending notification awaiting relay to Kafka.
type OutboxEntry struct {
	ID          int64
	Kind        string
	Topic       string
	Key         string
	Payload     json.RawMessage
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// OutboxConfig tunes the relay loop.
type OutboxConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
}

// DefaultOutboxConfig returns relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "rx.dead.letter",
	}
}

// Publisher sends a relayed entry to its topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox polls pending entries and relays them. Entries are written in
// the same transaction as the domain change, so a notification is never
// lost and never sent for a rolled-back change.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates an outbox relay.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("notification-outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an entry inside the caller's transaction.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO notification_outbox (kind, kafka_topic, kafka_key, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, entry.Kind, entry.Topic, entry.Key, entry.Payload).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Enqueue inserts an entry outside any transaction, for callers without
// one.
func (o *Outbox) Enqueue(ctx context.Context, entry *OutboxEntry) error {
	err := o.pool.QueryRow(ctx, `
		INSERT INTO notification_outbox (kind, kafka_topic, kafka_key, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, entry.Kind, entry.Topic, entry.Key, entry.Payload).
		Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

// Start begins the relay loop.
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop drains the relay loop.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	entries, err := o.fetchPending(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := o.relay(ctx, entry); err != nil {
			o.logger.Error("failed to relay outbox entry",
				zap.Int64("id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Error(err))
		}
	}
}

// fetchPending locks a batch of unprocessed entries. SKIP LOCKED lets
// concurrent relay instances share the backlog without contention.
func (o *Outbox) fetchPending(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, kind, kafka_topic, kafka_key, payload, created_at,
		       retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(&entry.ID, &entry.Kind, &entry.Topic, &entry.Key,
			&entry.Payload, &entry.CreatedAt, &entry.RetryCount, &entry.LastError)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (o *Outbox) relay(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("kind", entry.Kind),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, entry.Topic, entry.Key, entry.Payload); err != nil {
		_, updateErr := o.pool.Exec(ctx, `
			UPDATE notification_outbox
			SET retry_count = retry_count + 1, last_error = $2
			WHERE id = $1
		`, entry.ID, err.Error())
		if updateErr != nil {
			o.logger.Error("failed to record relay error", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish entry: %w", err)
	}

	if _, err := o.pool.Exec(ctx,
		`UPDATE notification_outbox SET processed_at = NOW() WHERE id = $1`,
		entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.Topic))
	return nil
}

// DrainDeadLetters republishes entries past their retry budget to the
// dead-letter topic and retires them.
func (o *Outbox) DrainDeadLetters(ctx context.Context) (int64, error) {
	entries, err := o.fetchExhausted(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range entries {
		payload, err := json.Marshal(map[string]interface{}{
			"original_topic": entry.Topic,
			"kind":           entry.Kind,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})
		if err != nil {
			continue
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, entry.Key, payload); err != nil {
			o.logger.Error("failed to publish dead letter", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx,
			`UPDATE notification_outbox SET processed_at = NOW() WHERE id = $1`,
			entry.ID); err != nil {
			o.logger.Error("failed to retire dead letter", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (o *Outbox) fetchExhausted(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, kind, kafka_topic, kafka_key, payload, created_at,
		       retry_count, last_error
		FROM notification_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("query exhausted entries: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(&entry.ID, &entry.Kind, &entry.Topic, &entry.Key,
			&entry.Payload, &entry.CreatedAt, &entry.RetryCount, &entry.LastError)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CleanupProcessed deletes relayed entries older than the cutoff.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM notification_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// PendingCount reports the relay backlog, for readiness checks.
func (o *Outbox) PendingCount(ctx context.Context) (int64, error) {
	var pending int64
	err := o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_outbox WHERE processed_at IS NULL`,
	).Scan(&pending)
	if err != nil {
		return 0, fmt.Errorf("count pending entries: %w", err)
	}
	return pending, nil
}
