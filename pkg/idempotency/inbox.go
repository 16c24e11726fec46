// Package idempotency implements the inbox pattern so redelivered
// notification messages are sent to a recipient at most once.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Payload     json.RawMessage
	Result      json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
}

// Config tunes the inbox.
type Config struct {
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	RecoveryTimeout time.Duration
}

// DefaultConfig returns inbox defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrInProgress means another handler holds the entry.
	ErrInProgress = errors.New("message in progress by another handler")
	// ErrDuplicate means the message was already handled.
	ErrDuplicate = errors.New("duplicate message: already processed")
)

// HandlerFunc is an idempotent message handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Outcome describes how Process resolved a message.
type Outcome struct {
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// Inbox records processed messages in Postgres so a redelivery is
// answered from the stored result instead of re-running the handler.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("notification-inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// GenerateKey builds the deterministic idempotency key for one
// notification delivery.
func GenerateKey(kind string, requestID int64, recipient string) string {
	data := strings.Join([]string{kind, fmt.Sprintf("%d", requestID), recipient}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// Process runs fn under the idempotency guarantee: a finished entry is
// returned as-is, a stale in-flight entry is recovered, and anything
// else is rejected or retried per its status.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn HandlerFunc) (*Outcome, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Outcome{Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("message previously failed permanently: %s", key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// Stale holder, likely a crash; take it over.
			if err := i.markStatus(ctx, key, StatusRecoverable, nil, ""); err != nil {
				return nil, fmt.Errorf("recover stale entry: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.start(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminal(handlerErr) {
			status = StatusFailed
		}
		if err := i.markStatus(ctx, key, status, nil, handlerErr.Error()); err != nil {
			i.logger.Error("failed to mark error status", zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result, ""); err != nil {
		// The handler succeeded; log and carry on.
		i.logger.Error("failed to mark finished", zap.Error(err))
	}

	return &Outcome{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Result:       result,
	}, nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result,
		       created_at, updated_at, expires_at
		FROM notification_inbox
		WHERE idempotency_key = $1
	`, key).Scan(&entry.Key, &entry.HandlerName, &entry.Status,
		&entry.Payload, &entry.Result, &entry.CreatedAt, &entry.UpdatedAt,
		&entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// start claims the entry as STARTED. The conditional upsert only
// overwrites RECOVERABLE entries, so a concurrent claim loses cleanly.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	expiresAt := time.Now().Add(i.config.DefaultTTL)
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO notification_inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE notification_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, payload, expiresAt).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("claim inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage, errMsg string) error {
	if errMsg != "" && result == nil {
		result, _ = json.Marshal(map[string]string{"error": errMsg})
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE notification_inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup launches the background expiry sweep.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started",
		zap.Duration("interval", i.config.CleanupInterval))
}

// Stop halts the cleanup goroutine.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx,
		`DELETE FROM notification_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}

// RecoverStaleEntries flips stale STARTED entries to RECOVERABLE, for a
// periodic janitor.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `
		UPDATE notification_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// isTerminal reports whether the error should not be retried.
func isTerminal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, phrase := range []string{"validation", "invalid", "not found", "unauthorized", "forbidden"} {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
