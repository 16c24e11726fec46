package redpanda

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds producer tuning.
type ProducerConfig struct {
	Brokers            []string
	LingerMS           int64
	MaxBufferedRecords int
	MaxRetries         int
	RetryBackoffMS     int64
}

// DefaultProducerConfig returns defaults sized for notification and
// audit traffic: modest batching, durable acks.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:            []string{"localhost:9092"},
		LingerMS:           25,
		MaxBufferedRecords: 100_000,
		MaxRetries:         3,
		RetryBackoffMS:     100,
	}
}

// Producer publishes records to the engine's topics.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	mu         sync.Mutex
	sent       int64
	errorCount int64
}

// NewProducer creates a producer with LZ4 compression and all-ISR acks.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS)*time.Millisecond),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.Lz4Compression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Produce sends one record and waits for the acknowledgment.
func (p *Producer) Produce(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "produce_message",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("key", key),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		p.count(false)
		span.RecordError(err)
		p.logger.Error("failed to produce message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.count(true)
	return nil
}

// ProduceAsync sends a record without blocking. Failures are logged and
// passed to the callback when one is given.
func (p *Producer) ProduceAsync(ctx context.Context, topic, key string, value []byte, callback func(error)) {
	ctx, span := p.tracer.Start(ctx, "produce_async",
		trace.WithAttributes(attribute.String("topic", topic)))

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTraceHeaders(ctx, record)

	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		span.End()
		if err != nil {
			p.count(false)
			p.logger.Error("async produce failed",
				zap.String("topic", topic),
				zap.Error(err))
		} else {
			p.count(true)
		}
		if callback != nil {
			callback(err)
		}
	})
}

// Flush blocks until every buffered record is acknowledged.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}

// Close flushes and closes the producer.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
}

// Stats reports cumulative produce counts.
func (p *Producer) Stats() (sent, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent, p.errorCount
}

func (p *Producer) count(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ok {
		p.sent++
	} else {
		p.errorCount++
	}
}

// injectTraceHeaders adds W3C trace context to record headers.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return
	}
	record.Headers = append(record.Headers, kgo.RecordHeader{
		Key: "traceparent",
		Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(), sc.SpanID().String(), sc.TraceFlags())),
	})
}
