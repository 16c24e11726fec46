package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/infrastructure/redpanda"
)

// KafkaAuditSink streams verification and dispense attempts to the audit
// topic. The database audit log is the source of truth; this stream
// feeds monitoring.
type KafkaAuditSink struct {
	producer *redpanda.Producer
	logger   *zap.Logger
}

// NewKafkaAuditSink creates an audit sink over the producer.
func NewKafkaAuditSink(producer *redpanda.Producer, logger *zap.Logger) *KafkaAuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaAuditSink{producer: producer, logger: logger}
}

// Record publishes the event asynchronously. Publish failures are logged
// by the producer and otherwise ignored.
func (s *KafkaAuditSink) Record(ctx context.Context, event prescription.AuditEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode audit event", zap.Error(err))
		return
	}
	s.producer.ProduceAsync(ctx, redpanda.TopicAuditTrail,
		prescription.FormatRef(event.PrescriptionID), payload, nil)
}
