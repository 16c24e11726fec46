// Package notify delivers lifecycle notifications and audit events.
// Emission is fire-and-forget everywhere: a notification failure never
// fails the clinical operation that triggered it.
package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/infrastructure/postgres"
	"github.com/phb-health/rxengine/internal/infrastructure/redpanda"
)

// topicFor maps a notification kind to its stream: review outcomes feed
// downstream reporting, everything else rides the notification topic.
func topicFor(kind string) string {
	switch kind {
	case prescription.NotifyRequestApproved,
		prescription.NotifyRequestEscalated,
		prescription.NotifyRequestRejected:
		return redpanda.TopicReviewOutcomes
	default:
		return redpanda.TopicNotifications
	}
}

// OutboxNotifier records notifications in the transactional outbox; the
// relay publishes them to Kafka later. This is the notifier wired into
// the API services.
type OutboxNotifier struct {
	outbox *postgres.Outbox
	logger *zap.Logger
}

// NewOutboxNotifier creates an outbox-backed notifier.
func NewOutboxNotifier(outbox *postgres.Outbox, logger *zap.Logger) *OutboxNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxNotifier{outbox: outbox, logger: logger}
}

// Notify enqueues the notification for relay.
func (n *OutboxNotifier) Notify(ctx context.Context, event prescription.Notification) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to encode notification",
			zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	entry := &postgres.OutboxEntry{
		Kind:    event.Kind,
		Topic:   topicFor(event.Kind),
		Key:     prescription.FormatRef(event.RequestID),
		Payload: payload,
	}
	if err := n.outbox.Enqueue(ctx, entry); err != nil {
		n.logger.Error("failed to enqueue notification",
			zap.String("kind", event.Kind),
			zap.Int64("request_id", event.RequestID),
			zap.Error(err))
	}
}
