package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/infrastructure/redpanda"
	"github.com/phb-health/rxengine/pkg/idempotency"
	"github.com/phb-health/rxengine/pkg/workerpool"
)

// Sender hands a notification to the outward channel (pager, SMS
// gateway, hospital messaging).
type Sender interface {
	Send(ctx context.Context, n prescription.Notification) error
}

// LogSender records deliveries in the service log. Stands in until an
// outward channel is connected in a given deployment.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-backed sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the notification.
func (s *LogSender) Send(ctx context.Context, n prescription.Notification) error {
	s.logger.Info("notification delivered",
		zap.String("kind", n.Kind),
		zap.Int64("request_id", n.RequestID),
		zap.Int64("recipient_id", n.RecipientID),
		zap.String("subject", n.Subject))
	return nil
}

// Deliverer consumes the notification topic and fans deliveries out over
// a worker pool. The idempotency inbox makes redeliveries harmless: a
// notification reaches a recipient at most once.
type Deliverer struct {
	pool   *workerpool.Pool
	inbox  *idempotency.Inbox
	sender Sender
	logger *zap.Logger
}

// NewDeliverer wires the delivery side of the relay. Call Start before
// attaching HandleMessage to a consumer.
func NewDeliverer(cfg workerpool.Config, inbox *idempotency.Inbox, sender Sender, logger *zap.Logger) (*Deliverer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Deliverer{inbox: inbox, sender: sender, logger: logger}

	pool, err := workerpool.New(cfg, d.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create delivery pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

// Start launches the delivery workers.
func (d *Deliverer) Start() {
	d.pool.Start()
}

// Stop drains the delivery workers.
func (d *Deliverer) Stop() {
	d.pool.Stop()
}

// Healthy reports whether the delivery queue has headroom.
func (d *Deliverer) Healthy() bool {
	return d.pool.IsHealthy()
}

// HandleMessage is the consumer handler. A full queue returns an error
// so the offset stays uncommitted and the broker redelivers.
func (d *Deliverer) HandleMessage(ctx context.Context, msg *redpanda.Message) error {
	var event prescription.Notification
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// Malformed payloads would fail forever; drop with a log.
		d.logger.Error("dropping malformed notification",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	task := &workerpool.Task{
		ID:      idempotency.GenerateKey(event.Kind, event.RequestID, fmt.Sprintf("%d", event.RecipientID)),
		Payload: event,
		Context: ctx,
	}
	if err := d.pool.Submit(task); err != nil {
		return fmt.Errorf("submit delivery: %w", err)
	}
	return nil
}

// work delivers one notification under the idempotency guarantee.
func (d *Deliverer) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	event, ok := task.Payload.(prescription.Notification)
	if !ok {
		return &workerpool.Result{TaskID: task.ID,
			Error: fmt.Errorf("unexpected payload type %T", task.Payload)}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}

	_, err = d.inbox.Process(ctx, task.ID, "notification-delivery", payload,
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := d.sender.Send(ctx, event); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"delivered":true}`), nil
		})
	if err != nil {
		return &workerpool.Result{TaskID: task.ID, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}
