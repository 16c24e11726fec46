// Package redpanda provides Kafka-compatible streaming with franz-go for
// the notification and audit pipelines.
package redpanda

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the engine.
const (
	// TopicNotifications carries outbound patient and staff
	// notifications relayed from the transactional outbox.
	TopicNotifications = "rx.notifications"
	// TopicReviewOutcomes carries review decisions for downstream
	// reporting.
	TopicReviewOutcomes = "rx.review.outcomes"
	// TopicAuditTrail streams verification and dispense attempts.
	TopicAuditTrail = "rx.audit.trail"
	// TopicDeadLetter receives messages that exhausted their retries.
	TopicDeadLetter = "rx.dead.letter"
)

// TopicConfig describes one topic to provision.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the engine's topic set. Audit retention is
// long for record-keeping; everything else turns over within a week.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	base := map[string]*string{
		"cleanup.policy":   ptr("delete"),
		"compression.type": ptr("lz4"),
	}
	withRetention := func(ms string) map[string]*string {
		m := map[string]*string{"retention.ms": ptr(ms)}
		for k, v := range base {
			m[k] = v
		}
		return m
	}

	return []TopicConfig{
		{Name: TopicNotifications, Partitions: 6, ReplicationFactor: 1,
			Configs: withRetention("604800000")}, // 7 days
		{Name: TopicReviewOutcomes, Partitions: 6, ReplicationFactor: 1,
			Configs: withRetention("604800000")},
		{Name: TopicAuditTrail, Partitions: 3, ReplicationFactor: 1,
			Configs: withRetention("7776000000")}, // 90 days
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1,
			Configs: withRetention("604800000")},
	}
}

// Admin provisions and inspects topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client against the given brokers.
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates every engine topic, tolerating ones that already
// exist.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, cfg := range DefaultTopicConfigs() {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if r.Err != nil {
				if strings.Contains(r.Err.Error(), "TOPIC_ALREADY_EXISTS") {
					continue
				}
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// GroupLag returns per-topic partition lag for a consumer group.
func (a *Admin) GroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("describe group lag: %w", err)
	}

	result := make(map[string]map[int32]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			if result[topic] == nil {
				result[topic] = make(map[int32]int64)
			}
			for partition, lag := range partitions {
				result[topic][partition] = lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client.
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck pings the brokers.
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping brokers: %w", err)
	}
	return nil
}
