package notify

import (
	"testing"

	"github.com/phb-health/rxengine/internal/domain/prescription"
	"github.com/phb-health/rxengine/internal/infrastructure/redpanda"
)

func TestTopicByNotificationKind(t *testing.T) {
	cases := []struct {
		kind string
		want string
	}{
		{prescription.NotifyReviewRequested, redpanda.TopicNotifications},
		{prescription.NotifyRequestApproved, redpanda.TopicReviewOutcomes},
		{prescription.NotifyRequestEscalated, redpanda.TopicReviewOutcomes},
		{prescription.NotifyRequestRejected, redpanda.TopicReviewOutcomes},
		{"pharmacy.stock.alert", redpanda.TopicNotifications},
	}
	for _, tc := range cases {
		if got := topicFor(tc.kind); got != tc.want {
			t.Errorf("topicFor(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}
