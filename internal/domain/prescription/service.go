package prescription

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/domain/assignment"
	"github.com/phb-health/rxengine/internal/domain/drugref"
	"github.com/phb-health/rxengine/internal/domain/triage"
)

// Notification kinds emitted by the service.
const (
	NotifyReviewRequested  = "review.requested"
	NotifyRequestApproved  = "request.approved"
	NotifyRequestEscalated = "request.escalated"
	NotifyRequestRejected  = "request.rejected"
)

// Notification is an outbound message about a request's progress.
type Notification struct {
	Kind        string `json:"kind"`
	RequestID   int64  `json:"request_id"`
	FacilityID  int64  `json:"facility_id"`
	RecipientID int64  `json:"recipient_id,omitempty"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
}

// Notifier delivers notifications. Delivery is fire-and-forget:
// implementations must not block the caller and errors are the
// implementation's to log.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Service orchestrates the request lifecycle: intake with triage and
// assignment, review decisions, and signing on approval.
type Service struct {
	requests RequestStore
	signed   Store
	resolver *drugref.Resolver
	engine   *assignment.Engine
	signer   *Signer
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewService wires the lifecycle service. The notifier may be nil.
func NewService(requests RequestStore, signed Store, resolver *drugref.Resolver,
	engine *assignment.Engine, signer *Signer, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		requests: requests,
		signed:   signed,
		resolver: resolver,
		engine:   engine,
		signer:   signer,
		notifier: notifier,
		logger:   logger,
		tracer:   otel.Tracer("prescription-service"),
		now:      time.Now,
	}
}

// Submit runs intake for a new request: resolve the medication lines,
// classify, assign a reviewer, persist, then notify. Classification and
// assignment always complete even when drug references cannot be
// resolved; unresolved lines simply contribute no category signals.
func (s *Service) Submit(ctx context.Context, req *PrescriptionRequest) (*PrescriptionRequest, error) {
	ctx, span := s.tracer.Start(ctx, "submit_request",
		trace.WithAttributes(attribute.Int64("facility_id", req.FacilityID)))
	defer span.End()

	if len(req.Medications) == 0 {
		return nil, fmt.Errorf("request has no medication lines")
	}

	refs, err := s.resolver.ResolveBatch(ctx, req.MedicationNames())
	if err != nil {
		return nil, fmt.Errorf("resolve medications: %w", err)
	}

	outcome := triage.Classify(req.TriageView(), refs)
	req.Status = StatusRequested
	req.Category = outcome.Category
	req.Rationale = outcome.Rationale
	req.AssignedRole = outcome.Role

	result, err := s.engine.Assign(ctx, outcome, req.FacilityID)
	if err != nil {
		return nil, fmt.Errorf("assign reviewer: %w", err)
	}
	if result.Assigned {
		id := result.ProfessionalID
		req.AssignedProfessionalID = &id
		req.AssignedName = result.ProfessionalName
		req.AssignedRole = result.Role
	}

	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	span.SetAttributes(
		attribute.String("category", string(outcome.Category)),
		attribute.Bool("assigned", result.Assigned),
	)
	s.logger.Info("prescription request submitted",
		zap.Int64("request_id", req.ID),
		zap.String("category", string(outcome.Category)),
		zap.Bool("assigned", result.Assigned),
		zap.String("assignee", result.ProfessionalName))

	s.notify(ctx, Notification{
		Kind:        NotifyReviewRequested,
		RequestID:   req.ID,
		FacilityID:  req.FacilityID,
		RecipientID: result.ProfessionalID,
		Subject:     fmt.Sprintf("New %s prescription request", outcome.Category),
		Body: fmt.Sprintf("Request %d for %s awaits review within %dh: %s",
			req.ID, req.PatientName, outcome.TurnaroundHours, outcome.Rationale),
	})
	return req, nil
}

// Request loads a request by id.
func (s *Service) Request(ctx context.Context, id int64) (*PrescriptionRequest, error) {
	return s.requests.GetRequest(ctx, id)
}

// ReviewDecision is a reviewer's verdict on a request.
type ReviewDecision struct {
	Action    ReviewAction
	Reviewer  string
	Notes     string
	Overrides map[int64]MedicationOverride
	Pharmacy  *PharmacyRef
}

// MedicationOverride adjusts one medication line at approval time.
type MedicationOverride struct {
	Quantity *int
	Dosage   *string
	Refills  *int
}

// Review applies a decision to a request. Approval mints and signs one
// prescription per medication line; the request becomes immutable
// afterwards. Escalation keeps the request open for a physician.
func (s *Service) Review(ctx context.Context, requestID int64, decision ReviewDecision) (*PrescriptionRequest, []*SignedPrescription, error) {
	ctx, span := s.tracer.Start(ctx, "review_request",
		trace.WithAttributes(
			attribute.Int64("request_id", requestID),
			attribute.String("action", string(decision.Action)),
		))
	defer span.End()

	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.Terminal() {
		return nil, nil, ErrTerminalStatus
	}

	now := s.now().UTC()
	req.ReviewedBy = decision.Reviewer
	req.ReviewAction = decision.Action
	req.ReviewNotes = decision.Notes
	req.ReviewedAt = &now

	var kind string
	switch decision.Action {
	case ActionApprove:
		req.Status = StatusApproved
		kind = NotifyRequestApproved
		applyOverrides(req, decision.Overrides)
	case ActionEscalate:
		req.Status = StatusEscalated
		req.AssignedRole = triage.RolePhysician
		kind = NotifyRequestEscalated
	case ActionReject:
		req.Status = StatusRejected
		kind = NotifyRequestRejected
	default:
		return nil, nil, fmt.Errorf("unknown review action %q", decision.Action)
	}

	if err := s.requests.RecordReview(ctx, req); err != nil {
		return nil, nil, fmt.Errorf("record review: %w", err)
	}

	var issued []*SignedPrescription
	if decision.Action == ActionApprove {
		issued, err = s.issue(ctx, req, decision.Pharmacy, now)
		if err != nil {
			return nil, nil, err
		}
	}

	s.logger.Info("prescription request reviewed",
		zap.Int64("request_id", req.ID),
		zap.String("action", string(decision.Action)),
		zap.String("reviewer", decision.Reviewer),
		zap.Int("prescriptions_issued", len(issued)))

	s.notify(ctx, Notification{
		Kind:       kind,
		RequestID:  req.ID,
		FacilityID: req.FacilityID,
		Subject:    fmt.Sprintf("Prescription request %d %s", req.ID, req.Status),
		Body:       decision.Notes,
	})
	return req, issued, nil
}

// issue mints, signs, and persists one prescription per medication line.
func (s *Service) issue(ctx context.Context, req *PrescriptionRequest, pharmacy *PharmacyRef, issuedAt time.Time) ([]*SignedPrescription, error) {
	issued := make([]*SignedPrescription, 0, len(req.Medications))
	for _, med := range req.Medications {
		p := NewSignedPrescription(req, med, pharmacy, issuedAt)
		if err := s.signed.CreateSigned(ctx, p); err != nil {
			return nil, fmt.Errorf("persist signed prescription: %w", err)
		}
		_, sig, err := s.signer.Sign(p)
		if err != nil {
			return nil, fmt.Errorf("sign prescription %d: %w", p.ID, err)
		}
		p.Signature = sig
		if err := s.signed.SaveSignature(ctx, p.ID, sig); err != nil {
			return nil, fmt.Errorf("save signature: %w", err)
		}
		issued = append(issued, p)
	}
	return issued, nil
}

// Artifact regenerates the QR payload and signature for an issued
// prescription. The nonce and issue time are stored, so the output is
// byte-identical on every call.
func (s *Service) Artifact(ctx context.Context, prescriptionID int64) ([]byte, string, error) {
	p, err := s.signed.GetSigned(ctx, prescriptionID)
	if err != nil {
		return nil, "", err
	}
	payload, sig, err := s.signer.Sign(p)
	if err != nil {
		return nil, "", err
	}
	return payload, sig, nil
}

func applyOverrides(req *PrescriptionRequest, overrides map[int64]MedicationOverride) {
	if len(overrides) == 0 {
		return
	}
	for i := range req.Medications {
		m := &req.Medications[i]
		o, ok := overrides[m.ID]
		if !ok {
			continue
		}
		if o.Quantity != nil {
			m.ApprovedQuantity = o.Quantity
		}
		if o.Dosage != nil {
			m.ApprovedDosage = o.Dosage
		}
		if o.Refills != nil {
			m.ApprovedRefills = o.Refills
		}
	}
}

func (s *Service) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, n)
}
