package prescription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phb-health/rxengine/internal/domain/assignment"
	"github.com/phb-health/rxengine/internal/domain/drugref"
	"github.com/phb-health/rxengine/internal/domain/triage"
)

type memRequests struct {
	mu   sync.Mutex
	rows map[int64]*PrescriptionRequest
	next int64
}

func newMemRequests() *memRequests {
	return &memRequests{rows: make(map[int64]*PrescriptionRequest)}
}

func (s *memRequests) CreateRequest(ctx context.Context, req *PrescriptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	req.ID = s.next
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt
	for i := range req.Medications {
		req.Medications[i].ID = int64(i + 1)
	}
	clone := *req
	s.rows[req.ID] = &clone
	return nil
}

func (s *memRequests) GetRequest(ctx context.Context, id int64) (*PrescriptionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.rows[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	clone := *req
	clone.Medications = append([]RequestedMedication(nil), req.Medications...)
	return &clone, nil
}

func (s *memRequests) RecordReview(ctx context.Context, req *PrescriptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[req.ID]; !ok {
		return ErrRequestNotFound
	}
	clone := *req
	s.rows[req.ID] = &clone
	return nil
}

// stubDrugStore serves a fixed reference set keyed by generic name.
type stubDrugStore struct {
	refs map[string]*drugref.DrugReference
}

func (s *stubDrugStore) LookupByGenericName(ctx context.Context, name string) (*drugref.DrugReference, error) {
	if ref, ok := s.refs[name]; ok {
		return ref, nil
	}
	return nil, drugref.ErrNotFound
}

func (s *stubDrugStore) LookupByBrandNameContains(ctx context.Context, fragment string) (*drugref.DrugReference, error) {
	return nil, drugref.ErrNotFound
}

func (s *stubDrugStore) LookupByKeywordContains(ctx context.Context, fragment string) (*drugref.DrugReference, error) {
	return nil, drugref.ErrNotFound
}

func (s *stubDrugStore) LookupBatch(ctx context.Context, names []string) (map[string]*drugref.DrugReference, error) {
	found := make(map[string]*drugref.DrugReference)
	for _, name := range names {
		if ref, ok := s.refs[name]; ok {
			found[name] = ref
		}
	}
	return found, nil
}

type staffDirectory struct {
	pharmacists []assignment.Pharmacist
	physicians  []assignment.Physician
}

func (d *staffDirectory) ListPharmacists(ctx context.Context, facilityID int64, filter assignment.PharmacistFilter) ([]assignment.Pharmacist, error) {
	return d.pharmacists, nil
}

func (d *staffDirectory) ListPhysicians(ctx context.Context, facilityID int64, filter assignment.PhysicianFilter) ([]assignment.Physician, error) {
	return d.physicians, nil
}

type capturingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (n *capturingNotifier) Notify(ctx context.Context, event Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *capturingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, len(n.events))
	for i, e := range n.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func newTestService(t *testing.T) (*Service, *memStore, *capturingNotifier) {
	t.Helper()
	drugs := &stubDrugStore{refs: map[string]*drugref.DrugReference{
		"amoxicillin": {ID: 1, GenericName: "amoxicillin", TherapeuticClass: "antibiotic"},
		"morphine":    {ID: 2, GenericName: "morphine", Schedule: 2, Controlled: true},
	}}
	directory := &staffDirectory{
		pharmacists: []assignment.Pharmacist{{
			ID: 1, Name: "K. Osei", Active: true, OnDuty: true,
			AutoAssign: true, ControlledAuthority: true,
		}},
		physicians: []assignment.Physician{{ID: 10, Name: "Dr Adams", Active: true}},
	}
	notifier := &capturingNotifier{}
	signed := newMemStore()
	svc := NewService(
		newMemRequests(),
		signed,
		drugref.NewResolver(drugs, nil, nil),
		assignment.NewEngine(directory, nil),
		NewSigner(StaticSecret(testSecret)),
		notifier,
		nil,
	)
	return svc, signed, notifier
}

func submitRequest(t *testing.T, svc *Service, meds ...RequestedMedication) *PrescriptionRequest {
	t.Helper()
	req, err := svc.Submit(context.Background(), &PrescriptionRequest{
		PatientHPN:     "HPN-1100223",
		PatientName:    "Awa Diallo",
		PrescriberName: "Dr S. Mensah",
		FacilityID:     7,
		Urgency:        triage.UrgencyRoutine,
		Medications:    meds,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return req
}

func TestSubmitClassifiesAndAssigns(t *testing.T) {
	svc, _, notifier := newTestService(t)

	req := submitRequest(t, svc, RequestedMedication{
		Name: "morphine", Strength: "10mg", Dosage: "1 tablet", Frequency: "twice daily",
	})

	if req.Status != StatusRequested {
		t.Errorf("status = %s, want REQUESTED", req.Status)
	}
	if req.Category != triage.CategoryControlled {
		t.Errorf("category = %s, want CONTROLLED_SUBSTANCE", req.Category)
	}
	if req.AssignedProfessionalID == nil || *req.AssignedProfessionalID != 1 {
		t.Errorf("assignment missing: %+v", req)
	}
	if kinds := notifier.kinds(); len(kinds) != 1 || kinds[0] != NotifyReviewRequested {
		t.Errorf("notifications = %v, want [review.requested]", kinds)
	}
}

func TestSubmitRejectsEmptyRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Submit(context.Background(), &PrescriptionRequest{FacilityID: 7}); err == nil {
		t.Fatal("expected an error for a request without medication lines")
	}
}

func TestReviewApproveIssuesSignedPrescriptions(t *testing.T) {
	svc, signed, notifier := newTestService(t)
	req := submitRequest(t, svc,
		RequestedMedication{Name: "amoxicillin", Strength: "500mg", Dosage: "1 capsule", Frequency: "tds"},
		RequestedMedication{Name: "paracetamol", Strength: "1g", Dosage: "2 tablets", Frequency: "qds"},
	)

	reviewed, issued, err := svc.Review(context.Background(), req.ID, ReviewDecision{
		Action:   ActionApprove,
		Reviewer: "K. Osei",
		Pharmacy: &PharmacyRef{Name: "Central Pharmacy", Code: "CP-01"},
	})
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if reviewed.Status != StatusApproved {
		t.Errorf("status = %s, want APPROVED", reviewed.Status)
	}
	if len(issued) != 2 {
		t.Fatalf("issued %d prescriptions, want one per medication line", len(issued))
	}

	signer := NewSigner(StaticSecret(testSecret))
	for _, p := range issued {
		if p.ID == 0 || p.Nonce == "" || p.Signature == "" {
			t.Fatalf("issued prescription incomplete: %+v", p)
		}
		stored, err := signed.GetSigned(context.Background(), p.ID)
		if err != nil {
			t.Fatalf("issued prescription not persisted: %v", err)
		}
		if stored.Signature != p.Signature {
			t.Errorf("stored signature differs for prescription %d", p.ID)
		}
		payload, sig, err := signer.Sign(p)
		if err != nil {
			t.Fatalf("re-sign failed: %v", err)
		}
		if sig != p.Signature {
			t.Errorf("signature not reproducible for prescription %d", p.ID)
		}
		ok, err := signer.VerifyBytes(payload, sig)
		if err != nil || !ok {
			t.Errorf("issued artifact does not verify: %v", err)
		}
	}

	kinds := notifier.kinds()
	if len(kinds) != 2 || kinds[1] != NotifyRequestApproved {
		t.Errorf("notifications = %v, want review.requested then request.approved", kinds)
	}
}

func TestReviewTerminalRequestRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := submitRequest(t, svc, RequestedMedication{Name: "amoxicillin"})

	if _, _, err := svc.Review(context.Background(), req.ID,
		ReviewDecision{Action: ActionReject, Reviewer: "K. Osei"}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	_, _, err := svc.Review(context.Background(), req.ID,
		ReviewDecision{Action: ActionApprove, Reviewer: "K. Osei"})
	if !errors.Is(err, ErrTerminalStatus) {
		t.Fatalf("err = %v, want ErrTerminalStatus", err)
	}
}

func TestReviewEscalateStaysOpen(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := submitRequest(t, svc, RequestedMedication{Name: "amoxicillin"})

	escalated, issued, err := svc.Review(context.Background(), req.ID,
		ReviewDecision{Action: ActionEscalate, Reviewer: "K. Osei", Notes: "needs physician sign-off"})
	if err != nil {
		t.Fatalf("escalate failed: %v", err)
	}
	if escalated.Status != StatusEscalated || escalated.AssignedRole != triage.RolePhysician {
		t.Errorf("escalated request = %+v, want ESCALATED for a physician", escalated)
	}
	if len(issued) != 0 {
		t.Errorf("escalation issued %d prescriptions, want none", len(issued))
	}

	// A physician can still approve after escalation.
	approved, issued, err := svc.Review(context.Background(), req.ID,
		ReviewDecision{Action: ActionApprove, Reviewer: "Dr Adams"})
	if err != nil {
		t.Fatalf("post-escalation approve failed: %v", err)
	}
	if approved.Status != StatusApproved || len(issued) != 1 {
		t.Errorf("post-escalation approval = %+v with %d issued", approved, len(issued))
	}
}

func TestArtifactReproducible(t *testing.T) {
	svc, _, _ := newTestService(t)
	req := submitRequest(t, svc, RequestedMedication{Name: "amoxicillin", Strength: "500mg"})

	_, issued, err := svc.Review(context.Background(), req.ID,
		ReviewDecision{Action: ActionApprove, Reviewer: "K. Osei"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	payload1, sig1, err := svc.Artifact(context.Background(), issued[0].ID)
	if err != nil {
		t.Fatalf("first artifact failed: %v", err)
	}
	payload2, sig2, err := svc.Artifact(context.Background(), issued[0].ID)
	if err != nil {
		t.Fatalf("second artifact failed: %v", err)
	}
	if string(payload1) != string(payload2) || sig1 != sig2 {
		t.Error("artifact regeneration is not reproducible")
	}
	if sig1 != issued[0].Signature {
		t.Error("artifact signature differs from the issue-time signature")
	}
}

func TestArtifactUnknownPrescription(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, _, err := svc.Artifact(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
