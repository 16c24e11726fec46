// Package prescription implements the prescription lifecycle: request
// intake, review, signing, and one-time dispensing.
package prescription

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phb-health/rxengine/internal/domain/triage"
)

// RequestStatus is the lifecycle status of a prescription request.
type RequestStatus string

const (
	StatusRequested RequestStatus = "REQUESTED"
	StatusApproved  RequestStatus = "APPROVED"
	StatusEscalated RequestStatus = "ESCALATED"
	StatusRejected  RequestStatus = "REJECTED"
)

// Terminal reports whether a request can no longer change.
func (s RequestStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// ReviewAction is the decision a reviewing professional records.
type ReviewAction string

const (
	ActionApprove  ReviewAction = "approve"
	ActionEscalate ReviewAction = "escalate"
	ActionReject   ReviewAction = "reject"
)

// RequestedMedication is one medication line of a request. Owned
// exclusively by its PrescriptionRequest. Approved* fields carry reviewer
// overrides; nil means the requested value stands.
type RequestedMedication struct {
	ID               int64
	Name             string
	Strength         string
	Form             string
	Quantity         int
	Dosage           string
	Frequency        string
	IsRepeat         bool
	Reason           string
	ApprovedQuantity *int
	ApprovedDosage   *string
	ApprovedRefills  *int
}

// PrescriptionRequest is an incoming request working through triage and
// review. Immutable once its status is terminal.
type PrescriptionRequest struct {
	ID             int64
	PatientHPN     string
	PatientName    string
	PrescriberName string
	FacilityID     int64
	Urgency        triage.Urgency
	Medications    []RequestedMedication
	Status         RequestStatus

	Category  triage.Category
	Rationale string

	AssignedProfessionalID *int64
	AssignedName           string
	AssignedRole           triage.ReviewerRole

	ReviewedBy   string
	ReviewAction ReviewAction
	ReviewNotes  string
	ReviewedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriageView maps the request into the classifier's input shape.
func (r *PrescriptionRequest) TriageView() triage.Request {
	lines := make([]triage.Line, len(r.Medications))
	for i, m := range r.Medications {
		lines[i] = triage.Line{Name: m.Name, IsRepeat: m.IsRepeat}
	}
	return triage.Request{Urgency: r.Urgency, Lines: lines}
}

// MedicationNames returns the raw names of every line, for batch
// resolution.
func (r *PrescriptionRequest) MedicationNames() []string {
	names := make([]string, len(r.Medications))
	for i, m := range r.Medications {
		names[i] = m.Name
	}
	return names
}

// ValidityWindow is the fixed lifetime of a signed prescription.
const ValidityWindow = 30 * 24 * time.Hour

// PharmacyRef is the optional pharmacy snippet embedded in a signed
// prescription.
type PharmacyRef struct {
	Name    string `json:"name"`
	Code    string `json:"code"`
	Address string `json:"address"`
}

// DispenseRecord captures who fulfilled a prescription and when. Notes
// are the pharmacist's free-text verification notes.
type DispenseRecord struct {
	DispensedAt    time.Time
	FacilityCode   string
	PharmacistName string
	Notes          string
}

// VerificationAttempt is one append-only audit entry. Attempts are never
// edited or purged.
type VerificationAttempt struct {
	Timestamp   time.Time
	PresentedBy string
	Success     bool
	Reason      string
	Notes       string
}

// SignedPrescription is the dispensable unit produced when a request is
// approved. The nonce is fixed at creation and never regenerated; the
// dispensed transition happens at most once.
type SignedPrescription struct {
	ID             int64
	RequestID      int64
	Nonce          string
	PatientHPN     string
	PatientName    string
	PrescriberName string
	Medication     string
	Strength       string
	Dosage         string
	Frequency      string
	Pharmacy       *PharmacyRef
	IssuedAt       time.Time
	Signature      string

	Dispensed       bool
	DispensedAt     *time.Time
	DispensedBy     string
	DispensedByName string
	Attempts        []VerificationAttempt
}

// NewSignedPrescription mints the dispensable unit for one approved
// medication line. The nonce is generated here, once.
func NewSignedPrescription(req *PrescriptionRequest, med RequestedMedication, pharmacy *PharmacyRef, issuedAt time.Time) *SignedPrescription {
	dosage := med.Dosage
	if med.ApprovedDosage != nil {
		dosage = *med.ApprovedDosage
	}
	return &SignedPrescription{
		RequestID:      req.ID,
		Nonce:          uuid.NewString(),
		PatientHPN:     req.PatientHPN,
		PatientName:    req.PatientName,
		PrescriberName: req.PrescriberName,
		Medication:     med.Name,
		Strength:       med.Strength,
		Dosage:         dosage,
		Frequency:      med.Frequency,
		Pharmacy:       pharmacy,
		IssuedAt:       issuedAt.UTC(),
	}
}

// ExpiresAt is the fixed expiry derived from the issue time.
func (p *SignedPrescription) ExpiresAt() time.Time {
	return p.IssuedAt.Add(ValidityWindow)
}

// refWidth is the fixed width of a prescription reference in payloads.
const refWidth = 8

// FormatRef renders a prescription id as the zero-padded reference used
// on the wire.
func FormatRef(id int64) string {
	return fmt.Sprintf("%0*d", refWidth, id)
}

// ParseRef parses a wire reference back to an id.
func ParseRef(ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, fmt.Errorf("empty prescription reference")
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed prescription reference %q", ref)
	}
	return id, nil
}
