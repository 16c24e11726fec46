package prescription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Reason codes returned by verification and dispensing. Stable strings:
// scanners branch on them.
const (
	ReasonValid            = "valid"
	ReasonInvalidSignature = "invalid_signature"
	ReasonNotFound         = "not_found"
	ReasonNonceMismatch    = "nonce_mismatch"
	ReasonExpired          = "expired"
	ReasonAlreadyDispensed = "already_dispensed"
)

// reasonMaxLen caps the reason text persisted to the audit log.
const reasonMaxLen = 120

// VerifyOptions control which lifecycle checks run after the
// cryptographic and identity checks. Authenticity-only callers disable
// both.
type VerifyOptions struct {
	CheckExpiry    bool
	CheckDispensed bool
	PresentedBy    string
}

// VerifyResult is the structured outcome of a verification. It carries a
// clinical summary on success and dispense metadata when the
// prescription was already fulfilled. The signing secret and the stored
// nonce are never included.
type VerifyResult struct {
	Valid       bool             `json:"valid"`
	Reason      string           `json:"reason"`
	Message     string           `json:"message"`
	Reference   string           `json:"reference,omitempty"`
	Patient     string           `json:"patient,omitempty"`
	Medication  string           `json:"medication,omitempty"`
	Strength    string           `json:"strength,omitempty"`
	Dosage      string           `json:"dosage,omitempty"`
	Prescriber  string           `json:"prescriber,omitempty"`
	Pharmacy    *PharmacySnippet `json:"pharmacy,omitempty"`
	Expiry      string           `json:"expiry,omitempty"`
	DispensedAt *time.Time       `json:"dispensed_at,omitempty"`
	DispensedBy string           `json:"dispensed_by,omitempty"`
}

// DispenseActor identifies who is fulfilling the prescription.
type DispenseActor struct {
	FacilityCode   string
	PharmacistName string
}

// DispenseResult is the outcome of a dispense attempt.
type DispenseResult struct {
	Success     bool       `json:"success"`
	Reason      string     `json:"reason"`
	Message     string     `json:"message"`
	Reference   string     `json:"reference,omitempty"`
	Patient     string     `json:"patient,omitempty"`
	Medication  string     `json:"medication,omitempty"`
	DispensedAt *time.Time `json:"dispensed_at,omitempty"`
	DispensedBy string     `json:"dispensed_by,omitempty"`
}

// AuditEvent is the streamed form of a verification or dispense attempt.
type AuditEvent struct {
	PrescriptionID int64     `json:"prescription_id"`
	Kind           string    `json:"kind"`
	Success        bool      `json:"success"`
	Reason         string    `json:"reason"`
	Actor          string    `json:"actor"`
	At             time.Time `json:"at"`
}

// AuditSink receives attempt events for streaming. Implementations must
// not block; delivery is fire-and-forget and failures never affect the
// verification outcome.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// Guard verifies presented prescriptions and performs the one-time
// dispense transition. Checks run in a fixed order and stop at the first
// failure, so the caller learns exactly one reason per attempt.
type Guard struct {
	store  Store
	signer *Signer
	audit  AuditSink
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewGuard creates a guard. The audit sink may be nil.
func NewGuard(store Store, signer *Signer, audit AuditSink, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:  store,
		signer: signer,
		audit:  audit,
		logger: logger,
		tracer: otel.Tracer("dispensing-guard"),
		now:    time.Now,
	}
}

// Verify runs the check sequence over a presented payload and signature:
// signature, record lookup, nonce, then optionally expiry and the
// dispensed flag. Every attempt against a known prescription is appended
// to its audit log, success or failure.
func (g *Guard) Verify(ctx context.Context, payload []byte, signature string, opts VerifyOptions) (VerifyResult, error) {
	ctx, span := g.tracer.Start(ctx, "verify_prescription")
	defer span.End()

	ok, err := g.signer.VerifyBytes(payload, signature)
	if err != nil {
		return VerifyResult{}, err
	}
	if !ok {
		g.logger.Warn("verification rejected: signature mismatch",
			zap.String("presented_by", opts.PresentedBy))
		g.emit(ctx, AuditEvent{Kind: "verify", Reason: ReasonInvalidSignature,
			Actor: opts.PresentedBy, At: g.now().UTC()})
		return VerifyResult{
			Reason:  ReasonInvalidSignature,
			Message: "signature does not match payload",
		}, nil
	}

	parsed, err := ParsePayload(payload)
	if err != nil {
		// Signed by us but unparseable; treat as no matching record.
		g.logger.Warn("verification rejected: malformed payload", zap.Error(err))
		return VerifyResult{
			Reason:  ReasonNotFound,
			Message: "payload does not reference a known prescription",
		}, nil
	}
	span.SetAttributes(attribute.String("prescription_ref", parsed.ID))

	id, err := ParseRef(parsed.ID)
	if err != nil {
		return VerifyResult{
			Reason:  ReasonNotFound,
			Message: "payload does not reference a known prescription",
		}, nil
	}

	stored, err := g.store.GetSigned(ctx, id)
	if errors.Is(err, ErrNotFound) {
		g.emit(ctx, AuditEvent{PrescriptionID: id, Kind: "verify",
			Reason: ReasonNotFound, Actor: opts.PresentedBy, At: g.now().UTC()})
		return VerifyResult{
			Reason:  ReasonNotFound,
			Message: "no prescription on record for this reference",
		}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load prescription %d: %w", id, err)
	}

	result := g.check(parsed, stored, opts)
	g.record(ctx, stored.ID, "verify", result.Valid, result.Reason, opts.PresentedBy, "")
	span.SetAttributes(
		attribute.Bool("valid", result.Valid),
		attribute.String("reason", result.Reason),
	)
	return result, nil
}

// check runs the post-lookup portion of the sequence against the stored
// row.
func (g *Guard) check(parsed Payload, stored *SignedPrescription, opts VerifyOptions) VerifyResult {
	if parsed.Nonce != stored.Nonce {
		return VerifyResult{
			Reason:    ReasonNonceMismatch,
			Message:   "payload does not match the issued prescription",
			Reference: FormatRef(stored.ID),
		}
	}

	if opts.CheckExpiry && g.now().After(stored.ExpiresAt()) {
		return VerifyResult{
			Reason:    ReasonExpired,
			Message:   fmt.Sprintf("prescription expired on %s", stored.ExpiresAt().Format("2006-01-02")),
			Reference: FormatRef(stored.ID),
			Expiry:    stored.ExpiresAt().UTC().Format(time.RFC3339),
		}
	}

	if opts.CheckDispensed && stored.Dispensed {
		return VerifyResult{
			Reason:      ReasonAlreadyDispensed,
			Message:     "prescription has already been dispensed",
			Reference:   FormatRef(stored.ID),
			DispensedAt: stored.DispensedAt,
			DispensedBy: stored.DispensedBy,
		}
	}

	return VerifyResult{
		Valid:      true,
		Reason:     ReasonValid,
		Message:    "prescription verified",
		Reference:  FormatRef(stored.ID),
		Patient:    stored.PatientName,
		Medication: stored.Medication,
		Strength:   stored.Strength,
		Dosage:     stored.Dosage,
		Prescriber: stored.PrescriberName,
		Pharmacy:   snippetFor(stored.Pharmacy),
		Expiry:     stored.ExpiresAt().UTC().Format(time.RFC3339),
	}
}

// Dispense performs the one-time fulfilment transition for the
// referenced prescription. The caller presents the zero-padded reference
// and the nonce; the store re-checks the nonce under the row lock, so
// the transition is safe whether or not Verify ran first. A losing
// concurrent caller observes already_dispensed with the winner's
// metadata. Notes are the pharmacist's free-text verification notes,
// carried into the attempt record.
func (g *Guard) Dispense(ctx context.Context, ref, nonce string, actor DispenseActor, notes string) (DispenseResult, error) {
	ctx, span := g.tracer.Start(ctx, "dispense_prescription",
		trace.WithAttributes(
			attribute.String("prescription_ref", ref),
			attribute.String("facility_code", actor.FacilityCode),
		))
	defer span.End()

	if actor.PharmacistName == "" {
		return DispenseResult{}, fmt.Errorf("dispensing pharmacist name is required")
	}

	id, err := ParseRef(ref)
	if err != nil {
		return DispenseResult{Reason: ReasonNotFound,
			Message: "no prescription on record for this reference"}, nil
	}

	stored, err := g.store.Dispense(ctx, id, nonce, DispenseRecord{
		DispensedAt:    g.now().UTC(),
		FacilityCode:   actor.FacilityCode,
		PharmacistName: actor.PharmacistName,
		Notes:          notes,
	})

	result, recordAttempt := g.mapDispense(id, stored, err)
	if err != nil && !isDispenseReason(err) {
		return DispenseResult{}, fmt.Errorf("dispense prescription %d: %w", id, err)
	}
	if recordAttempt {
		// Successful attempts are written by the store inside the
		// dispense transaction; only failures are appended here.
		g.record(ctx, id, "dispense", result.Success, result.Reason, actor.PharmacistName, notes)
	} else {
		g.emit(ctx, AuditEvent{PrescriptionID: id, Kind: "dispense",
			Success: result.Success, Reason: result.Reason,
			Actor: actor.PharmacistName, At: g.now().UTC()})
	}
	span.SetAttributes(
		attribute.Bool("success", result.Success),
		attribute.String("reason", result.Reason),
	)
	return result, nil
}

// mapDispense converts the store outcome to a result. The second return
// reports whether the guard should append the attempt itself.
func (g *Guard) mapDispense(id int64, stored *SignedPrescription, err error) (DispenseResult, bool) {
	ref := FormatRef(id)
	switch {
	case err == nil:
		return DispenseResult{
			Success:     true,
			Reason:      ReasonValid,
			Message:     "prescription dispensed",
			Reference:   ref,
			Patient:     stored.PatientName,
			Medication:  stored.Medication,
			DispensedAt: stored.DispensedAt,
			DispensedBy: stored.DispensedBy,
		}, false
	case errors.Is(err, ErrNotFound):
		return DispenseResult{Reason: ReasonNotFound, Reference: ref,
			Message: "no prescription on record for this reference"}, false
	case errors.Is(err, ErrNonceMismatch):
		return DispenseResult{Reason: ReasonNonceMismatch, Reference: ref,
			Message: "payload does not match the issued prescription"}, true
	case errors.Is(err, ErrExpired):
		return DispenseResult{Reason: ReasonExpired, Reference: ref,
			Message: "prescription has expired"}, true
	case errors.Is(err, ErrAlreadyDispensed):
		result := DispenseResult{Reason: ReasonAlreadyDispensed, Reference: ref,
			Message: "prescription has already been dispensed"}
		if stored != nil {
			result.DispensedAt = stored.DispensedAt
			result.DispensedBy = stored.DispensedBy
		}
		return result, true
	default:
		return DispenseResult{}, false
	}
}

func isDispenseReason(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrAlreadyDispensed)
}

// record appends an attempt to the prescription's audit log and streams
// it. Append failures are logged, never surfaced: the verification
// outcome stands on its own.
func (g *Guard) record(ctx context.Context, id int64, kind string, success bool, reason, actor, notes string) {
	at := g.now().UTC()
	attempt := VerificationAttempt{
		Timestamp:   at,
		PresentedBy: actor,
		Success:     success,
		Reason:      truncate(reason, reasonMaxLen),
		Notes:       notes,
	}
	if err := g.store.AppendAttempt(ctx, id, attempt); err != nil {
		g.logger.Error("failed to append verification attempt",
			zap.Int64("prescription_id", id),
			zap.String("reason", reason),
			zap.Error(err))
	}
	g.emit(ctx, AuditEvent{PrescriptionID: id, Kind: kind, Success: success,
		Reason: reason, Actor: actor, At: at})
}

func (g *Guard) emit(ctx context.Context, event AuditEvent) {
	if g.audit != nil {
		g.audit.Record(ctx, event)
	}
}

func snippetFor(p *PharmacyRef) *PharmacySnippet {
	if p == nil {
		return nil
	}
	return &PharmacySnippet{Name: p.Name, Code: p.Code, Address: p.Address}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
