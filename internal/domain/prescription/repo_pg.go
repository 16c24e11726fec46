package prescription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements RequestStore and Store against Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository creates a Postgres-backed prescription repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateRequest inserts a request and its medication lines in one
// transaction.
func (r *PGRepository) CreateRequest(ctx context.Context, req *PrescriptionRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO prescription_requests (
			patient_hpn, patient_name, prescriber_name, facility_id, urgency,
			status, category, rationale, assigned_professional_id,
			assigned_name, assigned_role, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`, req.PatientHPN, req.PatientName, req.PrescriberName, req.FacilityID,
		req.Urgency, req.Status, req.Category, req.Rationale,
		req.AssignedProfessionalID, req.AssignedName, req.AssignedRole,
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription request: %w", err)
	}

	for i := range req.Medications {
		m := &req.Medications[i]
		err = tx.QueryRow(ctx, `
			INSERT INTO request_medications (
				request_id, name, strength, form, quantity, dosage,
				frequency, is_repeat, reason
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, req.ID, m.Name, m.Strength, m.Form, m.Quantity, m.Dosage,
			m.Frequency, m.IsRepeat, m.Reason,
		).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("insert medication line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetRequest loads a request with its medication lines.
func (r *PGRepository) GetRequest(ctx context.Context, id int64) (*PrescriptionRequest, error) {
	var req PrescriptionRequest
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient_hpn, patient_name, prescriber_name, facility_id,
		       urgency, status, category, rationale, assigned_professional_id,
		       assigned_name, assigned_role, reviewed_by, review_action,
		       review_notes, reviewed_at, created_at, updated_at
		FROM prescription_requests
		WHERE id = $1
	`, id).Scan(&req.ID, &req.PatientHPN, &req.PatientName, &req.PrescriberName,
		&req.FacilityID, &req.Urgency, &req.Status, &req.Category, &req.Rationale,
		&req.AssignedProfessionalID, &req.AssignedName, &req.AssignedRole,
		&req.ReviewedBy, &req.ReviewAction, &req.ReviewNotes, &req.ReviewedAt,
		&req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query prescription request: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, strength, form, quantity, dosage, frequency,
		       is_repeat, reason, approved_quantity, approved_dosage,
		       approved_refills
		FROM request_medications
		WHERE request_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query medication lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m RequestedMedication
		err := rows.Scan(&m.ID, &m.Name, &m.Strength, &m.Form, &m.Quantity,
			&m.Dosage, &m.Frequency, &m.IsRepeat, &m.Reason,
			&m.ApprovedQuantity, &m.ApprovedDosage, &m.ApprovedRefills)
		if err != nil {
			return nil, fmt.Errorf("scan medication line: %w", err)
		}
		req.Medications = append(req.Medications, m)
	}
	return &req, rows.Err()
}

// RecordReview persists a review decision and any reviewer overrides on
// the medication lines.
func (r *PGRepository) RecordReview(ctx context.Context, req *PrescriptionRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE prescription_requests
		SET status = $2, reviewed_by = $3, review_action = $4,
		    review_notes = $5, reviewed_at = $6, updated_at = NOW()
		WHERE id = $1
	`, req.ID, req.Status, req.ReviewedBy, req.ReviewAction,
		req.ReviewNotes, req.ReviewedAt)
	if err != nil {
		return fmt.Errorf("update prescription request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRequestNotFound
	}

	for _, m := range req.Medications {
		_, err := tx.Exec(ctx, `
			UPDATE request_medications
			SET approved_quantity = $2, approved_dosage = $3,
			    approved_refills = $4
			WHERE id = $1
		`, m.ID, m.ApprovedQuantity, m.ApprovedDosage, m.ApprovedRefills)
		if err != nil {
			return fmt.Errorf("update medication line: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateSigned inserts a signed prescription row.
func (r *PGRepository) CreateSigned(ctx context.Context, p *SignedPrescription) error {
	var pharmacyName, pharmacyCode, pharmacyAddr string
	if p.Pharmacy != nil {
		pharmacyName = p.Pharmacy.Name
		pharmacyCode = p.Pharmacy.Code
		pharmacyAddr = p.Pharmacy.Address
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO signed_prescriptions (
			request_id, nonce, patient_hpn, patient_name, prescriber_name,
			medication, strength, dosage, frequency, pharmacy_name,
			pharmacy_code, pharmacy_address, issued_at, signature, dispensed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, FALSE)
		RETURNING id
	`, p.RequestID, p.Nonce, p.PatientHPN, p.PatientName, p.PrescriberName,
		p.Medication, p.Strength, p.Dosage, p.Frequency, pharmacyName,
		pharmacyCode, pharmacyAddr, p.IssuedAt, p.Signature,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert signed prescription: %w", err)
	}
	return nil
}

const signedColumns = `
	id, request_id, nonce, patient_hpn, patient_name, prescriber_name,
	medication, strength, dosage, frequency, pharmacy_name, pharmacy_code,
	pharmacy_address, issued_at, signature, dispensed, dispensed_at,
	dispensed_by, dispensed_by_name`

func scanSigned(row pgx.Row) (*SignedPrescription, error) {
	var p SignedPrescription
	var pharmacyName, pharmacyCode, pharmacyAddr string
	err := row.Scan(&p.ID, &p.RequestID, &p.Nonce, &p.PatientHPN,
		&p.PatientName, &p.PrescriberName, &p.Medication, &p.Strength,
		&p.Dosage, &p.Frequency, &pharmacyName, &pharmacyCode, &pharmacyAddr,
		&p.IssuedAt, &p.Signature, &p.Dispensed, &p.DispensedAt,
		&p.DispensedBy, &p.DispensedByName)
	if err != nil {
		return nil, err
	}
	if pharmacyName != "" || pharmacyCode != "" {
		p.Pharmacy = &PharmacyRef{Name: pharmacyName, Code: pharmacyCode, Address: pharmacyAddr}
	}
	return &p, nil
}

// GetSigned loads a signed prescription and its verification attempts.
func (r *PGRepository) GetSigned(ctx context.Context, id int64) (*SignedPrescription, error) {
	p, err := scanSigned(r.pool.QueryRow(ctx,
		`SELECT `+signedColumns+` FROM signed_prescriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query signed prescription: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT attempted_at, presented_by, success, reason, notes
		FROM verification_attempts
		WHERE prescription_id = $1
		ORDER BY attempted_at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query verification attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a VerificationAttempt
		if err := rows.Scan(&a.Timestamp, &a.PresentedBy, &a.Success, &a.Reason, &a.Notes); err != nil {
			return nil, fmt.Errorf("scan verification attempt: %w", err)
		}
		p.Attempts = append(p.Attempts, a)
	}
	return p, rows.Err()
}

// SaveSignature stores the first-computed signature. Later calls with the
// same deterministic signature are no-ops.
func (r *PGRepository) SaveSignature(ctx context.Context, id int64, signature string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE signed_prescriptions
		SET signature = $2
		WHERE id = $1 AND (signature = '' OR signature = $2)
	`, id, signature)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("signature for prescription %d already set differently", id)
	}
	return nil
}

// Dispense performs the one-time fulfilment transition. The row lock
// serializes concurrent dispense attempts: exactly one caller flips the
// flag, later callers observe ErrAlreadyDispensed with the original
// metadata. The successful attempt is appended in the same transaction.
func (r *PGRepository) Dispense(ctx context.Context, id int64, nonce string, rec DispenseRecord) (*SignedPrescription, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanSigned(tx.QueryRow(ctx,
		`SELECT `+signedColumns+` FROM signed_prescriptions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock signed prescription: %w", err)
	}

	// Dispensed is checked before expiry: a re-presented QR must surface
	// the original dispensing metadata even after the window has lapsed.
	switch {
	case p.Nonce != nonce:
		return p, ErrNonceMismatch
	case p.Dispensed:
		return p, ErrAlreadyDispensed
	case rec.DispensedAt.After(p.ExpiresAt()):
		return p, ErrExpired
	}

	_, err = tx.Exec(ctx, `
		UPDATE signed_prescriptions
		SET dispensed = TRUE, dispensed_at = $2, dispensed_by = $3,
		    dispensed_by_name = $4
		WHERE id = $1
	`, id, rec.DispensedAt, rec.FacilityCode, rec.PharmacistName)
	if err != nil {
		return nil, fmt.Errorf("mark dispensed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO verification_attempts (prescription_id, attempted_at, presented_by, success, reason, notes)
		VALUES ($1, $2, $3, TRUE, $4, $5)
	`, id, rec.DispensedAt, rec.PharmacistName, ReasonValid, rec.Notes)
	if err != nil {
		return nil, fmt.Errorf("append dispense attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	at := rec.DispensedAt
	p.Dispensed = true
	p.DispensedAt = &at
	p.DispensedBy = rec.FacilityCode
	p.DispensedByName = rec.PharmacistName
	return p, nil
}

// AppendAttempt writes one audit log entry. The table is append-only;
// nothing updates or deletes rows.
func (r *PGRepository) AppendAttempt(ctx context.Context, id int64, attempt VerificationAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO verification_attempts (prescription_id, attempted_at, presented_by, success, reason, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, attempt.Timestamp, attempt.PresentedBy, attempt.Success, attempt.Reason, attempt.Notes)
	if err != nil {
		return fmt.Errorf("append verification attempt: %w", err)
	}
	return nil
}
