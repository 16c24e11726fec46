package prescription

import (
	"context"
	"errors"
)

// Typed errors surfaced by stores. The guard maps these to reason codes;
// they never reach clients verbatim.
var (
	ErrNotFound         = errors.New("prescription not found")
	ErrRequestNotFound  = errors.New("prescription request not found")
	ErrNonceMismatch    = errors.New("nonce mismatch")
	ErrExpired          = errors.New("prescription expired")
	ErrAlreadyDispensed = errors.New("prescription already dispensed")
	ErrTerminalStatus   = errors.New("request already finalised")
)

// RequestStore persists prescription requests through intake and review.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *PrescriptionRequest) error
	GetRequest(ctx context.Context, id int64) (*PrescriptionRequest, error)
	RecordReview(ctx context.Context, req *PrescriptionRequest) error
}

// Store persists signed prescriptions and their audit trail.
//
// Dispense runs the full check sequence (existence, nonce, dispensed
// flag, expiry) and the fulfilment write atomically under a row lock,
// appending the successful attempt in the same transaction. It returns
// the stored row alongside a typed error so callers can surface the
// original dispense metadata on ErrAlreadyDispensed.
type Store interface {
	CreateSigned(ctx context.Context, p *SignedPrescription) error
	GetSigned(ctx context.Context, id int64) (*SignedPrescription, error)
	SaveSignature(ctx context.Context, id int64, signature string) error
	Dispense(ctx context.Context, id int64, nonce string, rec DispenseRecord) (*SignedPrescription, error)
	AppendAttempt(ctx context.Context, id int64, attempt VerificationAttempt) error
}
