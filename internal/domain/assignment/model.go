// Package assignment selects the reviewing professional for a triaged
// prescription request.
package assignment

import (
	"context"

	"github.com/phb-health/rxengine/internal/domain/triage"
)

// Pharmacist is a pharmacist as listed by the professional directory.
type Pharmacist struct {
	ID                  int64
	Name                string
	Specialty           string
	Active              bool
	OnDuty              bool
	AutoAssign          bool
	ControlledAuthority bool
	CompletedReviews    int
}

// Physician is a physician as listed by the professional directory.
type Physician struct {
	ID        int64
	Name      string
	Specialty string
	Active    bool
}

// PharmacistFilter narrows a pharmacist directory listing.
type PharmacistFilter struct {
	ActiveOnly     bool
	OnDutyOnly     bool
	AutoAssignOnly bool
}

// PhysicianFilter narrows a physician directory listing.
type PhysicianFilter struct {
	ActiveOnly bool
}

// Directory is the read-only professional directory. The engine writes
// nothing back; the caller persists the assignment.
type Directory interface {
	ListPharmacists(ctx context.Context, facilityID int64, filter PharmacistFilter) ([]Pharmacist, error)
	ListPhysicians(ctx context.Context, facilityID int64, filter PhysicianFilter) ([]Physician, error)
}

// Result is the outcome of an assignment attempt. Assigned=false is a
// normal result, not an error: the caller falls back to its broadcast
// notification path.
type Result struct {
	Assigned         bool
	Role             triage.ReviewerRole
	ProfessionalID   int64
	ProfessionalName string
	Message          string
}
