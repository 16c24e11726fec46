package assignment

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGDirectory implements Directory against the professionals tables.
type PGDirectory struct {
	pool *pgxpool.Pool
}

// NewPGDirectory creates a Postgres-backed professional directory.
func NewPGDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

// ListPharmacists returns pharmacists at the facility, cheapest-loaded
// first so callers iterating in order see the load-balanced ordering.
func (d *PGDirectory) ListPharmacists(ctx context.Context, facilityID int64, filter PharmacistFilter) ([]Pharmacist, error) {
	query := `
		SELECT id, full_name, specialty, active, on_duty, auto_assign,
		       controlled_authority, completed_reviews
		FROM pharmacists
		WHERE facility_id = $1
		  AND (NOT $2 OR active)
		  AND (NOT $3 OR on_duty)
		  AND (NOT $4 OR auto_assign)
		ORDER BY completed_reviews ASC, id ASC
	`

	rows, err := d.pool.Query(ctx, query, facilityID,
		filter.ActiveOnly, filter.OnDutyOnly, filter.AutoAssignOnly)
	if err != nil {
		return nil, fmt.Errorf("list pharmacists: %w", err)
	}
	defer rows.Close()

	var result []Pharmacist
	for rows.Next() {
		var p Pharmacist
		err := rows.Scan(&p.ID, &p.Name, &p.Specialty, &p.Active, &p.OnDuty,
			&p.AutoAssign, &p.ControlledAuthority, &p.CompletedReviews)
		if err != nil {
			return nil, fmt.Errorf("scan pharmacist: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListPhysicians returns physicians at the facility.
func (d *PGDirectory) ListPhysicians(ctx context.Context, facilityID int64, filter PhysicianFilter) ([]Physician, error) {
	query := `
		SELECT id, full_name, specialty, active
		FROM physicians
		WHERE facility_id = $1
		  AND (NOT $2 OR active)
		ORDER BY id ASC
	`

	rows, err := d.pool.Query(ctx, query, facilityID, filter.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("list physicians: %w", err)
	}
	defer rows.Close()

	var result []Physician
	for rows.Next() {
		var p Physician
		if err := rows.Scan(&p.ID, &p.Name, &p.Specialty, &p.Active); err != nil {
			return nil, fmt.Errorf("scan physician: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
