package drugref

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store against the drug_references table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed reference store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const refColumns = `id, generic_name, brand_names, search_keywords, schedule,
       controlled, high_risk, requires_monitoring, black_box_warning,
       therapeutic_class, physician_only, risk_level`

func scanRef(row pgx.Row) (*DrugReference, error) {
	d := &DrugReference{}
	err := row.Scan(
		&d.ID, &d.GenericName, &d.BrandNames, &d.SearchKeywords, &d.Schedule,
		&d.Controlled, &d.HighRisk, &d.RequiresMonitoring, &d.BlackBoxWarning,
		&d.TherapeuticClass, &d.PhysicianOnly, &d.RiskLevel,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan drug reference: %w", err)
	}
	return d, nil
}

// LookupByGenericName matches exactly on the generic name.
func (s *PGStore) LookupByGenericName(ctx context.Context, name string) (*DrugReference, error) {
	query := `
		SELECT ` + refColumns + `
		FROM drug_references
		WHERE lower(generic_name) = lower($1)
		LIMIT 1
	`
	return scanRef(s.pool.QueryRow(ctx, query, name))
}

// LookupByBrandNameContains matches any brand name containing the fragment.
func (s *PGStore) LookupByBrandNameContains(ctx context.Context, fragment string) (*DrugReference, error) {
	query := `
		SELECT ` + refColumns + `
		FROM drug_references
		WHERE EXISTS (
			SELECT 1 FROM unnest(brand_names) AS b
			WHERE lower(b) LIKE '%' || lower($1) || '%'
		)
		ORDER BY id
		LIMIT 1
	`
	return scanRef(s.pool.QueryRow(ctx, query, fragment))
}

// LookupByKeywordContains matches any search keyword containing the fragment.
func (s *PGStore) LookupByKeywordContains(ctx context.Context, fragment string) (*DrugReference, error) {
	query := `
		SELECT ` + refColumns + `
		FROM drug_references
		WHERE EXISTS (
			SELECT 1 FROM unnest(search_keywords) AS k
			WHERE lower(k) LIKE '%' || lower($1) || '%'
		)
		ORDER BY id
		LIMIT 1
	`
	return scanRef(s.pool.QueryRow(ctx, query, fragment))
}

// LookupBatch resolves many names with one query per match tier instead of
// one round-trip per name.
func (s *PGStore) LookupBatch(ctx context.Context, names []string) (map[string]*DrugReference, error) {
	result := make(map[string]*DrugReference, len(names))
	if len(names) == 0 {
		return result, nil
	}

	remaining := make([]string, len(names))
	copy(remaining, names)

	tiers := []string{
		`SELECT DISTINCT ON (q.name) q.name, ` + refColumns + `
		 FROM unnest($1::text[]) AS q(name)
		 JOIN drug_references ON lower(generic_name) = q.name
		 ORDER BY q.name, id`,
		`SELECT DISTINCT ON (q.name) q.name, ` + refColumns + `
		 FROM unnest($1::text[]) AS q(name)
		 JOIN drug_references ON EXISTS (
			SELECT 1 FROM unnest(brand_names) AS b
			WHERE lower(b) LIKE '%' || q.name || '%'
		 )
		 ORDER BY q.name, id`,
		`SELECT DISTINCT ON (q.name) q.name, ` + refColumns + `
		 FROM unnest($1::text[]) AS q(name)
		 JOIN drug_references ON EXISTS (
			SELECT 1 FROM unnest(search_keywords) AS k
			WHERE lower(k) LIKE '%' || q.name || '%'
		 )
		 ORDER BY q.name, id`,
	}

	for _, query := range tiers {
		if len(remaining) == 0 {
			break
		}

		rows, err := s.pool.Query(ctx, query, remaining)
		if err != nil {
			return nil, fmt.Errorf("batch lookup: %w", err)
		}

		for rows.Next() {
			var name string
			d := &DrugReference{}
			err := rows.Scan(
				&name,
				&d.ID, &d.GenericName, &d.BrandNames, &d.SearchKeywords, &d.Schedule,
				&d.Controlled, &d.HighRisk, &d.RequiresMonitoring, &d.BlackBoxWarning,
				&d.TherapeuticClass, &d.PhysicianOnly, &d.RiskLevel,
			)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan batch row: %w", err)
			}
			result[name] = d
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		next := remaining[:0]
		for _, n := range remaining {
			if _, ok := result[n]; !ok {
				next = append(next, n)
			}
		}
		remaining = next
	}

	return result, nil
}
