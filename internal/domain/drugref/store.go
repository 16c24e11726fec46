package drugref

import "context"

// Store is the read-only reference data backend.
type Store interface {
	// LookupByGenericName matches exactly on the generic name,
	// case-insensitively.
	LookupByGenericName(ctx context.Context, name string) (*DrugReference, error)
	// LookupByBrandNameContains matches any brand name containing the
	// fragment.
	LookupByBrandNameContains(ctx context.Context, fragment string) (*DrugReference, error)
	// LookupByKeywordContains matches any search keyword containing the
	// fragment.
	LookupByKeywordContains(ctx context.Context, fragment string) (*DrugReference, error)
	// LookupBatch resolves many normalized names in a single store pass,
	// applying the same generic/brand/keyword precedence as the single
	// lookups. Names with no match are absent from the result map.
	LookupBatch(ctx context.Context, names []string) (map[string]*DrugReference, error)
}
