// Package drugref provides cached lookup of drug reference data.
package drugref

import (
	"errors"
	"strings"
)

// ErrNotFound indicates the drug is not present in the reference data.
// It is a valid negative result, not a failure: callers treat the drug
// as carrying no special risk flags.
var ErrNotFound = errors.New("drug reference not found")

// DrugReference holds the clinical metadata for a single drug. The data
// is externally maintained and read-only from this engine's perspective.
type DrugReference struct {
	ID                 int64    `json:"id"`
	GenericName        string   `json:"generic_name"`
	BrandNames         []string `json:"brand_names"`
	SearchKeywords     []string `json:"search_keywords"`
	Schedule           int      `json:"schedule"`
	Controlled         bool     `json:"controlled"`
	HighRisk           bool     `json:"high_risk"`
	RequiresMonitoring bool     `json:"requires_monitoring"`
	BlackBoxWarning    bool     `json:"black_box_warning"`
	TherapeuticClass   string   `json:"therapeutic_class"`
	PhysicianOnly      bool     `json:"physician_only"`
	RiskLevel          string   `json:"risk_level"`
}

// ControlledSchedule reports whether the drug falls in the controlled
// schedule set (schedules 2-4; schedule 1 is never prescribable).
func (d *DrugReference) ControlledSchedule() bool {
	return d.Schedule >= 2 && d.Schedule <= 4
}

// HighRiskLevel reports whether the free-text risk level grades as high.
// The match is a case-insensitive substring check; the upstream grading
// taxonomy is not an enum, so the containment semantics must not change.
func (d *DrugReference) HighRiskLevel() bool {
	if d.HighRisk {
		return true
	}
	return strings.Contains(strings.ToLower(d.RiskLevel), "high")
}

// Normalize produces the canonical form of a medication name used for
// cache keys and batch result keys.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
