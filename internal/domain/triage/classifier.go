package triage

import (
	"fmt"
	"strings"

	"github.com/phb-health/rxengine/internal/domain/drugref"
)

// Urgency is the requester-declared urgency of a prescription request.
type Urgency string

const (
	UrgencyRoutine Urgency = "routine"
	UrgencyUrgent  Urgency = "urgent"
)

// Line is one requested medication line as the classifier sees it.
type Line struct {
	Name     string
	IsRepeat bool
}

// Request is the classifier's view of a prescription request.
type Request struct {
	Urgency Urgency
	Lines   []Line
}

// Outcome is the result of classification.
type Outcome struct {
	Category        Category
	Rationale       string
	Role            ReviewerRole
	TurnaroundHours int
}

// complexCaseThreshold is the number of distinct medication lines at which
// a request becomes a complex case.
const complexCaseThreshold = 5

// specialistClasses are therapeutic-class fragments that force physician
// review regardless of any other property.
var specialistClasses = []string{
	"chemotherapy",
	"immunosuppressant",
	"biologic",
	"transplant",
	"oncology",
	"antiretroviral",
}

// rule pairs a predicate with the category it selects. Rules are evaluated
// in order; the first match wins, so earlier entries dominate later ones.
type rule struct {
	category Category
	matches  func(req Request, resolved map[string]*drugref.DrugReference) (bool, string)
}

var rules = []rule{
	{CategorySpecialistRequired, matchSpecialistRequired},
	{CategoryHighRisk, matchHighRisk},
	{CategoryControlled, matchControlled},
	{CategoryComplexCase, matchComplexCase},
	{CategoryUrgentRepeat, matchUrgentRepeat},
	{CategoryUrgentNew, matchUrgentNew},
	{CategoryRoutineRepeat, matchRoutineRepeat},
}

// Classify maps a request plus its resolved drug references to a triage
// category with a human-readable rationale. Pure function: drugs missing
// from resolved (or mapped to nil) are treated as carrying no risk flags,
// never dropped. The rationale is never empty.
func Classify(req Request, resolved map[string]*drugref.DrugReference) Outcome {
	for _, r := range rules {
		if ok, rationale := r.matches(req, resolved); ok {
			return outcomeFor(r.category, rationale)
		}
	}
	// Default: at least one line is a new prescription.
	return outcomeFor(CategoryRoutineNew, "routine request with new medication lines")
}

func outcomeFor(c Category, rationale string) Outcome {
	return Outcome{
		Category:        c,
		Rationale:       rationale,
		Role:            c.DefaultRole(),
		TurnaroundHours: c.TurnaroundHours(),
	}
}

func refFor(line Line, resolved map[string]*drugref.DrugReference) *drugref.DrugReference {
	return resolved[drugref.Normalize(line.Name)]
}

func matchSpecialistRequired(req Request, resolved map[string]*drugref.DrugReference) (bool, string) {
	for _, line := range req.Lines {
		ref := refFor(line, resolved)
		if ref == nil {
			continue
		}
		if ref.PhysicianOnly {
			return true, fmt.Sprintf("%s is restricted to physician prescribing", ref.GenericName)
		}
		class := strings.ToLower(ref.TherapeuticClass)
		for _, spec := range specialistClasses {
			if strings.Contains(class, spec) {
				return true, fmt.Sprintf("%s belongs to specialist class %q", ref.GenericName, ref.TherapeuticClass)
			}
		}
	}
	return false, ""
}

func matchHighRisk(req Request, resolved map[string]*drugref.DrugReference) (bool, string) {
	for _, line := range req.Lines {
		ref := refFor(line, resolved)
		if ref == nil {
			continue
		}
		switch {
		case ref.RequiresMonitoring:
			return true, fmt.Sprintf("%s requires therapeutic monitoring", ref.GenericName)
		case ref.BlackBoxWarning:
			return true, fmt.Sprintf("%s carries a black-box warning", ref.GenericName)
		case ref.HighRiskLevel():
			return true, fmt.Sprintf("%s is graded high risk", ref.GenericName)
		}
	}
	return false, ""
}

func matchControlled(req Request, resolved map[string]*drugref.DrugReference) (bool, string) {
	for _, line := range req.Lines {
		ref := refFor(line, resolved)
		if ref == nil {
			continue
		}
		if ref.ControlledSchedule() {
			return true, fmt.Sprintf("%s is a schedule %d controlled substance", ref.GenericName, ref.Schedule)
		}
	}
	return false, ""
}

func matchComplexCase(req Request, _ map[string]*drugref.DrugReference) (bool, string) {
	distinct := make(map[string]struct{}, len(req.Lines))
	for _, line := range req.Lines {
		distinct[drugref.Normalize(line.Name)] = struct{}{}
	}
	if len(distinct) >= complexCaseThreshold {
		return true, fmt.Sprintf("%d distinct medications in a single request", len(distinct))
	}
	return false, ""
}

func allRepeats(req Request) bool {
	if len(req.Lines) == 0 {
		return false
	}
	for _, line := range req.Lines {
		if !line.IsRepeat {
			return false
		}
	}
	return true
}

func matchUrgentRepeat(req Request, _ map[string]*drugref.DrugReference) (bool, string) {
	if req.Urgency == UrgencyUrgent && allRepeats(req) {
		return true, "urgent request for repeat medication"
	}
	return false, ""
}

func matchUrgentNew(req Request, _ map[string]*drugref.DrugReference) (bool, string) {
	if req.Urgency == UrgencyUrgent {
		return true, "urgent request with new medication lines"
	}
	return false, ""
}

func matchRoutineRepeat(req Request, _ map[string]*drugref.DrugReference) (bool, string) {
	if allRepeats(req) {
		return true, "routine request for repeat medication"
	}
	return false, ""
}
