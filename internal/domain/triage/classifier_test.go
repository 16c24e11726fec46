package triage

import (
	"strings"
	"testing"

	"github.com/phb-health/rxengine/internal/domain/drugref"
)

func resolvedSet(refs ...*drugref.DrugReference) map[string]*drugref.DrugReference {
	m := make(map[string]*drugref.DrugReference)
	for _, r := range refs {
		m[drugref.Normalize(r.GenericName)] = r
	}
	return m
}

func linesFor(names ...string) []Line {
	var lines []Line
	for _, n := range names {
		lines = append(lines, Line{Name: n})
	}
	return lines
}

func TestClassifyCategories(t *testing.T) {
	methotrexate := &drugref.DrugReference{GenericName: "methotrexate", TherapeuticClass: "immunosuppressant", RiskLevel: "high"}
	warfarin := &drugref.DrugReference{GenericName: "warfarin", RequiresMonitoring: true, RiskLevel: "high"}
	oxycodone := &drugref.DrugReference{GenericName: "oxycodone", Schedule: 2, Controlled: true}
	amoxicillin := &drugref.DrugReference{GenericName: "amoxicillin", TherapeuticClass: "antibiotic", RiskLevel: "low"}
	isotretinoin := &drugref.DrugReference{GenericName: "isotretinoin", BlackBoxWarning: true}
	restricted := &drugref.DrugReference{GenericName: "clozapine", PhysicianOnly: true}

	tests := []struct {
		name     string
		req      Request
		resolved map[string]*drugref.DrugReference
		want     Category
		wantRole ReviewerRole
	}{
		{
			name:     "specialist class",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("methotrexate")},
			resolved: resolvedSet(methotrexate),
			want:     CategorySpecialistRequired,
			wantRole: RolePhysician,
		},
		{
			name:     "physician only flag",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("clozapine")},
			resolved: resolvedSet(restricted),
			want:     CategorySpecialistRequired,
			wantRole: RolePhysician,
		},
		{
			name:     "monitoring required",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("warfarin")},
			resolved: resolvedSet(warfarin),
			want:     CategoryHighRisk,
			wantRole: RolePhysician,
		},
		{
			name:     "black box warning",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("isotretinoin")},
			resolved: resolvedSet(isotretinoin),
			want:     CategoryHighRisk,
			wantRole: RolePhysician,
		},
		{
			name:     "controlled schedule",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("oxycodone")},
			resolved: resolvedSet(oxycodone),
			want:     CategoryControlled,
			wantRole: RolePharmacist,
		},
		{
			name: "complex case at five lines",
			req: Request{Urgency: UrgencyRoutine, Lines: linesFor(
				"amoxicillin", "paracetamol", "ibuprofen", "cetirizine", "omeprazole")},
			resolved: resolvedSet(amoxicillin),
			want:     CategoryComplexCase,
			wantRole: RolePharmacist,
		},
		{
			name: "urgent repeat",
			req: Request{Urgency: UrgencyUrgent, Lines: []Line{
				{Name: "amoxicillin", IsRepeat: true},
			}},
			resolved: resolvedSet(amoxicillin),
			want:     CategoryUrgentRepeat,
			wantRole: RolePharmacist,
		},
		{
			name: "urgent new",
			req: Request{Urgency: UrgencyUrgent, Lines: []Line{
				{Name: "amoxicillin", IsRepeat: true},
				{Name: "paracetamol"},
			}},
			resolved: resolvedSet(amoxicillin),
			want:     CategoryUrgentNew,
			wantRole: RolePharmacist,
		},
		{
			name: "routine repeat",
			req: Request{Urgency: UrgencyRoutine, Lines: []Line{
				{Name: "amoxicillin", IsRepeat: true},
			}},
			resolved: resolvedSet(amoxicillin),
			want:     CategoryRoutineRepeat,
			wantRole: RolePharmacist,
		},
		{
			name:     "routine new default",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("amoxicillin")},
			resolved: resolvedSet(amoxicillin),
			want:     CategoryRoutineNew,
			wantRole: RolePharmacist,
		},
		{
			name:     "unresolved drug degrades to routine",
			req:      Request{Urgency: UrgencyRoutine, Lines: linesFor("unknown-compound")},
			resolved: map[string]*drugref.DrugReference{},
			want:     CategoryRoutineNew,
			wantRole: RolePharmacist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.req, tt.resolved)
			if out.Category != tt.want {
				t.Errorf("category = %s, want %s", out.Category, tt.want)
			}
			if out.Role != tt.wantRole {
				t.Errorf("role = %s, want %s", out.Role, tt.wantRole)
			}
			if out.Rationale == "" {
				t.Error("rationale must never be empty")
			}
			if out.TurnaroundHours < 24 || out.TurnaroundHours > 72 {
				t.Errorf("turnaround %dh outside 24-72h", out.TurnaroundHours)
			}
		})
	}
}

func TestComplexCaseCountsDistinctMedications(t *testing.T) {
	amoxicillin := &drugref.DrugReference{GenericName: "amoxicillin", TherapeuticClass: "antibiotic", RiskLevel: "low"}

	// Six lines but only three distinct medications: not a complex case.
	req := Request{Urgency: UrgencyRoutine, Lines: linesFor(
		"amoxicillin", "Amoxicillin", " amoxicillin ",
		"paracetamol", "paracetamol", "ibuprofen")}
	out := Classify(req, resolvedSet(amoxicillin))
	if out.Category == CategoryComplexCase {
		t.Errorf("category = %s, duplicate lines must not count toward the threshold", out.Category)
	}

	req = Request{Urgency: UrgencyRoutine, Lines: linesFor(
		"amoxicillin", "paracetamol", "ibuprofen", "cetirizine", "omeprazole", "omeprazole")}
	out = Classify(req, resolvedSet(amoxicillin))
	if out.Category != CategoryComplexCase {
		t.Errorf("category = %s, want COMPLEX_CASE at five distinct medications", out.Category)
	}
}

func TestHighRiskDominatesControlled(t *testing.T) {
	oxycodone := &drugref.DrugReference{GenericName: "oxycodone", Schedule: 2, Controlled: true}
	warfarin := &drugref.DrugReference{GenericName: "warfarin", RequiresMonitoring: true}

	req := Request{Urgency: UrgencyUrgent, Lines: linesFor("oxycodone", "warfarin")}
	out := Classify(req, resolvedSet(oxycodone, warfarin))

	if out.Category != CategoryHighRisk {
		t.Errorf("category = %s, want HIGH_RISK to dominate CONTROLLED_SUBSTANCE", out.Category)
	}
}

func TestSpecialistDominatesEverything(t *testing.T) {
	chemo := &drugref.DrugReference{GenericName: "cisplatin", TherapeuticClass: "chemotherapy agent"}
	oxycodone := &drugref.DrugReference{GenericName: "oxycodone", Schedule: 2, RequiresMonitoring: true}

	req := Request{Urgency: UrgencyUrgent, Lines: linesFor("oxycodone", "cisplatin")}
	out := Classify(req, resolvedSet(chemo, oxycodone))

	if out.Category != CategorySpecialistRequired {
		t.Errorf("category = %s, want SPECIALIST_REQUIRED", out.Category)
	}
	if !strings.Contains(out.Rationale, "cisplatin") {
		t.Errorf("rationale %q should name the triggering drug", out.Rationale)
	}
}

func TestScenarioUrgentRepeatAmoxicillin(t *testing.T) {
	amoxicillin := &drugref.DrugReference{GenericName: "amoxicillin", TherapeuticClass: "antibiotic", RiskLevel: "low"}

	req := Request{
		Urgency: UrgencyUrgent,
		Lines:   []Line{{Name: "Amoxicillin", IsRepeat: true}},
	}
	out := Classify(req, resolvedSet(amoxicillin))

	if out.Category != CategoryUrgentRepeat {
		t.Errorf("category = %s, want URGENT_REPEAT", out.Category)
	}
	if out.Role != RolePharmacist {
		t.Errorf("role = %s, want pharmacist", out.Role)
	}
}

func TestScenarioSpecialistMethotrexate(t *testing.T) {
	methotrexate := &drugref.DrugReference{GenericName: "methotrexate", TherapeuticClass: "immunosuppressant"}

	req := Request{
		Urgency: UrgencyRoutine,
		Lines:   []Line{{Name: "Methotrexate"}},
	}
	out := Classify(req, resolvedSet(methotrexate))

	if out.Category != CategorySpecialistRequired {
		t.Errorf("category = %s, want SPECIALIST_REQUIRED", out.Category)
	}
	if out.Role != RolePhysician {
		t.Errorf("role = %s, want physician", out.Role)
	}
	if !strings.Contains(strings.ToLower(out.Rationale), "methotrexate") {
		t.Errorf("rationale %q should mention methotrexate", out.Rationale)
	}
}

func TestControlledCategoryNeedsControlledAuthority(t *testing.T) {
	if !CategoryControlled.RequiresControlledAuthority() {
		t.Error("CONTROLLED_SUBSTANCE must require controlled-substance authority")
	}
	if CategoryRoutineNew.RequiresControlledAuthority() {
		t.Error("ROUTINE_NEW must not require controlled-substance authority")
	}
}
