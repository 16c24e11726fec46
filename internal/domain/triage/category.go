// Package triage classifies prescription requests into clinical-risk
// categories and determines which class of professional must review them.
package triage

// Category is the clinical-risk bucket a prescription request sorts into.
type Category string

const (
	CategorySpecialistRequired Category = "SPECIALIST_REQUIRED"
	CategoryHighRisk           Category = "HIGH_RISK"
	CategoryControlled         Category = "CONTROLLED_SUBSTANCE"
	CategoryComplexCase        Category = "COMPLEX_CASE"
	CategoryUrgentRepeat       Category = "URGENT_REPEAT"
	CategoryUrgentNew          Category = "URGENT_NEW"
	CategoryRoutineRepeat      Category = "ROUTINE_REPEAT"
	CategoryRoutineNew         Category = "ROUTINE_NEW"
)

// ReviewerRole is the class of professional that reviews a category.
type ReviewerRole string

const (
	RolePharmacist ReviewerRole = "pharmacist"
	RolePhysician  ReviewerRole = "physician"
)

// categoryProfile fixes the default reviewer role and the target
// turnaround for a category. Turnaround feeds SLA reporting only; nothing
// here enforces it.
type categoryProfile struct {
	role               ReviewerRole
	requiresControlled bool
	turnaroundHours    int
}

var profiles = map[Category]categoryProfile{
	CategorySpecialistRequired: {role: RolePhysician, turnaroundHours: 48},
	CategoryHighRisk:           {role: RolePhysician, turnaroundHours: 24},
	CategoryControlled:         {role: RolePharmacist, requiresControlled: true, turnaroundHours: 24},
	CategoryComplexCase:        {role: RolePharmacist, turnaroundHours: 48},
	CategoryUrgentRepeat:       {role: RolePharmacist, turnaroundHours: 24},
	CategoryUrgentNew:          {role: RolePharmacist, turnaroundHours: 24},
	CategoryRoutineRepeat:      {role: RolePharmacist, turnaroundHours: 72},
	CategoryRoutineNew:         {role: RolePharmacist, turnaroundHours: 72},
}

// DefaultRole returns the reviewer role a category defaults to.
func (c Category) DefaultRole() ReviewerRole {
	return profiles[c].role
}

// RequiresControlledAuthority reports whether the assigned reviewer needs
// authority over controlled substances.
func (c Category) RequiresControlledAuthority() bool {
	return profiles[c].requiresControlled
}

// TurnaroundHours returns the target review turnaround for SLA reporting.
func (c Category) TurnaroundHours() int {
	return profiles[c].turnaroundHours
}
