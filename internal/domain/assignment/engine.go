package assignment

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phb-health/rxengine/internal/domain/triage"
)

// Engine finds an eligible reviewer for a triaged request. It performs no
// writes, so it is safe to call speculatively.
type Engine struct {
	directory Directory
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewEngine creates an assignment engine.
func NewEngine(directory Directory, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		directory: directory,
		logger:    logger,
		tracer:    otel.Tracer("assignment-engine"),
	}
}

// specialtyHint maps a category to the specialty fragment preferred when
// picking among otherwise-equal candidates.
func specialtyHint(c triage.Category) string {
	switch c {
	case triage.CategoryControlled:
		return "controlled"
	case triage.CategoryHighRisk:
		return "clinical"
	case triage.CategorySpecialistRequired:
		return "specialist"
	case triage.CategoryComplexCase:
		return "medicines management"
	default:
		return ""
	}
}

// Assign selects a reviewer for the outcome at the given facility.
func (e *Engine) Assign(ctx context.Context, outcome triage.Outcome, facilityID int64) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "assign_reviewer",
		trace.WithAttributes(
			attribute.String("category", string(outcome.Category)),
			attribute.Int64("facility_id", facilityID),
		))
	defer span.End()

	if outcome.Role == triage.RolePharmacist {
		result, err := e.assignPharmacist(ctx, outcome, facilityID)
		if err != nil {
			return Result{}, err
		}
		if result.Assigned {
			span.SetAttributes(attribute.String("role", string(result.Role)))
			return result, nil
		}
		// No pharmacist could take it; fall through to physicians.
		e.logger.Info("no eligible pharmacist, falling back to physician",
			zap.String("category", string(outcome.Category)),
			zap.Int64("facility_id", facilityID),
			zap.String("reason", result.Message))
	}

	result, err := e.assignPhysician(ctx, outcome, facilityID)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.Bool("assigned", result.Assigned))
	return result, nil
}

// assignPharmacist picks among active, on-duty pharmacists who opted into
// automatic triage assignment: specialty hint first, then the fewest
// completed reviews. A controlled-substance category re-routes to the
// physician branch when the chosen pharmacist lacks controlled authority.
func (e *Engine) assignPharmacist(ctx context.Context, outcome triage.Outcome, facilityID int64) (Result, error) {
	candidates, err := e.directory.ListPharmacists(ctx, facilityID, PharmacistFilter{
		ActiveOnly:     true,
		OnDutyOnly:     true,
		AutoAssignOnly: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("list pharmacists: %w", err)
	}

	if len(candidates) == 0 {
		return Result{Message: "no on-duty pharmacist accepts automatic assignment"}, nil
	}

	chosen := pickPharmacist(candidates, specialtyHint(outcome.Category))

	if outcome.Category.RequiresControlledAuthority() && !chosen.ControlledAuthority {
		return Result{Message: fmt.Sprintf(
			"pharmacist %s lacks controlled-substance authority", chosen.Name)}, nil
	}

	return Result{
		Assigned:         true,
		Role:             triage.RolePharmacist,
		ProfessionalID:   chosen.ID,
		ProfessionalName: chosen.Name,
		Message:          fmt.Sprintf("assigned to pharmacist %s", chosen.Name),
	}, nil
}

// pickPharmacist prefers a specialty match, otherwise balances load via
// the completed-review counter rather than strict rotation.
func pickPharmacist(candidates []Pharmacist, hint string) Pharmacist {
	if hint != "" {
		for _, c := range candidates {
			if strings.Contains(strings.ToLower(c.Specialty), hint) {
				return c
			}
		}
	}

	chosen := candidates[0]
	for _, c := range candidates[1:] {
		if c.CompletedReviews < chosen.CompletedReviews {
			chosen = c
		}
	}
	return chosen
}

func (e *Engine) assignPhysician(ctx context.Context, outcome triage.Outcome, facilityID int64) (Result, error) {
	candidates, err := e.directory.ListPhysicians(ctx, facilityID, PhysicianFilter{ActiveOnly: true})
	if err != nil {
		return Result{}, fmt.Errorf("list physicians: %w", err)
	}

	if len(candidates) == 0 {
		return Result{
			Assigned: false,
			Message: fmt.Sprintf(
				"no eligible professional at facility %d for %s", facilityID, outcome.Category),
		}, nil
	}

	chosen := candidates[0]
	if hint := specialtyHint(outcome.Category); hint != "" {
		for _, c := range candidates {
			if strings.Contains(strings.ToLower(c.Specialty), hint) {
				chosen = c
				break
			}
		}
	}

	return Result{
		Assigned:         true,
		Role:             triage.RolePhysician,
		ProfessionalID:   chosen.ID,
		ProfessionalName: chosen.Name,
		Message:          fmt.Sprintf("assigned to physician %s", chosen.Name),
	}, nil
}
