package gate

import (
	"fmt"
	"strings"
	"time"

	"permitline/internal/catalog"
	"permitline/internal/domain"
	"permitline/internal/risk"
)

const minTextLength = 10

// Result is the outcome of validating one step.
type Result struct {
	OK     bool                `json:"ok"`
	Errors []domain.FieldError `json:"errors,omitempty"`
}

// Gate validates steps against the current draft. It is stateless with
// respect to history: every call recomputes purely from the draft, so
// changing an earlier answer is immediately reflected at the terminal
// gate. The permit type is passed in resolved form; nil means the
// draft's type could not be resolved (or none is selected yet).
type Gate struct {
	Now func() time.Time
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Validate runs the rule set for one step.
func (g Gate) Validate(step domain.Step, d domain.PermitDraft, pt *domain.PermitType) Result {
	switch step {
	case domain.StepBasicInfo:
		return g.basicInfo(d, pt)
	case domain.StepRiskAssessment:
		return g.riskAssessment(d)
	case domain.StepSafetyMeasures:
		return g.safetyMeasures(d, pt)
	case domain.StepDocumentation:
		// attachments are optional and owned by the upload collaborator
		return Result{OK: true}
	case domain.StepReview:
		return g.review(d, pt)
	}
	return fail(domain.FieldError{Field: "step", Message: fmt.Sprintf("unknown step %d", step)})
}

// FirstInvalid returns the earliest step with a validation error.
func (g Gate) FirstInvalid(d domain.PermitDraft, pt *domain.PermitType) (domain.Step, bool) {
	for s := domain.StepBasicInfo; s < domain.StepReview; s++ {
		if !g.Validate(s, d, pt).OK {
			return s, true
		}
	}
	return 0, false
}

// States computes the derived validity of every step.
func (g Gate) States(d domain.PermitDraft, pt *domain.PermitType) []domain.StepState {
	states := make([]domain.StepState, 0, domain.StepCount)
	for s := domain.StepBasicInfo; s < domain.StepCount; s++ {
		res := g.Validate(s, d, pt)
		states = append(states, domain.StepState{
			Step:   s,
			Name:   s.String(),
			Valid:  res.OK,
			Errors: res.Errors,
		})
	}
	return states
}

func (g Gate) basicInfo(d domain.PermitDraft, pt *domain.PermitType) Result {
	var errs []domain.FieldError
	if d.PermitTypeID == nil {
		errs = append(errs, domain.FieldError{Field: "permit_type_id", Message: "permit type is required"})
	} else if pt == nil || pt.ID != *d.PermitTypeID {
		errs = append(errs, domain.FieldError{Field: "permit_type_id", Message: fmt.Sprintf("permit type %d is not in the catalog", *d.PermitTypeID)})
	}
	if len(strings.TrimSpace(d.Description)) < minTextLength {
		errs = append(errs, domain.FieldError{Field: "description", Message: fmt.Sprintf("description must be at least %d characters", minTextLength)})
	}
	if strings.TrimSpace(d.Location) == "" {
		errs = append(errs, domain.FieldError{Field: "location", Message: "location is required"})
	}
	start, startErr := parseTimestamp(d.PlannedStart)
	if startErr != nil {
		errs = append(errs, domain.FieldError{Field: "planned_start", Message: timestampMessage("planned start", d.PlannedStart)})
	}
	end, endErr := parseTimestamp(d.PlannedEnd)
	if endErr != nil {
		errs = append(errs, domain.FieldError{Field: "planned_end", Message: timestampMessage("planned end", d.PlannedEnd)})
	}
	if startErr == nil && endErr == nil && !start.Before(end) {
		errs = append(errs, domain.FieldError{Field: "planned_end", Message: "planned end must be after planned start"})
	}
	if startErr == nil && start.Before(g.now()) {
		errs = append(errs, domain.FieldError{Field: "planned_start", Message: "planned start must not be in the past"})
	}
	return result(errs)
}

func (g Gate) riskAssessment(d domain.PermitDraft) Result {
	var errs []domain.FieldError
	if d.Probability == nil {
		errs = append(errs, domain.FieldError{Field: "probability", Message: "probability is required"})
	} else if *d.Probability < 1 || *d.Probability > 5 {
		errs = append(errs, domain.FieldError{Field: "probability", Message: "probability must be between 1 and 5"})
	}
	if d.Severity == nil {
		errs = append(errs, domain.FieldError{Field: "severity", Message: "severity is required"})
	} else if *d.Severity < 1 || *d.Severity > 5 {
		errs = append(errs, domain.FieldError{Field: "severity", Message: "severity must be between 1 and 5"})
	}
	if len(d.HazardIDs) == 0 {
		errs = append(errs, domain.FieldError{Field: "hazard_ids", Message: "at least one hazard must be selected"})
	}
	for _, id := range d.HazardIDs {
		if !catalog.KnownHazard(id) {
			errs = append(errs, domain.FieldError{Field: "hazard_ids", Message: fmt.Sprintf("unknown hazard %s", id)})
		}
	}
	if len(strings.TrimSpace(d.ControlMeasures)) < minTextLength {
		errs = append(errs, domain.FieldError{Field: "control_measures", Message: fmt.Sprintf("control measures must be at least %d characters", minTextLength)})
	}
	return result(errs)
}

func (g Gate) safetyMeasures(d domain.PermitDraft, pt *domain.PermitType) Result {
	var errs []domain.FieldError
	if pt == nil {
		// cannot check catalog minimums without a resolved type
		errs = append(errs, domain.FieldError{Field: "permit_type_id", Message: "permit type must be selected before safety measures"})
		return result(errs)
	}
	c := catalog.DeriveConstraints(*pt)
	for _, required := range c.MandatoryPPE {
		if !contains(d.PPESelections, required) {
			errs = append(errs, domain.FieldError{Field: "ppe_selections", Message: fmt.Sprintf("mandatory PPE %s is not selected", required)})
		}
	}
	if len(c.SafetyChecklist) > 0 && len(d.SafetyChecklist) == 0 {
		errs = append(errs, domain.FieldError{Field: "safety_checklist", Message: "at least one safety checklist item must be checked"})
	}
	if c.ForceIsolation && !d.RequiresIsolation {
		errs = append(errs, domain.FieldError{Field: "requires_isolation", Message: "this permit type requires isolation"})
	}
	if c.ForceTraining && !d.TrainingVerified {
		errs = append(errs, domain.FieldError{Field: "training_verified", Message: "this permit type requires verified training"})
	}
	return result(errs)
}

// review passes iff every previous step passes; this is the terminal
// gate before submission.
func (g Gate) review(d domain.PermitDraft, pt *domain.PermitType) Result {
	var errs []domain.FieldError
	for s := domain.StepBasicInfo; s < domain.StepReview; s++ {
		res := g.Validate(s, d, pt)
		errs = append(errs, res.Errors...)
	}
	return result(errs)
}

func parseTimestamp(v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.Parse(time.RFC3339, v)
}

// timestampMessage tells the user what is actually wrong: a missing
// value and an unparseable one need different corrections.
func timestampMessage(label, v string) string {
	if strings.TrimSpace(v) == "" {
		return label + " is required"
	}
	return label + " must be an RFC3339 timestamp"
}

func contains(set []string, item string) bool {
	for _, s := range set {
		if s == item {
			return true
		}
	}
	return false
}

func result(errs []domain.FieldError) Result {
	if len(errs) > 0 {
		return Result{OK: false, Errors: errs}
	}
	return Result{OK: true}
}

func fail(errs ...domain.FieldError) Result {
	return Result{OK: false, Errors: errs}
}

// Band is a convenience for surfaces that display the current risk
// alongside step validity. It returns nil when either input is unset.
func Band(d domain.PermitDraft) *risk.Assessment {
	if d.Probability == nil || d.Severity == nil {
		return nil
	}
	a, err := risk.Compute(*d.Probability, *d.Severity)
	if err != nil {
		return nil
	}
	return &a
}
