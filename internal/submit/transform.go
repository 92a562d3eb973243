package submit

import (
	"fmt"
	"strings"
	"time"

	"permitline/internal/domain"
	"permitline/internal/gate"
)

// Payload is the canonical permit payload accepted by the external
// submission service. Optional free-text fields default to empty
// strings, never null.
type Payload struct {
	PermitNumber        string   `json:"permitNumber"`
	PermitTypeID        int      `json:"permitTypeId"`
	Description         string   `json:"description"`
	Location            string   `json:"location"`
	GPSCoordinates      string   `json:"gpsCoordinates"`
	PlannedStart        string   `json:"plannedStart"`
	PlannedEnd          string   `json:"plannedEnd"`
	Probability         int      `json:"probability"`
	Severity            int      `json:"severity"`
	RiskScore           int      `json:"riskScore"`
	RiskBand            string   `json:"riskBand"`
	HazardIDs           []string `json:"hazardIds"`
	ControlMeasures     string   `json:"controlMeasures"`
	PPESelections       []string `json:"ppeSelections"`
	SafetyChecklist     []string `json:"safetyChecklist"`
	RequiresIsolation   bool     `json:"requiresIsolation"`
	IsolationDetails    string   `json:"isolationDetails"`
	TrainingVerified    bool     `json:"trainingVerified"`
	SpecialInstructions string   `json:"specialInstructions"`
	Attachments         []string `json:"attachments"`
}

// ValidationFailure carries the ordered field errors and the earliest
// step containing one, so the caller can route the user back to the
// first unresolved step.
type ValidationFailure struct {
	Errors []domain.FieldError `json:"errors"`
	Step   domain.Step         `json:"step"`
}

func (f *ValidationFailure) Error() string {
	return fmt.Sprintf("draft failed validation at step %s (%d errors)", f.Step, len(f.Errors))
}

// StepFor maps a payload or draft field to the step that owns it.
// Unknown fields route to the review step.
func StepFor(field string) domain.Step {
	switch field {
	case "permit_type_id", "permitTypeId", "description", "location", "planned_start", "plannedStart", "planned_end", "plannedEnd", "gps_coordinates", "gpsCoordinates":
		return domain.StepBasicInfo
	case "probability", "severity", "hazard_ids", "hazardIds", "control_measures", "controlMeasures":
		return domain.StepRiskAssessment
	case "ppe_selections", "ppeSelections", "safety_checklist", "safetyChecklist", "requires_isolation", "requiresIsolation", "isolation_details", "isolationDetails", "training_verified", "trainingVerified":
		return domain.StepSafetyMeasures
	case "attachments":
		return domain.StepDocumentation
	}
	return domain.StepReview
}

// earliestStep picks the lowest owning step across the errors.
func earliestStep(errs []domain.FieldError) domain.Step {
	earliest := domain.StepReview
	for _, e := range errs {
		if s := StepFor(e.Field); s < earliest {
			earliest = s
		}
	}
	return earliest
}

// Transform runs the full cross-step validation and maps the draft to
// the external payload shape. The permit type must be the resolved
// entry for the draft's type id.
func Transform(g gate.Gate, d domain.PermitDraft, pt *domain.PermitType) (Payload, *ValidationFailure) {
	res := g.Validate(domain.StepReview, d, pt)
	if !res.OK {
		return Payload{}, &ValidationFailure{Errors: res.Errors, Step: earliestStep(res.Errors)}
	}
	start, _ := time.Parse(time.RFC3339, d.PlannedStart)
	end, _ := time.Parse(time.RFC3339, d.PlannedEnd)
	assessment := gate.Band(d)
	return Payload{
		PermitNumber:        d.PermitNumber,
		PermitTypeID:        *d.PermitTypeID,
		Description:         strings.TrimSpace(d.Description),
		Location:            strings.TrimSpace(d.Location),
		GPSCoordinates:      strings.TrimSpace(d.GPSCoordinates),
		PlannedStart:        start.UTC().Format(time.RFC3339),
		PlannedEnd:          end.UTC().Format(time.RFC3339),
		Probability:         *d.Probability,
		Severity:            *d.Severity,
		RiskScore:           assessment.Score,
		RiskBand:            string(assessment.Band),
		HazardIDs:           emptySlice(d.HazardIDs),
		ControlMeasures:     strings.TrimSpace(d.ControlMeasures),
		PPESelections:       emptySlice(d.PPESelections),
		SafetyChecklist:     emptySlice(d.SafetyChecklist),
		RequiresIsolation:   d.RequiresIsolation,
		IsolationDetails:    strings.TrimSpace(d.IsolationDetails),
		TrainingVerified:    d.TrainingVerified,
		SpecialInstructions: strings.TrimSpace(d.SpecialInstructions),
		Attachments:         emptySlice(d.Attachments),
	}, nil
}

func emptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
