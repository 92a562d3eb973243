package gate_test

import (
	"testing"
	"time"

	"permitline/internal/catalog"
	"permitline/internal/domain"
	"permitline/internal/gate"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testGate() gate.Gate {
	return gate.Gate{Now: func() time.Time { return testNow }}
}

func hotWork(t *testing.T) domain.PermitType {
	t.Helper()
	for _, pt := range catalog.Fallback() {
		if pt.Category == "hot_work" {
			return pt
		}
	}
	t.Fatal("hot work type missing from fallback table")
	return domain.PermitType{}
}

func validDraft(pt domain.PermitType) domain.PermitDraft {
	typeID := pt.ID
	prob, sev := 2, 3
	return domain.PermitDraft{
		PermitNumber:    "PTW-20240601-001",
		PermitTypeID:    &typeID,
		Description:     "replace damaged insulation on panel 3",
		Location:        "Boiler house, level 2",
		PlannedStart:    testNow.Add(time.Hour).Format(time.RFC3339),
		PlannedEnd:      testNow.Add(5 * time.Hour).Format(time.RFC3339),
		Probability:     &prob,
		Severity:        &sev,
		HazardIDs:       []string{"fire", "hot_surfaces"},
		ControlMeasures: "continuous fire watch, extinguisher within 5m",
		PPESelections:   append([]string(nil), pt.MandatoryPPE...),
		SafetyChecklist: []string{pt.SafetyChecklist[0]},
	}
}

func fieldErrorOn(res gate.Result, field string) bool {
	for _, e := range res.Errors {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidDraftPassesAllSteps(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	g := testGate()
	for s := domain.StepBasicInfo; s < domain.StepCount; s++ {
		res := g.Validate(s, d, &pt)
		if !res.OK {
			t.Fatalf("step %s invalid: %+v", s, res.Errors)
		}
	}
}

func TestDescriptionMinimumLength(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	g := testGate()

	d.Description = "fix it"
	res := g.Validate(domain.StepBasicInfo, d, &pt)
	if res.OK || !fieldErrorOn(res, "description") {
		t.Fatalf("expected description error, got %+v", res)
	}

	d.Description = "replace damaged insulation on panel 3"
	res = g.Validate(domain.StepBasicInfo, d, &pt)
	if fieldErrorOn(res, "description") {
		t.Fatalf("unexpected description error: %+v", res.Errors)
	}
}

func TestPlannedStartInPast(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	d.PlannedStart = testNow.Add(-time.Hour).Format(time.RFC3339)
	res := testGate().Validate(domain.StepBasicInfo, d, &pt)
	if res.OK || !fieldErrorOn(res, "planned_start") {
		t.Fatalf("expected planned_start error, got %+v", res)
	}
}

func TestTimestampErrorsNameTheActualProblem(t *testing.T) {
	pt := hotWork(t)
	g := testGate()

	d := validDraft(pt)
	d.PlannedStart = ""
	res := g.Validate(domain.StepBasicInfo, d, &pt)
	if !fieldErrorMessage(res, "planned_start", "planned start is required") {
		t.Fatalf("empty start should report required, got %+v", res.Errors)
	}

	d = validDraft(pt)
	d.PlannedStart = "tomorrow"
	res = g.Validate(domain.StepBasicInfo, d, &pt)
	if !fieldErrorMessage(res, "planned_start", "planned start must be an RFC3339 timestamp") {
		t.Fatalf("malformed start should report format, got %+v", res.Errors)
	}

	d = validDraft(pt)
	d.PlannedEnd = "06/02/2024 14:00"
	res = g.Validate(domain.StepBasicInfo, d, &pt)
	if !fieldErrorMessage(res, "planned_end", "planned end must be an RFC3339 timestamp") {
		t.Fatalf("malformed end should report format, got %+v", res.Errors)
	}
}

func fieldErrorMessage(res gate.Result, field, message string) bool {
	for _, e := range res.Errors {
		if e.Field == field && e.Message == message {
			return true
		}
	}
	return false
}

func TestStartMustPrecedeEnd(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	d.PlannedEnd = d.PlannedStart
	res := testGate().Validate(domain.StepBasicInfo, d, &pt)
	if res.OK || !fieldErrorOn(res, "planned_end") {
		t.Fatalf("expected planned_end error, got %+v", res)
	}
}

func TestMandatoryPPESuperset(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	// drop everything but one mandatory item
	d.PPESelections = []string{pt.MandatoryPPE[0]}
	res := testGate().Validate(domain.StepSafetyMeasures, d, &pt)
	if res.OK || !fieldErrorOn(res, "ppe_selections") {
		t.Fatalf("expected ppe_selections error, got %+v", res)
	}

	// extra selections beyond the mandatory set are fine
	d = validDraft(pt)
	d.PPESelections = append(d.PPESelections, "ear_defenders")
	res = testGate().Validate(domain.StepSafetyMeasures, d, &pt)
	if !res.OK {
		t.Fatalf("extra ppe should not fail: %+v", res.Errors)
	}
}

func TestChecklistRequiredWhenCatalogHasOne(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	d.SafetyChecklist = nil
	res := testGate().Validate(domain.StepSafetyMeasures, d, &pt)
	if res.OK || !fieldErrorOn(res, "safety_checklist") {
		t.Fatalf("expected safety_checklist error, got %+v", res)
	}
}

func TestCatalogForcedFlags(t *testing.T) {
	var electrical domain.PermitType
	for _, pt := range catalog.Fallback() {
		if pt.Category == "electrical" {
			electrical = pt
		}
	}
	if !electrical.RequiresIsolation {
		t.Fatal("electrical type should require isolation")
	}
	d := validDraft(electrical)
	d.PPESelections = append([]string(nil), electrical.MandatoryPPE...)
	d.SafetyChecklist = []string{electrical.SafetyChecklist[0]}
	d.RequiresIsolation = false
	res := testGate().Validate(domain.StepSafetyMeasures, d, &electrical)
	if res.OK || !fieldErrorOn(res, "requires_isolation") {
		t.Fatalf("expected requires_isolation error, got %+v", res)
	}
}

func TestRiskAssessmentRules(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	g := testGate()

	d.Probability = nil
	res := g.Validate(domain.StepRiskAssessment, d, &pt)
	if res.OK || !fieldErrorOn(res, "probability") {
		t.Fatalf("expected probability error, got %+v", res)
	}

	d = validDraft(pt)
	bad := 7
	d.Severity = &bad
	res = g.Validate(domain.StepRiskAssessment, d, &pt)
	if res.OK || !fieldErrorOn(res, "severity") {
		t.Fatalf("expected severity range error, got %+v", res)
	}

	d = validDraft(pt)
	d.HazardIDs = nil
	res = g.Validate(domain.StepRiskAssessment, d, &pt)
	if res.OK || !fieldErrorOn(res, "hazard_ids") {
		t.Fatalf("expected hazard error, got %+v", res)
	}

	d = validDraft(pt)
	d.ControlMeasures = "none"
	res = g.Validate(domain.StepRiskAssessment, d, &pt)
	if res.OK || !fieldErrorOn(res, "control_measures") {
		t.Fatalf("expected control_measures error, got %+v", res)
	}
}

func TestDocumentationAlwaysValid(t *testing.T) {
	res := testGate().Validate(domain.StepDocumentation, domain.PermitDraft{}, nil)
	if !res.OK {
		t.Fatalf("documentation step should always pass: %+v", res.Errors)
	}
}

func TestReviewAggregatesEarlierSteps(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	g := testGate()
	if res := g.Validate(domain.StepReview, d, &pt); !res.OK {
		t.Fatalf("review should pass for valid draft: %+v", res.Errors)
	}
	d.Description = "too short"
	res := g.Validate(domain.StepReview, d, &pt)
	if res.OK || !fieldErrorOn(res, "description") {
		t.Fatalf("review should surface basic info errors, got %+v", res)
	}
	// correcting the earlier answer is reflected immediately
	d.Description = "replace damaged insulation on panel 3"
	if res := g.Validate(domain.StepReview, d, &pt); !res.OK {
		t.Fatalf("review should pass after correction: %+v", res.Errors)
	}
}

func TestRevalidationIsIdempotent(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	d.Location = ""
	g := testGate()
	first := g.Validate(domain.StepBasicInfo, d, &pt)
	second := g.Validate(domain.StepBasicInfo, d, &pt)
	if first.OK != second.OK || len(first.Errors) != len(second.Errors) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	for i := range first.Errors {
		if first.Errors[i] != second.Errors[i] {
			t.Fatalf("error %d differs: %+v vs %+v", i, first.Errors[i], second.Errors[i])
		}
	}
}

func TestFirstInvalidRouting(t *testing.T) {
	pt := hotWork(t)
	d := validDraft(pt)
	d.ControlMeasures = "short"
	step, found := testGate().FirstInvalid(d, &pt)
	if !found || step != domain.StepRiskAssessment {
		t.Fatalf("expected first invalid at risk_assessment, got %v found=%v", step, found)
	}
}
