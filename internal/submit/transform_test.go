package submit_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"permitline/internal/catalog"
	"permitline/internal/domain"
	"permitline/internal/gate"
	"permitline/internal/submit"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func hotWork() *domain.PermitType {
	for _, pt := range catalog.Fallback() {
		if pt.ID == 1 {
			return &pt
		}
	}
	return nil
}

func completeDraft() domain.PermitDraft {
	typeID := 1
	prob, sev := 3, 4
	return domain.PermitDraft{
		PermitNumber:    "PTW-20240601-001",
		PermitTypeID:    &typeID,
		Description:     "  weld replacement bracket onto pipe rack support  ",
		Location:        " unit 300, pipe rack north ",
		PlannedStart:    testNow.Add(2 * time.Hour).Format(time.RFC3339),
		PlannedEnd:      testNow.Add(6 * time.Hour).Format(time.RFC3339),
		Probability:     &prob,
		Severity:        &sev,
		HazardIDs:       []string{"fire", "hot_surfaces"},
		ControlMeasures: "fire watch posted, combustibles removed within 10m",
		PPESelections:   []string{"helmet", "gloves", "face_shield", "fire_retardant_clothing"},
		SafetyChecklist: []string{"area_cleared_of_combustibles"},
		CurrentStep:     domain.StepReview,
	}
}

func testGate() gate.Gate {
	return gate.Gate{Now: func() time.Time { return testNow }}
}

func TestTransformTrimsAndComputesRisk(t *testing.T) {
	p, failure := submit.Transform(testGate(), completeDraft(), hotWork())
	if failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if p.Description != "weld replacement bracket onto pipe rack support" {
		t.Fatalf("description not trimmed: %q", p.Description)
	}
	if p.Location != "unit 300, pipe rack north" {
		t.Fatalf("location not trimmed: %q", p.Location)
	}
	if p.RiskScore != 12 || p.RiskBand != "high" {
		t.Fatalf("risk = %d/%s", p.RiskScore, p.RiskBand)
	}
	if !strings.HasSuffix(p.PlannedStart, "Z") {
		t.Fatalf("planned start not UTC: %q", p.PlannedStart)
	}
}

func TestTransformDefaultsOptionalFields(t *testing.T) {
	d := completeDraft()
	d.GPSCoordinates = ""
	d.SpecialInstructions = ""
	d.Attachments = nil
	p, failure := submit.Transform(testGate(), d, hotWork())
	if failure != nil {
		t.Fatalf("unexpected failure: %v", failure)
	}
	if p.GPSCoordinates != "" || p.SpecialInstructions != "" || p.IsolationDetails != "" {
		t.Fatal("optional text fields should be empty strings")
	}
	if p.Attachments == nil {
		t.Fatal("attachments should serialize as [], not null")
	}
}

func TestTransformRoutesToEarliestInvalidStep(t *testing.T) {
	d := completeDraft()
	d.Description = "fix it"
	d.ControlMeasures = ""
	_, failure := submit.Transform(testGate(), d, hotWork())
	if failure == nil {
		t.Fatal("expected validation failure")
	}
	if failure.Step != domain.StepBasicInfo {
		t.Fatalf("routed to %s, want basic_info", failure.Step)
	}
	var err error = failure
	var back *submit.ValidationFailure
	if !errors.As(err, &back) {
		t.Fatal("failure should satisfy errors.As")
	}
}

func TestStepForFieldOwnership(t *testing.T) {
	cases := map[string]domain.Step{
		"description":      domain.StepBasicInfo,
		"plannedStart":     domain.StepBasicInfo,
		"probability":      domain.StepRiskAssessment,
		"controlMeasures":  domain.StepRiskAssessment,
		"ppe_selections":   domain.StepSafetyMeasures,
		"trainingVerified": domain.StepSafetyMeasures,
		"attachments":      domain.StepDocumentation,
		"something_else":   domain.StepReview,
	}
	for field, want := range cases {
		if got := submit.StepFor(field); got != want {
			t.Errorf("StepFor(%q) = %s, want %s", field, got, want)
		}
	}
}
