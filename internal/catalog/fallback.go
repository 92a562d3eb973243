package catalog

import (
	"errors"

	"permitline/internal/domain"
)

var ErrUnknownType = errors.New("unknown permit type")

// Fallback returns the bundled static permit type table. It covers the
// same identifier space as the remote catalog so the workflow can
// proceed in a degraded but correct mode when the catalog is
// unreachable or empty.
func Fallback() []domain.PermitType {
	return []domain.PermitType{
		{
			ID:                   1,
			Name:                 "Hot Work",
			Category:             "hot_work",
			RiskLevel:            "high",
			MandatoryPPE:         []string{"helmet", "gloves", "face_shield", "fire_retardant_clothing"},
			SafetyChecklist:      []string{"area_cleared_of_combustibles", "fire_extinguisher_present", "fire_watch_assigned", "hot_work_zone_marked"},
			HazardFactors:        []string{"fire", "sparks", "fumes", "burns"},
			EmergencyProcedures:  []string{"raise_alarm", "use_nearest_extinguisher", "evacuate_to_muster_point"},
			RequiresFireWatch:    true,
			MinPersonnelRequired: 2,
			ValidityHours:        8,
		},
		{
			ID:                          2,
			Name:                        "Confined Space Entry",
			Category:                    "confined_space",
			RiskLevel:                   "extreme",
			MandatoryPPE:                []string{"helmet", "gloves", "harness", "gas_detector"},
			SafetyChecklist:             []string{"atmosphere_tested", "ventilation_established", "attendant_posted", "rescue_plan_in_place", "entry_log_started"},
			HazardFactors:               []string{"oxygen_deficiency", "toxic_gas", "engulfment", "restricted_egress"},
			EmergencyProcedures:         []string{"non_entry_rescue_first", "alert_attendant", "call_rescue_team"},
			RequiresGasTesting:          true,
			RequiresMedicalSurveillance: true,
			MinPersonnelRequired:        3,
			ValidityHours:               4,
		},
		{
			ID:                   3,
			Name:                 "Electrical Work",
			Category:             "electrical",
			RiskLevel:            "high",
			MandatoryPPE:         []string{"helmet", "insulated_gloves", "arc_flash_suit", "safety_boots"},
			SafetyChecklist:      []string{"circuit_identified", "lockout_tagout_applied", "absence_of_voltage_verified", "barriers_erected"},
			HazardFactors:        []string{"electric_shock", "arc_flash", "stored_energy"},
			EmergencyProcedures:  []string{"isolate_supply", "do_not_touch_casualty", "call_first_aider"},
			RequiresIsolation:    true,
			MinPersonnelRequired: 2,
			ValidityHours:        8,
		},
		{
			ID:                   4,
			Name:                 "Work at Height",
			Category:             "work_at_height",
			RiskLevel:            "high",
			MandatoryPPE:         []string{"helmet", "harness", "lanyard", "safety_boots"},
			SafetyChecklist:      []string{"anchor_points_inspected", "fall_protection_verified", "exclusion_zone_below", "weather_checked"},
			HazardFactors:        []string{"falls", "falling_objects", "wind"},
			EmergencyProcedures:  []string{"suspension_trauma_response", "call_rescue_team"},
			MinPersonnelRequired: 2,
			ValidityHours:        8,
		},
		{
			ID:                   5,
			Name:                 "Excavation",
			Category:             "excavation",
			RiskLevel:            "medium",
			MandatoryPPE:         []string{"helmet", "hi_vis_vest", "safety_boots"},
			SafetyChecklist:      []string{"underground_services_located", "shoring_installed", "access_egress_provided", "spoil_set_back"},
			HazardFactors:        []string{"collapse", "buried_services", "water_ingress"},
			EmergencyProcedures:  []string{"do_not_enter_collapse", "call_rescue_team"},
			MinPersonnelRequired: 2,
			ValidityHours:        12,
		},
		{
			ID:                   6,
			Name:                 "Lifting Operations",
			Category:             "lifting",
			RiskLevel:            "medium",
			MandatoryPPE:         []string{"helmet", "hi_vis_vest", "gloves", "safety_boots"},
			SafetyChecklist:      []string{"lift_plan_approved", "equipment_certified", "exclusion_zone_marked", "signaller_assigned"},
			HazardFactors:        []string{"dropped_load", "crush", "equipment_failure"},
			EmergencyProcedures:  []string{"lower_load_if_safe", "clear_area", "report_to_supervisor"},
			MinPersonnelRequired: 3,
			ValidityHours:        8,
		},
		{
			ID:                          7,
			Name:                        "Chemical Handling",
			Category:                    "chemical",
			RiskLevel:                   "high",
			MandatoryPPE:                []string{"goggles", "chemical_gloves", "apron", "respirator"},
			SafetyChecklist:             []string{"sds_reviewed", "spill_kit_available", "eyewash_station_checked", "ventilation_adequate"},
			HazardFactors:               []string{"corrosive", "toxic", "reactive"},
			EmergencyProcedures:         []string{"flush_exposure_15_minutes", "contain_spill_if_safe", "call_first_aider"},
			RequiresMedicalSurveillance: true,
			MinPersonnelRequired:        2,
			ValidityHours:               8,
		},
		{
			ID:                   8,
			Name:                 "General Maintenance",
			Category:             "general",
			RiskLevel:            "low",
			MandatoryPPE:         []string{"helmet", "safety_boots"},
			SafetyChecklist:      []string{"work_area_inspected", "tools_checked"},
			HazardFactors:        []string{"slips_trips", "manual_handling"},
			EmergencyProcedures:  []string{"report_to_supervisor"},
			MinPersonnelRequired: 1,
			ValidityHours:        24,
		},
	}
}

// Hazards returns the static hazard library that hazard_ids reference.
func Hazards() []domain.Hazard {
	return []domain.Hazard{
		{ID: "fire", Name: "Fire or explosion"},
		{ID: "electric_shock", Name: "Electric shock"},
		{ID: "falls", Name: "Fall from height"},
		{ID: "falling_objects", Name: "Falling objects"},
		{ID: "toxic_gas", Name: "Toxic gas or vapour"},
		{ID: "oxygen_deficiency", Name: "Oxygen deficiency"},
		{ID: "collapse", Name: "Structural or ground collapse"},
		{ID: "crush", Name: "Crush or entrapment"},
		{ID: "corrosive", Name: "Corrosive substances"},
		{ID: "noise", Name: "Excessive noise"},
		{ID: "slips_trips", Name: "Slips and trips"},
		{ID: "manual_handling", Name: "Manual handling"},
		{ID: "hot_surfaces", Name: "Hot surfaces"},
		{ID: "moving_machinery", Name: "Moving machinery"},
		{ID: "confined_space", Name: "Confined space"},
	}
}

// KnownHazard reports whether id is in the hazard library.
func KnownHazard(id string) bool {
	for _, h := range Hazards() {
		if h.ID == id {
			return true
		}
	}
	return false
}
