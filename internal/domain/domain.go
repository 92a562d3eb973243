package domain

// Step indexes the ordered permit workflow steps.
type Step int

const (
	StepBasicInfo Step = iota
	StepRiskAssessment
	StepSafetyMeasures
	StepDocumentation
	StepReview
)

// StepCount is the number of workflow steps.
const StepCount = 5

func (s Step) String() string {
	switch s {
	case StepBasicInfo:
		return "basic_info"
	case StepRiskAssessment:
		return "risk_assessment"
	case StepSafetyMeasures:
		return "safety_measures"
	case StepDocumentation:
		return "documentation"
	case StepReview:
		return "review"
	}
	return "unknown"
}

// Valid reports whether s is a real step index.
func (s Step) Valid() bool {
	return s >= StepBasicInfo && s < StepCount
}

// Sync status values for a draft's remote backup.
const (
	SyncSynced  = "synced"
	SyncPending = "pending"
	SyncOffline = "offline"
)

// PermitDraft is the mutable working record for an in-progress permit.
// All steps read and write the same draft; derived values (risk score,
// per-step validity) are never stored on it.
type PermitDraft struct {
	PermitNumber        string   `json:"permit_number"`
	PermitTypeID        *int     `json:"permit_type_id,omitempty"`
	Description         string   `json:"description,omitempty"`
	Location            string   `json:"location,omitempty"`
	GPSCoordinates      string   `json:"gps_coordinates,omitempty"`
	PlannedStart        string   `json:"planned_start,omitempty" format:"date-time"`
	PlannedEnd          string   `json:"planned_end,omitempty" format:"date-time"`
	Probability         *int     `json:"probability,omitempty"`
	Severity            *int     `json:"severity,omitempty"`
	HazardIDs           []string `json:"hazard_ids,omitempty"`
	ControlMeasures     string   `json:"control_measures,omitempty"`
	PPESelections       []string `json:"ppe_selections,omitempty"`
	SafetyChecklist     []string `json:"safety_checklist,omitempty"`
	RequiresIsolation   bool     `json:"requires_isolation"`
	IsolationDetails    string   `json:"isolation_details,omitempty"`
	TrainingVerified    bool     `json:"training_verified"`
	SpecialInstructions string   `json:"special_instructions,omitempty"`
	Attachments         []string `json:"attachments,omitempty"`
	CurrentStep         Step     `json:"current_step"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
	LastSavedAt         *string  `json:"last_saved_at,omitempty" format:"date-time"`
	SyncStatus          string   `json:"sync_status" enum:"synced,pending,offline"`
}

// Empty reports whether the user has entered anything yet. Autosave
// skips completely untouched drafts.
func (d PermitDraft) Empty() bool {
	return d.PermitTypeID == nil &&
		d.Description == "" &&
		d.Location == "" &&
		d.PlannedStart == "" &&
		d.PlannedEnd == "" &&
		d.Probability == nil &&
		d.Severity == nil &&
		len(d.HazardIDs) == 0 &&
		d.ControlMeasures == "" &&
		len(d.PPESelections) == 0 &&
		len(d.SafetyChecklist) == 0 &&
		len(d.Attachments) == 0
}

// PermitType is a read-only catalog entry describing a category of
// hazardous work and the controls it mandates.
type PermitType struct {
	ID                          int      `json:"id"`
	Name                        string   `json:"name"`
	Category                    string   `json:"category"`
	RiskLevel                   string   `json:"risk_level"`
	MandatoryPPE                []string `json:"mandatory_ppe"`
	SafetyChecklist             []string `json:"safety_checklist"`
	HazardFactors               []string `json:"hazard_factors"`
	EmergencyProcedures         []string `json:"emergency_procedures"`
	RequiresGasTesting          bool     `json:"requires_gas_testing"`
	RequiresFireWatch           bool     `json:"requires_fire_watch"`
	RequiresIsolation           bool     `json:"requires_isolation"`
	RequiresMedicalSurveillance bool     `json:"requires_medical_surveillance"`
	MinPersonnelRequired        int      `json:"min_personnel_required"`
	ValidityHours               int      `json:"validity_hours"`
}

// Hazard is an entry in the static hazard library.
type Hazard struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FieldError is a recoverable validation error tied to a single field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// StepState is the derived validity of one step, computed on demand.
type StepState struct {
	Step   Step         `json:"step"`
	Name   string       `json:"name"`
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors,omitempty"`
}

// Event is one entry in the append-only draft event log.
type Event struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Type         string `json:"type"`
	PermitNumber string `json:"permit_number,omitempty"`
	ActorID      string `json:"actor_id"`
	Payload      string `json:"payload_json"`
}

// SubmissionReceipt is what the external submission service returns on
// success: the server-assigned permit record that retires the draft.
type SubmissionReceipt struct {
	PermitNumber string `json:"permit_number"`
	ServerNumber string `json:"server_number"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submitted_at" format:"date-time"`
}
