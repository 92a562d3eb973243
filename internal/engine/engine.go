package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"permitline/internal/catalog"
	"permitline/internal/config"
	"permitline/internal/domain"
	"permitline/internal/draftsync"
	"permitline/internal/events"
	"permitline/internal/gate"
	"permitline/internal/geo"
	"permitline/internal/remote"
	"permitline/internal/repo"
	"permitline/internal/risk"
	"permitline/internal/submit"
)

// Submitter dispatches a transformed payload to the external
// submission service.
type Submitter interface {
	Submit(ctx context.Context, p submit.Payload) (domain.SubmissionReceipt, error)
}

// Engine owns the draft sessions and the shared collaborators: local
// store, event log, catalog resolver, submission client.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Resolver  *catalog.Resolver
	Gate      gate.Gate
	Submitter Submitter
	Locator   geo.Locator
	Autosave  time.Duration
	Now       func() time.Time

	pusher   draftsync.Pusher
	mu       sync.Mutex
	sessions map[string]*Session
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	r := repo.Repo{DB: db}
	minter := remote.TokenMinter{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		TTL:    time.Duration(cfg.Auth.TTLSeconds) * time.Second,
	}
	e := &Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Resolver: &catalog.Resolver{
			Source: catalog.HTTPSource{
				URL:    cfg.Catalog.URL,
				Client: &http.Client{Timeout: time.Duration(cfg.Catalog.TimeoutSeconds) * time.Second},
			},
			Cache: r,
		},
		Submitter: submit.Client{
			URL:        cfg.Submission.URL,
			HTTPClient: &http.Client{Timeout: time.Duration(cfg.Submission.TimeoutSeconds) * time.Second},
			Auth:       minter,
		},
		Autosave: time.Duration(cfg.Autosave.IntervalSeconds) * time.Second,
		Now:      time.Now,
		sessions: map[string]*Session{},
	}
	if cfg.Geolocation.URL != "" {
		e.Locator = geo.HTTPLocator{
			URL:    cfg.Geolocation.URL,
			Client: &http.Client{Timeout: time.Duration(cfg.Geolocation.TimeoutSeconds) * time.Second},
		}
	}
	e.syncPusher(minter)
	return e
}

func (e *Engine) syncPusher(minter remote.TokenMinter) {
	if e.Config.DraftSync.URL == "" {
		return
	}
	e.pusher = draftsync.HTTPPusher{
		URL:        e.Config.DraftSync.URL,
		HTTPClient: &http.Client{Timeout: time.Duration(e.Config.DraftSync.TimeoutSeconds) * time.Second},
		Auth:       minter,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// NewDraft mints a permit number, persists an empty draft, and opens a
// session for it. The number is immutable from here on.
func (e *Engine) NewDraft(ctx context.Context, actorID string) (*Session, error) {
	number, err := e.Repo.NextPermitNumber(ctx, e.now())
	if err != nil {
		return nil, fmt.Errorf("mint permit number: %w", err)
	}
	d := domain.PermitDraft{
		PermitNumber: number,
		CurrentStep:  domain.StepBasicInfo,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
		SyncStatus:   domain.SyncPending,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDraft(ctx, tx, d); err != nil {
		return nil, fmt.Errorf("insert draft: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "draft.created", number, actorID, events.EventPayload{"step": d.CurrentStep.String()}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.attach(d), nil
}

// OpenDraft recovers the last autosaved snapshot of an existing draft.
// If a session for the permit number is already open it is returned
// instead of creating a second writer.
func (e *Engine) OpenDraft(ctx context.Context, permitNumber string) (*Session, error) {
	e.mu.Lock()
	if s, ok := e.sessions[permitNumber]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()
	d, err := e.Repo.GetDraft(ctx, permitNumber)
	if err != nil {
		return nil, err
	}
	s := e.attach(d)
	s.resolveType(ctx)
	return s, nil
}

// attach installs a session for the draft, or returns the session a
// concurrent open already installed. The map check and insert happen
// under one lock acquisition so two racing opens can never both become
// writers; the loser's freshly loaded draft is discarded in favor of
// the winner's live state.
func (e *Engine) attach(d domain.PermitDraft) *Session {
	e.mu.Lock()
	if s, ok := e.sessions[d.PermitNumber]; ok {
		e.mu.Unlock()
		return s
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		engine: e,
		draft:  d,
		ctx:    ctx,
		cancel: cancel,
	}
	s.autosave = &draftsync.Controller{
		Interval: e.Autosave,
		Source:   s.snapshot,
		Local:    sessionStore{s},
		Remote:   e.pusher,
		OnStatus: s.setSyncStatus,
	}
	e.sessions[d.PermitNumber] = s
	e.mu.Unlock()
	s.autosave.Start(ctx)
	return s
}

func (e *Engine) detach(permitNumber string) {
	e.mu.Lock()
	delete(e.sessions, permitNumber)
	e.mu.Unlock()
}

// StepBlockedError is returned when forward navigation is refused.
type StepBlockedError struct {
	Step   domain.Step
	Errors []domain.FieldError
}

func (e *StepBlockedError) Error() string {
	return fmt.Sprintf("step %s has %d unresolved errors", e.Step, len(e.Errors))
}

// ErrSubmissionInFlight guards against duplicate submissions while one
// call is outstanding.
var ErrSubmissionInFlight = errors.New("submission already in flight")

// ErrLockedField is returned when a catalog-forced flag is edited.
var ErrLockedField = errors.New("field is locked by the permit type")

// FieldPatch is one user input event: only non-nil fields are applied,
// in declaration order.
type FieldPatch struct {
	PermitTypeID        *int      `json:"permit_type_id,omitempty"`
	Description         *string   `json:"description,omitempty"`
	Location            *string   `json:"location,omitempty"`
	GPSCoordinates      *string   `json:"gps_coordinates,omitempty"`
	PlannedStart        *string   `json:"planned_start,omitempty"`
	PlannedEnd          *string   `json:"planned_end,omitempty"`
	Probability         *int      `json:"probability,omitempty"`
	Severity            *int      `json:"severity,omitempty"`
	HazardIDs           *[]string `json:"hazard_ids,omitempty"`
	ControlMeasures     *string   `json:"control_measures,omitempty"`
	PPESelections       *[]string `json:"ppe_selections,omitempty"`
	SafetyChecklist     *[]string `json:"safety_checklist,omitempty"`
	RequiresIsolation   *bool     `json:"requires_isolation,omitempty"`
	IsolationDetails    *string   `json:"isolation_details,omitempty"`
	TrainingVerified    *bool     `json:"training_verified,omitempty"`
	SpecialInstructions *string   `json:"special_instructions,omitempty"`
	Attachments         *[]string `json:"attachments,omitempty"`
}

// Session is the single active owner of one draft. All mutations
// serialize on its lock, so field events apply in arrival order and
// derived values are never more than one mutation behind.
type Session struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	draft      domain.PermitDraft
	permitType *domain.PermitType
	degraded   bool
	autosave   *draftsync.Controller
	submitting bool
	closed     bool
}

// Draft returns a copy of the current draft state.
func (s *Session) Draft() domain.PermitDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// PermitType returns the resolved catalog entry for the draft's type,
// or nil when none is selected or resolvable.
func (s *Session) PermitType() *domain.PermitType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permitType == nil {
		return nil
	}
	pt := *s.permitType
	return &pt
}

// Merge applies one field patch and persists the result. The risk
// projection and catalog constraints are recomputed synchronously for
// any relevant field, so readers never observe a stale derivation.
func (s *Session) Merge(ctx context.Context, patch FieldPatch, actorID string) (domain.PermitDraft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.draft, fmt.Errorf("draft %s is retired", s.draft.PermitNumber)
	}
	if patch.Probability != nil && (*patch.Probability < 1 || *patch.Probability > 5) {
		return s.draft, fmt.Errorf("probability %d out of range [1,5]", *patch.Probability)
	}
	if patch.Severity != nil && (*patch.Severity < 1 || *patch.Severity > 5) {
		return s.draft, fmt.Errorf("severity %d out of range [1,5]", *patch.Severity)
	}
	if err := s.checkLockedFlags(patch); err != nil {
		return s.draft, err
	}

	typeChanged := false
	if patch.PermitTypeID != nil {
		if s.draft.PermitTypeID == nil || *s.draft.PermitTypeID != *patch.PermitTypeID {
			typeChanged = true
		}
		s.draft.PermitTypeID = patch.PermitTypeID
	}
	applyString(&s.draft.Description, patch.Description)
	applyString(&s.draft.Location, patch.Location)
	applyString(&s.draft.GPSCoordinates, patch.GPSCoordinates)
	applyString(&s.draft.PlannedStart, patch.PlannedStart)
	applyString(&s.draft.PlannedEnd, patch.PlannedEnd)
	if patch.Probability != nil {
		s.draft.Probability = patch.Probability
	}
	if patch.Severity != nil {
		s.draft.Severity = patch.Severity
	}
	if patch.HazardIDs != nil {
		s.draft.HazardIDs = *patch.HazardIDs
	}
	applyString(&s.draft.ControlMeasures, patch.ControlMeasures)
	if patch.PPESelections != nil {
		s.draft.PPESelections = *patch.PPESelections
	}
	if patch.SafetyChecklist != nil {
		s.draft.SafetyChecklist = *patch.SafetyChecklist
	}
	if patch.RequiresIsolation != nil {
		s.draft.RequiresIsolation = *patch.RequiresIsolation
	}
	applyString(&s.draft.IsolationDetails, patch.IsolationDetails)
	if patch.TrainingVerified != nil {
		s.draft.TrainingVerified = *patch.TrainingVerified
	}
	applyString(&s.draft.SpecialInstructions, patch.SpecialInstructions)
	if patch.Attachments != nil {
		s.draft.Attachments = *patch.Attachments
	}

	if typeChanged {
		// constraints are cached only until the next type change
		s.engine.Resolver.Invalidate()
		s.resolveTypeLocked(ctx)
	}
	if err := s.persistLocked(ctx, actorID, "draft.updated", events.EventPayload{"step": s.draft.CurrentStep.String()}); err != nil {
		return s.draft, err
	}
	return s.draft, nil
}

// checkLockedFlags refuses edits that would clear a catalog-forced
// boolean; the engine never silently reverts user input either way.
func (s *Session) checkLockedFlags(patch FieldPatch) error {
	if s.permitType == nil {
		return nil
	}
	c := catalog.DeriveConstraints(*s.permitType)
	if c.ForceIsolation && patch.RequiresIsolation != nil && !*patch.RequiresIsolation {
		return fmt.Errorf("requires_isolation: %w", ErrLockedField)
	}
	if c.ForceTraining && patch.TrainingVerified != nil && !*patch.TrainingVerified {
		return fmt.Errorf("training_verified: %w", ErrLockedField)
	}
	return nil
}

func (s *Session) resolveType(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveTypeLocked(ctx)
}

func (s *Session) resolveTypeLocked(ctx context.Context) {
	s.permitType = nil
	s.degraded = false
	if s.draft.PermitTypeID == nil {
		return
	}
	// a torn-down session must not apply a late fetch result
	if s.ctx.Err() != nil {
		return
	}
	pt, degraded, err := s.engine.Resolver.Resolve(s.ctx, *s.draft.PermitTypeID)
	if err != nil {
		return
	}
	s.permitType = &pt
	s.degraded = degraded
	c := catalog.DeriveConstraints(pt)
	if c.ForceIsolation {
		s.draft.RequiresIsolation = true
	}
	if c.ForceTraining {
		s.draft.TrainingVerified = true
	}
}

// Degraded reports whether the current permit type came from the
// cached or bundled catalog instead of a live fetch.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Risk recomputes the risk projection from the current inputs. Nil
// until both ordinals are set.
func (s *Session) Risk() *risk.Assessment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gate.Band(s.draft)
}

// StepStates computes every step's validity on demand.
func (s *Session) StepStates() []domain.StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Gate.States(s.draft, s.permitType)
}

// Current returns the active step index.
func (s *Session) Current() domain.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.CurrentStep
}

// Next advances one step iff the current step validates. Advancing
// past the last step is a no-op.
func (s *Session) Next(ctx context.Context, actorID string) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.engine.Gate.Validate(s.draft.CurrentStep, s.draft, s.permitType)
	if !res.OK {
		return s.draft.CurrentStep, &StepBlockedError{Step: s.draft.CurrentStep, Errors: res.Errors}
	}
	if s.draft.CurrentStep >= domain.StepReview {
		return s.draft.CurrentStep, nil
	}
	from := s.draft.CurrentStep
	s.draft.CurrentStep++
	if err := s.persistLocked(ctx, actorID, "step.advanced", events.EventPayload{
		"from": from.String(),
		"to":   s.draft.CurrentStep.String(),
	}); err != nil {
		s.draft.CurrentStep = from
		return from, err
	}
	return s.draft.CurrentStep, nil
}

// Prev always succeeds; users revisit earlier answers without penalty.
// Going back from the first step is a no-op.
func (s *Session) Prev(ctx context.Context, actorID string) (domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft.CurrentStep <= domain.StepBasicInfo {
		return s.draft.CurrentStep, nil
	}
	from := s.draft.CurrentStep
	s.draft.CurrentStep--
	if err := s.persistLocked(ctx, actorID, "step.reverted", events.EventPayload{
		"from": from.String(),
		"to":   s.draft.CurrentStep.String(),
	}); err != nil {
		s.draft.CurrentStep = from
		return from, err
	}
	return s.draft.CurrentStep, nil
}

// Goto jumps to a step from an explicit step-indicator action.
// Backward jumps always succeed; forward jumps are denied unless every
// intervening step validates.
func (s *Session) Goto(ctx context.Context, target domain.Step, actorID string) (domain.Step, error) {
	if !target.Valid() {
		return s.Current(), fmt.Errorf("step %d out of range", target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if target > s.draft.CurrentStep {
		for step := s.draft.CurrentStep; step < target; step++ {
			res := s.engine.Gate.Validate(step, s.draft, s.permitType)
			if !res.OK {
				return s.draft.CurrentStep, &StepBlockedError{Step: step, Errors: res.Errors}
			}
		}
	}
	if target == s.draft.CurrentStep {
		return target, nil
	}
	from := s.draft.CurrentStep
	s.draft.CurrentStep = target
	evt := "step.advanced"
	if target < from {
		evt = "step.reverted"
	}
	if err := s.persistLocked(ctx, actorID, evt, events.EventPayload{
		"from": from.String(),
		"to":   target.String(),
	}); err != nil {
		s.draft.CurrentStep = from
		return from, err
	}
	return target, nil
}

// Locate asks the configured geolocation provider for coordinates. On
// denial or timeout the field is left for manual entry; it is never
// populated with a stale or default value.
func (s *Session) Locate(ctx context.Context, actorID string) (string, error) {
	if s.engine.Locator == nil {
		return "", fmt.Errorf("no geolocation provider configured")
	}
	lat, lon, err := s.engine.Locator.Locate(ctx)
	if err != nil {
		return "", err
	}
	coords := fmt.Sprintf("%.6f,%.6f", lat, lon)
	_, err = s.Merge(ctx, FieldPatch{GPSCoordinates: &coords}, actorID)
	return coords, err
}

// Submit runs the terminal gate, transforms the draft, and dispatches
// the single atomic submission call. While one call is outstanding all
// further submits are refused. On success the draft is retired and the
// session closed; on any failure the draft is preserved for retry.
func (s *Session) Submit(ctx context.Context, actorID string) (domain.SubmissionReceipt, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.SubmissionReceipt{}, fmt.Errorf("draft %s is retired", s.draft.PermitNumber)
	}
	if s.submitting {
		s.mu.Unlock()
		return domain.SubmissionReceipt{}, ErrSubmissionInFlight
	}
	payload, failure := submit.Transform(s.engine.Gate, s.draft, s.permitType)
	if failure != nil {
		s.mu.Unlock()
		return domain.SubmissionReceipt{}, failure
	}
	s.submitting = true
	number := s.draft.PermitNumber
	s.mu.Unlock()

	receipt, err := s.engine.Submitter.Submit(ctx, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = false
	if err != nil {
		s.recordSubmitFailure(ctx, actorID, err)
		return domain.SubmissionReceipt{}, err
	}
	receipt.PermitNumber = number
	receipt.SubmittedAt = s.engine.now().UTC().Format(time.RFC3339)
	if err := s.retireLocked(ctx, actorID, receipt); err != nil {
		return domain.SubmissionReceipt{}, err
	}
	return receipt, nil
}

func (s *Session) recordSubmitFailure(ctx context.Context, actorID string, cause error) {
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	evt := "draft.submit_failed"
	var verr *submit.RemoteValidationError
	if errors.As(cause, &verr) {
		evt = "draft.submit_rejected"
	}
	if err := s.engine.Events.Append(ctx, tx, evt, s.draft.PermitNumber, actorID, events.EventPayload{"error": cause.Error()}); err != nil {
		return
	}
	_ = tx.Commit()
}

func (s *Session) retireLocked(ctx context.Context, actorID string, receipt domain.SubmissionReceipt) error {
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.engine.Repo.RetireDraft(ctx, tx, receipt.PermitNumber); err != nil {
		return err
	}
	if err := s.engine.Repo.InsertReceipt(ctx, tx, receipt); err != nil {
		return err
	}
	if err := s.engine.Events.Append(ctx, tx, "draft.submitted", receipt.PermitNumber, actorID, events.EventPayload{
		"server_number": receipt.ServerNumber,
		"status":        receipt.Status,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.closed = true
	s.cancel()
	go s.autosave.Stop()
	s.engine.detach(receipt.PermitNumber)
	return nil
}

// Close tears the session down: the autosave loop stops, in-flight
// catalog fetches are canceled, and a final local snapshot is written.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	number := s.draft.PermitNumber
	s.mu.Unlock()

	s.cancel()
	s.autosave.Stop()
	s.engine.detach(number)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft.Empty() {
		return nil
	}
	return s.saveLocked(ctx)
}

func (s *Session) snapshot() (domain.PermitDraft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.PermitDraft{}, false
	}
	return s.draft, true
}

func (s *Session) setSyncStatus(status string) {
	s.mu.Lock()
	s.draft.SyncStatus = status
	s.mu.Unlock()
}

// persistLocked writes the draft and an event in one transaction.
// Callers hold the session lock.
func (s *Session) persistLocked(ctx context.Context, actorID, evtType string, payload events.EventPayload) error {
	now := s.engine.now().UTC().Format(time.RFC3339)
	s.draft.LastSavedAt = &now
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.engine.Repo.SaveDraft(ctx, tx, s.draft); err != nil {
		return err
	}
	if err := s.engine.Events.Append(ctx, tx, evtType, s.draft.PermitNumber, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Session) saveLocked(ctx context.Context) error {
	now := s.engine.now().UTC().Format(time.RFC3339)
	s.draft.LastSavedAt = &now
	tx, err := s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.engine.Repo.SaveDraft(ctx, tx, s.draft); err != nil {
		return err
	}
	return tx.Commit()
}

// sessionStore adapts a session to the autosave controller's local
// store: every tick lands a durable snapshot keyed by permit number.
type sessionStore struct {
	s *Session
}

func (st sessionStore) Save(ctx context.Context, d domain.PermitDraft) error {
	now := st.s.engine.now().UTC().Format(time.RFC3339)
	d.LastSavedAt = &now
	tx, err := st.s.engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := st.s.engine.Repo.SaveDraft(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	st.s.mu.Lock()
	st.s.draft.LastSavedAt = &now
	st.s.mu.Unlock()
	return nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
