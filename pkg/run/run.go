// Package run defines the execution-side domain types shared by the
// executor, the stores, and the API surface: runs and their state machine,
// per-step results, checkpoints, deviations, patches, and approvals.
package run

import (
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
)

// State is the lifecycle phase of a run.
type State string

const (
	StateQueued          State = "QUEUED"
	StateRunning         State = "RUNNING"
	StatePaused          State = "PAUSED"
	StateWaitingApproval State = "WAITING_APPROVAL"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
	StateCancelled       State = "CANCELLED"
)

// validTransitions encodes the run state machine. QUEUED may fail directly
// (policy block before start); terminal states have no outgoing edges.
var validTransitions = map[State][]State{
	StateQueued:          {StateRunning, StateFailed, StateCancelled},
	StateRunning:         {StatePaused, StateWaitingApproval, StateCompleted, StateFailed, StateCancelled},
	StatePaused:          {StateRunning, StateFailed, StateCancelled},
	StateWaitingApproval: {StateRunning, StateFailed, StateCancelled},
}

// CanTransitionTo reports whether the edge s -> to is legal.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Run is one execution of a plan. Once queued it is owned exclusively by
// the executor; everything else reads it through the store.
type Run struct {
	ID       int64  `json:"run_id"`
	PublicID string `json:"public_id"`

	PlanRef  string `json:"plan_ref"`
	PlanName string `json:"plan_name,omitempty"`

	// VariablesResolved holds the effective variables with every
	// sensitive value already masked. Raw secret values never reach
	// this map.
	VariablesResolved map[string]any     `json:"variables_resolved,omitempty"`
	Manifest          *manifest.Manifest `json:"manifest,omitempty"`

	State    State  `json:"state"`
	Queue    string `json:"queue"`
	Priority int    `json:"priority"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// StepResults is ordered by step index and sparse while the run is
	// in progress.
	StepResults []StepResult `json:"step_results,omitempty"`

	// Error is the first-error card for failed runs.
	Error *fault.Fault `json:"error,omitempty"`
}

// NewPublicID mints the opaque identifier exposed by the API and CLI.
func NewPublicID() string {
	return "run_" + uuid.NewString()
}

// Transition moves the run to a new state, stamping started_at on the
// first entry into RUNNING and finished_at on terminal entry. Illegal
// edges return INTERNAL: the state machine is a programming contract, not
// user input.
func (r *Run) Transition(to State, now time.Time) error {
	if !r.State.CanTransitionTo(to) {
		return fault.New(fault.CodeInternal, "illegal run transition %s -> %s", r.State, to)
	}
	if to == StateRunning && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		r.FinishedAt = &t
	}
	r.State = to
	return nil
}

// ResultFor returns the recorded result for a step index, if any.
func (r *Run) ResultFor(stepIndex int) (StepResult, bool) {
	for _, sr := range r.StepResults {
		if sr.StepIndex == stepIndex {
			return sr, true
		}
	}
	return StepResult{}, false
}

// UpsertResult records a step result, replacing any prior record for the
// same index and keeping the slice ordered.
func (r *Run) UpsertResult(sr StepResult) {
	for i := range r.StepResults {
		if r.StepResults[i].StepIndex == sr.StepIndex {
			r.StepResults[i] = sr
			return
		}
		if r.StepResults[i].StepIndex > sr.StepIndex {
			r.StepResults = append(r.StepResults[:i], append([]StepResult{sr}, r.StepResults[i:]...)...)
			return
		}
	}
	r.StepResults = append(r.StepResults, sr)
}
