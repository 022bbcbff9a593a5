package run

import (
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// StepStatus is the terminal status of one step execution.
type StepStatus string

const (
	// StepPass means the first attempt succeeded.
	StepPass StepStatus = "PASS"
	// StepRetry means a retry succeeded after at least one failed attempt.
	StepRetry StepStatus = "RETRY"
	// StepFail means every attempt failed.
	StepFail StepStatus = "FAIL"
	// StepSkipped means the step's when condition evaluated false.
	StepSkipped StepStatus = "SKIPPED"
)

// EvidenceKind distinguishes artifact types attached to a step.
type EvidenceKind string

const (
	EvidenceScreenshot EvidenceKind = "screenshot"
	EvidenceDOMSchema  EvidenceKind = "dom_schema"
)

// Evidence points at a stored artifact. Keys are content-addressed by
// run, step, and kind, so re-writes of the same evidence are idempotent.
type Evidence struct {
	Kind EvidenceKind `json:"kind"`
	Key  string       `json:"key"`
}

// RecoveryAction is one structured note from self-recovery: what the
// executor tried between a failed attempt and the next one.
type RecoveryAction struct {
	Kind   string    `json:"kind"` // reload, scroll, wait, patch_applied
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// StepResult is the persisted outcome of one step.
type StepResult struct {
	StepIndex int        `json:"step_index"`
	Action    string     `json:"action"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`

	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`

	// Output carries action-defined fields (found, paths, page_count,
	// url, ...) referenced by later steps. Values containing secrets are
	// masked before the result is persisted.
	Output map[string]any `json:"output,omitempty"`

	RecoveryActions []RecoveryAction `json:"recovery_actions,omitempty"`
	Evidence        []Evidence       `json:"evidence,omitempty"`

	Error *fault.Fault `json:"error,omitempty"`
}

// Succeeded reports whether the step ended in a non-failure status.
func (sr StepResult) Succeeded() bool {
	return sr.Status == StepPass || sr.Status == StepRetry || sr.Status == StepSkipped
}
