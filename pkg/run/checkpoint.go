package run

import "time"

// CheckpointReason records why a checkpoint was written.
type CheckpointReason string

const (
	CheckpointHITL     CheckpointReason = "hitl"
	CheckpointPause    CheckpointReason = "pause"
	CheckpointInterval CheckpointReason = "interval"
	CheckpointCancel   CheckpointReason = "cancel"
	CheckpointError    CheckpointReason = "error"
)

// Checkpoint is the resume point of a suspended run: everything the
// executor needs to reconstruct scope and continue at NextStepIndex.
// Written atomically before any suspension and every N completed steps.
type Checkpoint struct {
	RunID         int64 `json:"run_id"`
	NextStepIndex int   `json:"next_step_index"`

	// Variables is the effective variable scope at suspension, secrets
	// masked. Secret references re-resolve on resume.
	Variables map[string]any `json:"variables,omitempty"`

	// StepOutputs maps completed step index to its output fields.
	StepOutputs map[int]map[string]any `json:"step_outputs,omitempty"`

	// EngineContexts carries opaque per-engine session state (browser
	// tab handles, mail draft ids) keyed by engine name.
	EngineContexts map[string]any `json:"engine_contexts,omitempty"`

	Reason    CheckpointReason `json:"reason"`
	CreatedAt time.Time        `json:"created_at"`
}
