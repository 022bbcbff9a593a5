package run

import "time"

// PatchKind is the closed set of differential patch types the planner may
// propose.
type PatchKind string

const (
	PatchReplaceText    PatchKind = "replace_text"
	PatchFallbackSearch PatchKind = "fallback_search"
	PatchWaitTuning     PatchKind = "wait_tuning"
	PatchAddStep        PatchKind = "add_step"
)

// Replacement swaps one UI text for another in matching step params.
type Replacement struct {
	Find       string  `json:"find"`
	With       string  `json:"with"`
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
}

// FallbackSearch widens element lookup with synonym candidates.
type FallbackSearch struct {
	Goal       string   `json:"goal"`
	Synonyms   []string `json:"synonyms"`
	Role       string   `json:"role"`
	Attempts   int      `json:"attempts"`
	Confidence float64  `json:"confidence"`
}

// WaitTuning raises the timeout of a wait action.
type WaitTuning struct {
	Action     string  `json:"action"`
	TimeoutMS  int     `json:"timeout_ms"`
	Confidence float64 `json:"confidence"`
}

// Patch is one differential change proposed against the in-memory plan of
// a running execution. Exactly one payload field matching Kind is set.
// Template files on disk are never modified by patch application.
type Patch struct {
	Kind PatchKind `json:"kind"`

	Replacements []Replacement   `json:"replacements,omitempty"`
	Fallback     *FallbackSearch `json:"fallback_search,omitempty"`
	WaitTuning   *WaitTuning     `json:"wait_tuning,omitempty"`
	NewStep      map[string]any  `json:"new_step,omitempty"`

	Confidence  float64   `json:"confidence"`
	RiskLevel   Severity  `json:"risk_level"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PatchRecord is the persisted trace of a proposal and its adoption
// outcome.
type PatchRecord struct {
	ID        int64  `json:"id"`
	RunID     int64  `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Patch     Patch  `json:"patch"`
	Adopted   bool   `json:"adopted"`
	Auto      bool   `json:"auto"`
	Reason    string `json:"reason"`

	AppliedAt *time.Time `json:"applied_at,omitempty"`
}
