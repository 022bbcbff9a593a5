package run

import "time"

// ApprovalState tracks the lifecycle of a human confirmation request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalDenied   ApprovalState = "DENIED"
	ApprovalTimedOut ApprovalState = "TIMED_OUT"
)

// AutoAction is what happens when an approval expires undecided.
type AutoAction string

const (
	AutoDeny    AutoAction = "deny"
	AutoApprove AutoAction = "approve"
)

// Approval is a pending or decided human_confirm record. The run stays in
// WAITING_APPROVAL while the approval is PENDING.
type Approval struct {
	ID        string `json:"id"`
	RunID     int64  `json:"run_id"`
	StepIndex int    `json:"step_index"`

	Message      string     `json:"message"`
	RequiredRole string     `json:"required_role,omitempty"`
	AutoAction   AutoAction `json:"auto_action"`

	Status      ApprovalState `json:"status"`
	RequestedAt time.Time     `json:"requested_at"`
	ExpiresAt   time.Time     `json:"expires_at"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Comment   string     `json:"comment,omitempty"`
}

// Expired reports whether the approval deadline has passed.
func (a *Approval) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// Decided reports whether a terminal decision was recorded.
func (a *Approval) Decided() bool {
	return a.Status != ApprovalPending
}
