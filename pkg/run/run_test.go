package run

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineEdges(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateQueued, StateRunning},
		{StateQueued, StateFailed}, // policy block before start
		{StateQueued, StateCancelled},
		{StateRunning, StateWaitingApproval},
		{StateWaitingApproval, StateRunning},
		{StateRunning, StatePaused},
		{StatePaused, StateRunning},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StatePaused, StateCancelled},
		{StateWaitingApproval, StateFailed},
	}
	for _, e := range legal {
		assert.True(t, e.from.CanTransitionTo(e.to), "%s -> %s", e.from, e.to)
	}

	illegal := []struct{ from, to State }{
		{StateQueued, StateCompleted},
		{StateQueued, StatePaused},
		{StateCompleted, StateRunning},
		{StateFailed, StateRunning},
		{StateCancelled, StateQueued},
		{StatePaused, StateCompleted},
	}
	for _, e := range illegal {
		assert.False(t, e.from.CanTransitionTo(e.to), "%s -> %s", e.from, e.to)
	}
}

func TestTransitionStampsTimes(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := &Run{State: StateQueued, CreatedAt: now}

	require.NoError(t, r.Transition(StateRunning, now.Add(time.Second)))
	require.NotNil(t, r.StartedAt)
	assert.Equal(t, now.Add(time.Second), *r.StartedAt)
	assert.Nil(t, r.FinishedAt)

	// Suspend and resume does not reset started_at.
	require.NoError(t, r.Transition(StateWaitingApproval, now.Add(2*time.Second)))
	require.NoError(t, r.Transition(StateRunning, now.Add(3*time.Second)))
	assert.Equal(t, now.Add(time.Second), *r.StartedAt)

	require.NoError(t, r.Transition(StateCompleted, now.Add(4*time.Second)))
	require.NotNil(t, r.FinishedAt)
	assert.Equal(t, now.Add(4*time.Second), *r.FinishedAt)
	assert.True(t, r.State.Terminal())
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	r := &Run{State: StateCompleted}
	err := r.Transition(StateRunning, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal run transition")
}

func TestUpsertResultKeepsOrder(t *testing.T) {
	r := &Run{}
	r.UpsertResult(StepResult{StepIndex: 2, Status: StepPass})
	r.UpsertResult(StepResult{StepIndex: 0, Status: StepPass})
	r.UpsertResult(StepResult{StepIndex: 1, Status: StepFail})
	r.UpsertResult(StepResult{StepIndex: 1, Status: StepRetry}) // replace

	var idxs []int
	for _, sr := range r.StepResults {
		idxs = append(idxs, sr.StepIndex)
	}
	assert.Equal(t, []int{0, 1, 2}, idxs)

	got, ok := r.ResultFor(1)
	require.True(t, ok)
	assert.Equal(t, StepRetry, got.Status)

	_, ok = r.ResultFor(9)
	assert.False(t, ok)
}

func TestNewPublicIDShape(t *testing.T) {
	a, b := NewPublicID(), NewPublicID()
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.NotEqual(t, a, b)
}

func TestApprovalExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	a := &Approval{Status: ApprovalPending, ExpiresAt: now.Add(time.Minute)}

	assert.False(t, a.Expired(now))
	assert.True(t, a.Expired(now.Add(2*time.Minute)))
	assert.False(t, a.Decided())

	a.Status = ApprovalDenied
	assert.True(t, a.Decided())
}

func TestStepResultSucceeded(t *testing.T) {
	assert.True(t, StepResult{Status: StepPass}.Succeeded())
	assert.True(t, StepResult{Status: StepRetry}.Succeeded())
	assert.True(t, StepResult{Status: StepSkipped}.Succeeded())
	assert.False(t, StepResult{Status: StepFail}.Succeeded())
}
