package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/run"
)

func queuedRun(name string, priority int) *run.Run {
	return &run.Run{PublicID: run.NewPublicID(), PlanRef: name, Queue: "default", Priority: priority, State: run.StateQueued}
}

func TestPriorityOrder(t *testing.T) {
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 1, MaxQueued: 10}}, nil)

	require.NoError(t, m.Enqueue(queuedRun("low", 9)))
	require.NoError(t, m.Enqueue(queuedRun("high", 1)))
	require.NoError(t, m.Enqueue(queuedRun("mid", 5)))

	r, ok := m.Dequeue("default")
	require.True(t, ok)
	assert.Equal(t, "high", r.PlanRef, "priority 1 wins")
	m.Release("default")

	r, ok = m.Dequeue("default")
	require.True(t, ok)
	assert.Equal(t, "mid", r.PlanRef)
}

func TestFIFOWithinPriority(t *testing.T) {
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 3, MaxQueued: 10}}, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Enqueue(queuedRun(fmt.Sprintf("r%d", i), 5)))
	}
	for i := 0; i < 3; i++ {
		r, ok := m.Dequeue("default")
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("r%d", i), r.PlanRef)
	}
}

func TestQueueFull(t *testing.T) {
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 1, MaxQueued: 2}}, nil)
	require.NoError(t, m.Enqueue(queuedRun("a", 5)))
	require.NoError(t, m.Enqueue(queuedRun("b", 5)))

	err := m.Enqueue(queuedRun("c", 5))
	require.Error(t, err)
	assert.Equal(t, fault.CodeQueueFull, fault.CodeOf(err))
}

func TestMaxConcurrent(t *testing.T) {
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 2, MaxQueued: 10}}, nil)
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Enqueue(queuedRun(fmt.Sprintf("r%d", i), 5)))
	}

	_, ok := m.Dequeue("default")
	require.True(t, ok)
	_, ok = m.Dequeue("default")
	require.True(t, ok)

	_, ok = m.Dequeue("default")
	assert.False(t, ok, "both slots occupied")
	assert.Equal(t, 2, m.Running("default"))
	assert.Equal(t, 2, m.Depth("default"))

	m.Release("default")
	_, ok = m.Dequeue("default")
	assert.True(t, ok, "released slot is reusable")
}

func TestUnknownQueueGetsDefaults(t *testing.T) {
	m := NewManager(nil, nil)
	r := queuedRun("a", 5)
	r.Queue = "reports"
	require.NoError(t, m.Enqueue(r))
	assert.Equal(t, 1, m.Depth("reports"))
}

func TestPeakDepthWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 1, MaxQueued: 100}}, nil).
		WithClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Enqueue(queuedRun(fmt.Sprintf("r%d", i), 5)))
	}
	assert.Equal(t, 5, m.PeakDepth("default", 24*time.Hour))

	// Depth samples older than the window fall out.
	now = base.Add(25 * time.Hour)
	assert.Equal(t, 0, m.PeakDepth("default", 24*time.Hour))

	require.NoError(t, m.Enqueue(queuedRun("late", 5)))
	assert.Equal(t, 6, m.PeakDepth("default", 24*time.Hour))
}

func TestWorkersDrainQueue(t *testing.T) {
	m := NewManager(map[string]Config{"default": {MaxConcurrent: 2, MaxQueued: 50}}, nil)

	var mu sync.Mutex
	handled := map[string]bool{}
	done := make(chan struct{}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx, func(ctx context.Context, r *run.Run) {
		mu.Lock()
		handled[r.PlanRef] = true
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Enqueue(queuedRun(fmt.Sprintf("r%d", i), 1+i%9)))
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers stalled")
		}
	}
	cancel()
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, handled, 10)
}

// Dequeue order never yields a lower-urgency run while a strictly more
// urgent one is still queued, and equal priorities preserve enqueue order.
func TestDequeueOrderProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)
	properties.Property("priority then FIFO", prop.ForAll(
		func(priorities []int) bool {
			m := NewManager(map[string]Config{"default": {MaxConcurrent: 1, MaxQueued: len(priorities) + 1}}, nil)
			for i, p := range priorities {
				if err := m.Enqueue(queuedRun(fmt.Sprintf("r%03d", i), p)); err != nil {
					return false
				}
			}
			var got []*run.Run
			for {
				r, ok := m.Dequeue("default")
				if !ok {
					break
				}
				got = append(got, r)
				m.Release("default")
			}
			if len(got) != len(priorities) {
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i-1].Priority > got[i].Priority {
					return false
				}
				if got[i-1].Priority == got[i].Priority && got[i-1].PlanRef > got[i].PlanRef {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 9)),
	))
	properties.TestingRun(t)
}
