// Package queue schedules runs across named queues. Each queue has its
// own concurrency cap and bounded depth; within a queue, lower priority
// numbers run first and equal priorities run in enqueue order.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/run"
)

// Config bounds one named queue.
type Config struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	MaxQueued     int `yaml:"max_queued" json:"max_queued"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 100
	}
	return c
}

// Handler executes one dequeued run to completion or suspension.
type Handler func(ctx context.Context, r *run.Run)

type item struct {
	r   *run.Run
	seq uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].r.Priority != h[j].r.Priority {
		return h[i].r.Priority < h[j].r.Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type depthSample struct {
	at    time.Time
	depth int
}

type namedQueue struct {
	cfg     Config
	items   itemHeap
	running int
	wake    chan struct{}
	samples []depthSample
}

func (q *namedQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Manager owns every named queue. Unknown queue names are created lazily
// with default bounds.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*namedQueue
	seq    uint64
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewManager builds a manager with explicit bounds for the named queues.
func NewManager(configs map[string]Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queues: map[string]*namedQueue{},
		logger: logger,
		now:    time.Now,
	}
	for name, cfg := range configs {
		m.queues[name] = &namedQueue{cfg: cfg.withDefaults(), wake: make(chan struct{}, 1)}
	}
	return m
}

// WithClock overrides the time source for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.now = clock
	return m
}

func (m *Manager) queue(name string) *namedQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &namedQueue{cfg: Config{}.withDefaults(), wake: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

// Enqueue admits a run or fails fast when the queue is at capacity.
func (m *Manager) Enqueue(r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(r.Queue)
	if len(q.items) >= q.cfg.MaxQueued {
		return fault.New(fault.CodeQueueFull, "queue %q is full (%d queued)", r.Queue, len(q.items)).
			Hint("wait for running work to drain or raise max_queued")
	}
	m.seq++
	heap.Push(&q.items, &item{r: r, seq: m.seq})
	q.samples = append(q.samples, depthSample{at: m.now(), depth: len(q.items)})
	q.notify()
	m.logger.Debug("run enqueued", "queue", r.Queue, "priority", r.Priority, "public_id", r.PublicID)
	return nil
}

// Dequeue hands out the highest-priority queued run if a concurrency slot
// is free. The caller owns the slot until Release.
func (m *Manager) Dequeue(name string) (*run.Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	if q.running >= q.cfg.MaxConcurrent || len(q.items) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.items).(*item)
	q.running++
	return it.r, true
}

// Release frees a concurrency slot taken by Dequeue.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	if q.running > 0 {
		q.running--
	}
	q.notify()
}

// Depth returns the number of queued (not running) runs.
func (m *Manager) Depth(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue(name).items)
}

// Running returns the number of occupied slots.
func (m *Manager) Running(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue(name).running
}

// PeakDepth reports the deepest the queue got inside the window.
func (m *Manager) PeakDepth(name string, window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queue(name)
	cutoff := m.now().Add(-window)
	peak := 0
	kept := q.samples[:0]
	for _, s := range q.samples {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.depth > peak {
			peak = s.depth
		}
	}
	q.samples = kept
	return peak
}

// Names returns the known queue names.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Start launches MaxConcurrent workers per configured queue. Each worker
// pulls one run at a time and hands it to the handler; the slot is
// released when the handler returns. Start returns immediately; cancel
// the context and call Wait to drain.
func (m *Manager) Start(ctx context.Context, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, q := range m.queues {
		for i := 0; i < q.cfg.MaxConcurrent; i++ {
			m.wg.Add(1)
			go m.worker(ctx, name, handler)
		}
	}
}

// Wait blocks until every worker has exited.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) worker(ctx context.Context, name string, handler Handler) {
	defer m.wg.Done()
	q := func() *namedQueue {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.queue(name)
	}()
	for {
		r, ok := m.Dequeue(name)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		m.logger.Debug("run dequeued", "queue", name, "public_id", r.PublicID)
		handler(ctx, r)
		m.Release(name)
	}
}
