package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/axion-labs/plancore/pkg/config"
	"github.com/axion-labs/plancore/pkg/store"
)

// Scheduler fires persisted cron schedules. Schedules live in the run
// store so a restart resumes from the recorded next_run instead of
// re-firing.
type Scheduler struct {
	store  *store.Store
	enq    Enqueuer
	logger *slog.Logger
	parser cron.Parser
	now    func() time.Time
}

// NewScheduler accepts 5-field cron expressions plus @descriptors.
func NewScheduler(st *store.Store, enq Enqueuer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		enq:    enq,
		logger: logger,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.now = clock
	return s
}

// Sync upserts the configured schedules into the store, computing the
// first next_run for new or changed entries.
func (s *Scheduler) Sync(ctx context.Context, entries []config.ScheduleEntry) error {
	for _, e := range entries {
		sched, err := s.parser.Parse(e.Cron)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.ID, err)
		}
		enabled := e.Enabled == nil || *e.Enabled
		queue := e.Queue
		if queue == "" {
			queue = "default"
		}
		priority := e.Priority
		if priority == 0 {
			priority = 5
		}
		next := sched.Next(s.now())
		if err := s.store.UpsertSchedule(ctx, &store.Schedule{
			ID:        e.ID,
			Cron:      e.Cron,
			Template:  e.Template,
			Queue:     queue,
			Priority:  priority,
			Variables: e.Variables,
			Enabled:   enabled,
			NextRun:   &next,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CheckDue fires every enabled schedule whose next_run has passed and
// advances it. Returns how many runs were enqueued.
func (s *Scheduler) CheckDue(ctx context.Context) (int, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	fired := 0
	for _, sc := range schedules {
		if !sc.Enabled || sc.NextRun == nil || sc.NextRun.After(now) {
			continue
		}
		sched, err := s.parser.Parse(sc.Cron)
		if err != nil {
			s.logger.Warn("schedule has unparseable cron, skipping", "id", sc.ID, "cron", sc.Cron)
			continue
		}
		vars := map[string]any{}
		for k, v := range sc.Variables {
			vars[k] = v
		}
		vars["trigger_time"] = now.UTC().Format(time.RFC3339)
		if err := s.enq.EnqueueTemplate(ctx, sc.Template, sc.Queue, sc.Priority, vars); err != nil {
			s.logger.Error("schedule enqueue failed", "id", sc.ID, "error", err)
			continue
		}
		fired++
		// Advance past now so a delayed tick fires once, not per tick.
		next := sched.Next(now)
		sc.NextRun = &next
		if err := s.store.UpsertSchedule(ctx, sc); err != nil {
			return fired, err
		}
		s.logger.Info("schedule fired", "id", sc.ID, "template", sc.Template, "next_run", next)
	}
	return fired, nil
}

// Run ticks CheckDue until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CheckDue(ctx); err != nil {
				s.logger.Error("schedule check failed", "error", err)
			}
		}
	}
}
