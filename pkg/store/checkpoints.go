package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/run"
)

// SaveCheckpoint upserts the run's resume point. One checkpoint per run:
// newer snapshots replace older ones.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *run.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	snapshot, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO checkpoints (run_id, next_step_index, snapshot_json, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			next_step_index = excluded.next_step_index,
			snapshot_json = excluded.snapshot_json,
			reason = excluded.reason,
			created_at = excluded.created_at`,
		cp.RunID, cp.NextStepIndex, string(snapshot), string(cp.Reason), fmtTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads the run's resume point.
func (s *Store) GetCheckpoint(ctx context.Context, runID int64) (*run.Checkpoint, error) {
	var snapshot string
	err := s.queryRow(ctx, `SELECT snapshot_json FROM checkpoints WHERE run_id = ?`, runID).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	var cp run.Checkpoint
	if err := json.Unmarshal([]byte(snapshot), &cp); err != nil {
		return nil, fmt.Errorf("checkpoint snapshot: %w", err)
	}
	return &cp, nil
}

// DeleteCheckpoint invalidates the resume point after successful
// completion.
func (s *Store) DeleteCheckpoint(ctx context.Context, runID int64) error {
	_, err := s.exec(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Schedule is one persisted cron schedule row.
type Schedule struct {
	ID        string         `json:"id"`
	Cron      string         `json:"cron"`
	Template  string         `json:"template"`
	Queue     string         `json:"queue"`
	Priority  int            `json:"priority"`
	Variables map[string]any `json:"variables,omitempty"`
	Enabled   bool           `json:"enabled"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
}

// UpsertSchedule registers or updates a schedule.
func (s *Store) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	varsJSON, _ := json.Marshal(sc.Variables)
	_, err := s.exec(ctx, `INSERT INTO schedules (id, cron, template, queue, priority, variables_json, enabled, next_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			cron = excluded.cron, template = excluded.template, queue = excluded.queue,
			priority = excluded.priority, variables_json = excluded.variables_json,
			enabled = excluded.enabled, next_run = excluded.next_run`,
		sc.ID, sc.Cron, sc.Template, sc.Queue, sc.Priority, string(varsJSON),
		boolInt(sc.Enabled), fmtTimePtr(sc.NextRun))
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", sc.ID, err)
	}
	return nil
}

// ListSchedules returns every schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.query(ctx, `SELECT id, cron, template, queue, priority, variables_json, enabled, next_run
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Schedule
	for rows.Next() {
		var (
			sc       Schedule
			varsJSON string
			enabled  int
			nextRun  sql.NullString
		)
		if err := rows.Scan(&sc.ID, &sc.Cron, &sc.Template, &sc.Queue, &sc.Priority, &varsJSON, &enabled, &nextRun); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(varsJSON), &sc.Variables)
		sc.Enabled = enabled == 1
		sc.NextRun = parseTimePtr(nextRun)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// AuditEventType categorizes audit rows.
type AuditEventType string

const (
	AuditAccess   AuditEventType = "ACCESS"
	AuditMutation AuditEventType = "MUTATION"
	AuditSystem   AuditEventType = "SYSTEM"
	AuditPolicy   AuditEventType = "POLICY"
)

// AuditEvent is one append-only audit row.
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      AuditEventType `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AppendAudit inserts an audit row. Audit rows are never updated or
// deleted by the core.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	metaJSON, _ := json.Marshal(ev.Metadata)
	_, err := s.exec(ctx, `INSERT INTO audit (id, type, action, resource, actor, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Action, ev.Resource, ev.Actor, string(metaJSON), fmtTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditSince returns audit rows at or after the cutoff.
func (s *Store) AuditSince(ctx context.Context, cutoff time.Time) ([]AuditEvent, error) {
	rows, err := s.query(ctx, `SELECT id, type, action, resource, actor, metadata_json, created_at
		FROM audit WHERE created_at >= ? ORDER BY created_at`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("audit since: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			evType    string
			metaJSON  string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.Action, &ev.Resource, &ev.Actor, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = AuditEventType(evType)
		_ = json.Unmarshal([]byte(metaJSON), &ev.Metadata)
		ev.Timestamp = parseTime(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertDailyMetric writes one rollup value for a day (YYYY-MM-DD).
func (s *Store) UpsertDailyMetric(ctx context.Context, day, name string, value float64) error {
	_, err := s.exec(ctx, `INSERT INTO metrics_daily (day, name, value) VALUES (?, ?, ?)
		ON CONFLICT (day, name) DO UPDATE SET value = excluded.value`, day, name, value)
	if err != nil {
		return fmt.Errorf("upsert daily metric: %w", err)
	}
	return nil
}

// DailyMetrics returns the rollup rows for one day.
func (s *Store) DailyMetrics(ctx context.Context, day string) (map[string]float64, error) {
	rows, err := s.query(ctx, `SELECT name, value FROM metrics_daily WHERE day = ?`, day)
	if err != nil {
		return nil, fmt.Errorf("daily metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[string]float64{}
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
