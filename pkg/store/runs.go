package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/run"
)

// ErrNotFound is returned for lookups that match nothing.
var ErrNotFound = errors.New("not found")

// CreateRun inserts a queued run and assigns its monotonic id.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	if r.PublicID == "" {
		r.PublicID = run.NewPublicID()
	}
	if r.State == "" {
		r.State = run.StateQueued
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	varsJSON, _ := json.Marshal(r.VariablesResolved)
	manifestJSON := ""
	if r.Manifest != nil {
		b, err := r.Manifest.Canonical()
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		manifestJSON = string(b)
	}

	if s.dialect == DialectPostgres {
		row := s.queryRow(ctx, `INSERT INTO runs
			(public_id, plan_ref, plan_name, state, queue, priority, variables_json, manifest_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING run_id`,
			r.PublicID, r.PlanRef, r.PlanName, string(r.State), r.Queue, r.Priority,
			string(varsJSON), manifestJSON, fmtTime(r.CreatedAt))
		return row.Scan(&r.ID)
	}

	res, err := s.exec(ctx, `INSERT INTO runs
		(public_id, plan_ref, plan_name, state, queue, priority, variables_json, manifest_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PublicID, r.PlanRef, r.PlanName, string(r.State), r.Queue, r.Priority,
		string(varsJSON), manifestJSON, fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// UpdateRunState persists a state transition along with the run's
// timestamps and first-error card.
func (s *Store) UpdateRunState(ctx context.Context, r *run.Run) error {
	errJSON := ""
	if r.Error != nil {
		b, _ := json.Marshal(r.Error)
		errJSON = string(b)
	}
	_, err := s.exec(ctx, `UPDATE runs SET state = ?, error_json = ?, started_at = ?, finished_at = ? WHERE run_id = ?`,
		string(r.State), errJSON, fmtTimePtr(r.StartedAt), fmtTimePtr(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update run %d: %w", r.ID, err)
	}
	return nil
}

// GetRun loads a run with its step results.
func (s *Store) GetRun(ctx context.Context, runID int64) (*run.Run, error) {
	r, err := s.scanRun(s.queryRow(ctx, `SELECT run_id, public_id, plan_ref, plan_name, state, queue, priority,
		variables_json, manifest_json, error_json, created_at, started_at, finished_at
		FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRunByPublicID loads the masked read-only view exposed over HTTP. The
// stored variables are already masked, so this is a plain lookup with the
// plan path redacted to its base name.
func (s *Store) GetRunByPublicID(ctx context.Context, publicID string) (*run.Run, error) {
	r, err := s.scanRun(s.queryRow(ctx, `SELECT run_id, public_id, plan_ref, plan_name, state, queue, priority,
		variables_json, manifest_json, error_json, created_at, started_at, finished_at
		FROM runs WHERE public_id = ?`, publicID))
	if err != nil {
		return nil, err
	}
	if err := s.loadSteps(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*run.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT run_id, public_id, plan_ref, plan_name, state, queue, priority,
		variables_json, manifest_json, error_json, created_at, started_at, finished_at
		FROM runs ORDER BY run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.collectRuns(rows)
}

// RunsSince returns runs created at or after the cutoff, for metrics
// aggregation.
func (s *Store) RunsSince(ctx context.Context, cutoff time.Time) ([]*run.Run, error) {
	rows, err := s.query(ctx, `SELECT run_id, public_id, plan_ref, plan_name, state, queue, priority,
		variables_json, manifest_json, error_json, created_at, started_at, finished_at
		FROM runs WHERE created_at >= ? ORDER BY run_id`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("runs since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return s.collectRuns(rows)
}

func (s *Store) collectRuns(rows *sql.Rows) ([]*run.Run, error) {
	var out []*run.Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func (s *Store) scanRun(row rowScanner) (*run.Run, error) {
	var (
		r                 run.Run
		state             string
		varsJSON          string
		manifestJSON      string
		errJSON           string
		createdAt         string
		started, finished sql.NullString
	)
	err := row.Scan(&r.ID, &r.PublicID, &r.PlanRef, &r.PlanName, &state, &r.Queue, &r.Priority,
		&varsJSON, &manifestJSON, &errJSON, &createdAt, &started, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.State = run.State(state)
	r.CreatedAt = parseTime(createdAt)
	r.StartedAt = parseTimePtr(started)
	r.FinishedAt = parseTimePtr(finished)
	if varsJSON != "" {
		_ = json.Unmarshal([]byte(varsJSON), &r.VariablesResolved)
	}
	if manifestJSON != "" {
		var m manifest.Manifest
		if json.Unmarshal([]byte(manifestJSON), &m) == nil {
			r.Manifest = &m
		}
	}
	if errJSON != "" {
		var f fault.Fault
		if json.Unmarshal([]byte(errJSON), &f) == nil {
			r.Error = &f
		}
	}
	return &r, nil
}

func (s *Store) loadSteps(ctx context.Context, r *run.Run) error {
	rows, err := s.query(ctx, `SELECT step_index, action, status, attempts, started_at, duration_ms,
		output_json, recovery_json, error_json
		FROM run_steps WHERE run_id = ? ORDER BY step_index`, r.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			sr           run.StepResult
			status       string
			startedAt    string
			outJSON      string
			recoveryJSON string
			errJSON      string
		)
		if err := rows.Scan(&sr.StepIndex, &sr.Action, &status, &sr.Attempts, &startedAt,
			&sr.DurationMS, &outJSON, &recoveryJSON, &errJSON); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		sr.Status = run.StepStatus(status)
		sr.StartedAt = parseTime(startedAt)
		if outJSON != "" {
			_ = json.Unmarshal([]byte(outJSON), &sr.Output)
		}
		if recoveryJSON != "" {
			_ = json.Unmarshal([]byte(recoveryJSON), &sr.RecoveryActions)
		}
		if errJSON != "" {
			var f fault.Fault
			if json.Unmarshal([]byte(errJSON), &f) == nil {
				sr.Error = &f
			}
		}
		ev, err := s.evidenceFor(ctx, r.ID, sr.StepIndex)
		if err != nil {
			return err
		}
		sr.Evidence = ev
		r.StepResults = append(r.StepResults, sr)
	}
	return rows.Err()
}

// PutStepResult upserts a step's terminal record. Callers persist evidence
// first; this is the commit point for the step.
func (s *Store) PutStepResult(ctx context.Context, runID int64, sr run.StepResult) error {
	outJSON, _ := json.Marshal(sr.Output)
	recoveryJSON, _ := json.Marshal(sr.RecoveryActions)
	errJSON := ""
	if sr.Error != nil {
		b, _ := json.Marshal(sr.Error)
		errJSON = string(b)
	}
	query := `INSERT INTO run_steps
		(run_id, step_index, action, status, attempts, started_at, duration_ms, output_json, recovery_json, error_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_index) DO UPDATE SET
			status = excluded.status, attempts = excluded.attempts,
			duration_ms = excluded.duration_ms, output_json = excluded.output_json,
			recovery_json = excluded.recovery_json, error_json = excluded.error_json`
	_, err := s.exec(ctx, query,
		runID, sr.StepIndex, sr.Action, string(sr.Status), sr.Attempts,
		fmtTime(sr.StartedAt), sr.DurationMS, string(outJSON), string(recoveryJSON), errJSON)
	if err != nil {
		return fmt.Errorf("put step result: %w", err)
	}
	return nil
}

// PutEvidence records an artifact key for a step. Write-once: a second
// write for the same (run, step, kind) keeps the first key.
func (s *Store) PutEvidence(ctx context.Context, runID int64, stepIndex int, kind run.EvidenceKind, key string) error {
	_, err := s.exec(ctx, `INSERT INTO evidence (run_id, step_index, kind, artifact_key, created_at)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT (run_id, step_index, kind) DO NOTHING`,
		runID, stepIndex, string(kind), key, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("put evidence: %w", err)
	}
	return nil
}

func (s *Store) evidenceFor(ctx context.Context, runID int64, stepIndex int) ([]run.Evidence, error) {
	rows, err := s.query(ctx, `SELECT kind, artifact_key FROM evidence
		WHERE run_id = ? AND step_index = ? ORDER BY kind`, runID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.Evidence
	for rows.Next() {
		var kind, key string
		if err := rows.Scan(&kind, &key); err != nil {
			return nil, err
		}
		out = append(out, run.Evidence{Kind: run.EvidenceKind(kind), Key: key})
	}
	return out, rows.Err()
}
