package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
)

// PutPolicyDecision records a full evaluation for a run.
func (s *Store) PutPolicyDecision(ctx context.Context, runID int64, d *policy.Decision) error {
	checksJSON, _ := json.Marshal(d.Checks)
	_, err := s.exec(ctx, `INSERT INTO policy_decisions (run_id, allowed, autopilot, checks_json, evaluated_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, boolInt(d.Allowed), boolInt(d.AutopilotEnabled), string(checksJSON), fmtTime(d.EvaluatedAt))
	if err != nil {
		return fmt.Errorf("put policy decision: %w", err)
	}
	return nil
}

// PolicyDecisions returns every recorded evaluation for a run, oldest
// first.
func (s *Store) PolicyDecisions(ctx context.Context, runID int64) ([]*policy.Decision, error) {
	rows, err := s.query(ctx, `SELECT allowed, autopilot, checks_json, evaluated_at
		FROM policy_decisions WHERE run_id = ? ORDER BY evaluated_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("policy decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*policy.Decision
	for rows.Next() {
		var (
			allowed, autopilot int
			checksJSON         string
			evaluatedAt        string
		)
		if err := rows.Scan(&allowed, &autopilot, &checksJSON, &evaluatedAt); err != nil {
			return nil, err
		}
		d := &policy.Decision{
			Allowed:          allowed == 1,
			AutopilotEnabled: autopilot == 1,
			EvaluatedAt:      parseTime(evaluatedAt),
		}
		_ = json.Unmarshal([]byte(checksJSON), &d.Checks)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutDeviation appends one deviation observation.
func (s *Store) PutDeviation(ctx context.Context, d run.Deviation) error {
	_, err := s.exec(ctx, `INSERT INTO deviations (run_id, step_index, kind, severity, score, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.StepIndex, string(d.Kind), string(d.Severity), d.Score, d.Reason, fmtTime(d.At))
	if err != nil {
		return fmt.Errorf("put deviation: %w", err)
	}
	return nil
}

// Deviations returns a run's deviations in observation order.
func (s *Store) Deviations(ctx context.Context, runID int64) ([]run.Deviation, error) {
	rows, err := s.query(ctx, `SELECT run_id, step_index, kind, severity, score, reason, created_at
		FROM deviations WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("deviations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.Deviation
	for rows.Next() {
		var (
			d              run.Deviation
			kind, severity string
			createdAt      string
		)
		if err := rows.Scan(&d.RunID, &d.StepIndex, &kind, &severity, &d.Score, &d.Reason, &createdAt); err != nil {
			return nil, err
		}
		d.Kind = run.DeviationKind(kind)
		d.Severity = run.Severity(severity)
		d.At = parseTime(createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutApproval inserts a pending approval.
func (s *Store) PutApproval(ctx context.Context, a *run.Approval) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO approvals
		(id, run_id, step_index, message, required_role, auto_action, status, requested_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.StepIndex, a.Message, a.RequiredRole, string(a.AutoAction),
		string(a.Status), fmtTime(a.RequestedAt), fmtTime(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put approval: %w", err)
	}
	return nil
}

// UpdateApproval records a decision (or timeout) on an approval.
func (s *Store) UpdateApproval(ctx context.Context, a *run.Approval) error {
	_, err := s.exec(ctx, `UPDATE approvals SET status = ?, decided_at = ?, actor = ?, comment = ? WHERE id = ?`,
		string(a.Status), fmtTimePtr(a.DecidedAt), a.Actor, a.Comment, a.ID)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", a.ID, err)
	}
	return nil
}

// GetApproval loads one approval.
func (s *Store) GetApproval(ctx context.Context, id string) (*run.Approval, error) {
	return scanApproval(s.queryRow(ctx, `SELECT id, run_id, step_index, message, required_role, auto_action,
		status, requested_at, expires_at, decided_at, actor, comment FROM approvals WHERE id = ?`, id))
}

// PendingApprovalForRun returns the run's pending approval, if any.
func (s *Store) PendingApprovalForRun(ctx context.Context, runID int64) (*run.Approval, error) {
	a, err := scanApproval(s.queryRow(ctx, `SELECT id, run_id, step_index, message, required_role, auto_action,
		status, requested_at, expires_at, decided_at, actor, comment
		FROM approvals WHERE run_id = ? AND status = ? ORDER BY requested_at DESC LIMIT 1`,
		runID, string(run.ApprovalPending)))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// ApprovalForStep returns the latest approval recorded for a step of a
// run, decided or not. Resumed runs consult this before re-requesting.
func (s *Store) ApprovalForStep(ctx context.Context, runID int64, stepIndex int) (*run.Approval, error) {
	a, err := scanApproval(s.queryRow(ctx, `SELECT id, run_id, step_index, message, required_role, auto_action,
		status, requested_at, expires_at, decided_at, actor, comment
		FROM approvals WHERE run_id = ? AND step_index = ? ORDER BY requested_at DESC LIMIT 1`,
		runID, stepIndex))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanApproval(row rowScanner) (*run.Approval, error) {
	var (
		a                      run.Approval
		autoAction, status     string
		requestedAt, expiresAt string
		decidedAt              sql.NullString
	)
	err := row.Scan(&a.ID, &a.RunID, &a.StepIndex, &a.Message, &a.RequiredRole, &autoAction,
		&status, &requestedAt, &expiresAt, &decidedAt, &a.Actor, &a.Comment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	a.AutoAction = run.AutoAction(autoAction)
	a.Status = run.ApprovalState(status)
	a.RequestedAt = parseTime(requestedAt)
	a.ExpiresAt = parseTime(expiresAt)
	a.DecidedAt = parseTimePtr(decidedAt)
	return &a, nil
}

// PutPatchRecord persists a planner proposal and its adoption outcome.
func (s *Store) PutPatchRecord(ctx context.Context, pr *run.PatchRecord) error {
	patchJSON, _ := json.Marshal(pr.Patch)
	if s.dialect == DialectPostgres {
		row := s.queryRow(ctx, `INSERT INTO patches (run_id, step_index, patch_json, adopted, auto, reason, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			pr.RunID, pr.StepIndex, string(patchJSON), boolInt(pr.Adopted), boolInt(pr.Auto), pr.Reason,
			fmtTimePtr(pr.AppliedAt))
		return row.Scan(&pr.ID)
	}
	res, err := s.exec(ctx, `INSERT INTO patches (run_id, step_index, patch_json, adopted, auto, reason, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pr.RunID, pr.StepIndex, string(patchJSON), boolInt(pr.Adopted), boolInt(pr.Auto), pr.Reason,
		fmtTimePtr(pr.AppliedAt))
	if err != nil {
		return fmt.Errorf("put patch record: %w", err)
	}
	pr.ID, err = res.LastInsertId()
	return err
}

// PatchRecords returns a run's patch trail in proposal order.
func (s *Store) PatchRecords(ctx context.Context, runID int64) ([]run.PatchRecord, error) {
	rows, err := s.query(ctx, `SELECT id, run_id, step_index, patch_json, adopted, auto, reason, applied_at
		FROM patches WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("patch records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []run.PatchRecord
	for rows.Next() {
		var (
			pr            run.PatchRecord
			patchJSON     string
			adopted, auto int
			appliedAt     sql.NullString
		)
		if err := rows.Scan(&pr.ID, &pr.RunID, &pr.StepIndex, &patchJSON, &adopted, &auto, &pr.Reason, &appliedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(patchJSON), &pr.Patch)
		pr.Adopted = adopted == 1
		pr.Auto = auto == 1
		pr.AppliedAt = parseTimePtr(appliedAt)
		out = append(out, pr)
	}
	return out, rows.Err()
}

// RecordPause appends to the pause history.
func (s *Store) RecordPause(ctx context.Context, runID int64, reason string) error {
	_, err := s.exec(ctx, `INSERT INTO pause_history (run_id, reason, created_at) VALUES (?, ?, ?)`,
		runID, reason, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("record pause: %w", err)
	}
	return nil
}

// SeenWebhookEvent reports whether the event id was already seen inside
// the window, recording it when new. This is the store-backed dedup
// fallback when no Redis is configured.
func (s *Store) SeenWebhookEvent(ctx context.Context, eventID string, window time.Duration) (bool, error) {
	now := s.now()
	var seenAt string
	err := s.queryRow(ctx, `SELECT seen_at FROM webhook_events WHERE event_id = ?`, eventID).Scan(&seenAt)
	switch {
	case err == nil:
		if now.Sub(parseTime(seenAt)) < window {
			return true, nil
		}
		_, err = s.exec(ctx, `UPDATE webhook_events SET seen_at = ? WHERE event_id = ?`, fmtTime(now), eventID)
		return false, err
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.exec(ctx, `INSERT INTO webhook_events (event_id, seen_at) VALUES (?, ?)`, eventID, fmtTime(now))
		return false, err
	default:
		return false, fmt.Errorf("webhook event lookup: %w", err)
	}
}
