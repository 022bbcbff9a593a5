package plancore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/executor"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/planner"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/signing"
	"github.com/axion-labs/plancore/pkg/store"
)

// SubmitOptions are per-submission knobs, from the CLI or a trigger.
type SubmitOptions struct {
	Queue           string
	Priority        int
	Vars            map[string]any
	DryRun          bool
	AutoApprove     bool
	CaptureEvidence bool
}

// LoadPlan reads, parses, and validates a plan file.
func LoadPlan(path string) (*dsl.Plan, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fault.New(fault.CodeFileNotFound, "read plan %s: %v", path, err).Wrap(err)
	}
	p, err := dsl.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	if err := dsl.Validate(p); err != nil {
		return nil, nil, err
	}
	return p, raw, nil
}

// VerifyPlan checks the plan's signature sidecar when one exists. An
// unsigned plan returns (nil, nil); whether that blocks execution is the
// policy engine's call, not this one's.
func (s *Services) VerifyPlan(p *dsl.Plan, planPath string, now time.Time) (*signing.Verification, error) {
	sidecar := signing.SidecarPath(planPath)
	if _, err := os.Stat(sidecar); err != nil {
		return nil, nil
	}
	sig, err := signing.LoadSidecar(sidecar)
	if err != nil {
		return nil, err
	}
	return signing.Verify(p, sig, s.Trust, "", now)
}

// prepare runs the admission pipeline: load has already happened, so
// this merges variables, verifies the signature, derives the manifest,
// records the policy decision, and creates the run row. A blocked run is
// persisted as FAILED with the policy fault.
func (s *Services) prepare(ctx context.Context, planPath string, opts SubmitOptions) (*run.Run, *queuedRun, error) {
	plan, _, err := LoadPlan(planPath)
	if err != nil {
		return nil, nil, err
	}
	cp := plan.Copy()
	if cp.Variables == nil && len(opts.Vars) > 0 {
		cp.Variables = map[string]any{}
	}
	for k, v := range opts.Vars {
		cp.Variables[k] = v
	}

	ver, err := s.VerifyPlan(cp, planPath, time.Now())
	if err != nil {
		return nil, nil, err
	}

	m := manifest.Analyze(cp)
	if ver != nil {
		m.SignatureInfo = &manifest.SignatureInfo{Algo: signing.AlgoEd25519, KeyID: ver.KeyID}
	}
	decision := s.Policy.Evaluate(m, ver)

	queueName := opts.Queue
	if queueName == "" {
		queueName = cp.Execution.Queue
	}
	if queueName == "" {
		queueName = "default"
	}
	priority := opts.Priority
	if priority == 0 {
		priority = cp.Execution.Priority
	}
	if priority == 0 {
		priority = 5
	}

	r := &run.Run{
		PlanRef:           planPath,
		PlanName:          cp.Name,
		Manifest:          m,
		Queue:             queueName,
		Priority:          priority,
		VariablesResolved: s.Secrets.Masker().MaskMap(cp.Variables),
	}
	if err := s.Store.CreateRun(ctx, r); err != nil {
		return nil, nil, err
	}
	if err := s.Store.PutPolicyDecision(ctx, r.ID, decision); err != nil {
		s.Logger.Warn("policy decision not persisted", "run_id", r.ID, "error", err)
	}

	if !decision.Allowed {
		s.Metrics.RecordPolicyBlock(decision.BlockedReasons())
		f := toFault(decision.Fault())
		r.Error = f
		if terr := r.Transition(run.StateFailed, time.Now()); terr == nil {
			_ = s.Store.UpdateRunState(ctx, r)
		}
		_ = s.Audit.Record(ctx, store.AuditPolicy, "run_blocked", r.PublicID, "policy",
			map[string]any{"reasons": decision.BlockedReasons()})
		return r, nil, f
	}

	retry := s.DefaultRetry()
	if cp.Execution.Retry.MaxAttempts > 0 {
		retry = executor.RetryPolicy{
			MaxAttempts: cp.Execution.Retry.MaxAttempts,
			BackoffMS:   cp.Execution.Retry.BackoffMS,
		}
	}
	q := &queuedRun{
		plan:     cp,
		decision: decision,
		opts: executor.Options{
			DryRun:          opts.DryRun,
			AutoApprove:     opts.AutoApprove,
			CaptureEvidence: opts.CaptureEvidence,
			Retry:           retry,
			Decision:        decision,
		},
	}
	return r, q, nil
}

// RunPlan executes a plan synchronously in the caller's goroutine.
func (s *Services) RunPlan(ctx context.Context, planPath string, opts SubmitOptions) (*run.Run, error) {
	r, q, err := s.prepare(ctx, planPath, opts)
	if err != nil {
		return r, err
	}
	return r, s.runQueued(ctx, r, q)
}

// EnqueuePlan admits a plan into its queue for a worker to pick up.
func (s *Services) EnqueuePlan(ctx context.Context, planPath string, opts SubmitOptions) (*run.Run, error) {
	r, q, err := s.prepare(ctx, planPath, opts)
	if err != nil {
		return r, err
	}
	s.putPending(r.ID, q)
	if err := s.Queue.Enqueue(r); err != nil {
		s.takePending(r.ID)
		f := toFault(err)
		r.Error = f
		if terr := r.Transition(run.StateFailed, time.Now()); terr == nil {
			_ = s.Store.UpdateRunState(ctx, r)
		}
		return r, f
	}
	_ = s.Audit.Record(ctx, store.AuditSystem, "run_enqueued", r.PublicID, "queue",
		map[string]any{"queue": r.Queue, "priority": r.Priority})
	return r, nil
}

// EnqueueTemplate implements the trigger contract: cron, watcher, and
// webhook sources start runs through it.
func (s *Services) EnqueueTemplate(ctx context.Context, template, queueName string, priority int, vars map[string]any) error {
	_, err := s.EnqueuePlan(ctx, template, SubmitOptions{
		Queue:           queueName,
		Priority:        priority,
		Vars:            vars,
		CaptureEvidence: true,
	})
	return err
}

// StartWorkers launches the per-queue workers. Cancel the context and
// call Queue.Wait to drain.
func (s *Services) StartWorkers(ctx context.Context) {
	s.Queue.Start(ctx, func(ctx context.Context, r *run.Run) {
		q, ok := s.takePending(r.ID)
		if !ok {
			s.Logger.Warn("dequeued run has no pending plan", "run_id", r.ID)
			return
		}
		if err := s.runQueued(ctx, r, q); err != nil {
			s.Logger.Error("run did not complete", "run_id", r.ID, "public_id", r.PublicID, "error", err)
		}
	})
}

func (s *Services) runQueued(ctx context.Context, r *run.Run, q *queuedRun) error {
	err := s.exec.Execute(ctx, r, q.plan, q.opts)
	if err != nil && !q.retried {
		s.proposeRepairs(ctx, r, q, err)
	}
	return err
}

// ResumeRun restores a suspended run from its checkpoint, reloading the
// plan from the template path recorded on the run.
func (s *Services) ResumeRun(ctx context.Context, runID int64, opts SubmitOptions) (*run.Run, error) {
	r, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	plan, _, err := LoadPlan(r.PlanRef)
	if err != nil {
		return nil, err
	}
	return s.exec.Resume(ctx, runID, plan, executor.Options{
		AutoApprove:     opts.AutoApprove,
		CaptureEvidence: opts.CaptureEvidence,
		Retry:           s.DefaultRetry(),
	})
}

// proposeRepairs runs the differential planner after a web lookup
// failure: proposals are recorded for the run, and a patch that clears
// the adoption gate is applied to a plan copy and retried as a fresh
// run. One repair attempt per original run.
func (s *Services) proposeRepairs(ctx context.Context, r *run.Run, q *queuedRun, execErr error) {
	code := fault.CodeOf(execErr)
	if code != fault.CodeWebElementNotFound && code != fault.CodeVerifierFail {
		return
	}
	var f *fault.Fault
	if !errors.As(execErr, &f) || f.StepIndex < 0 || f.StepIndex >= len(q.plan.Steps) {
		return
	}
	step := q.plan.Steps[f.StepIndex]

	pl := planner.New(s.Policy.Config(), s.Logger)
	patches := pl.Propose(planner.Failure{
		StepIndex: f.StepIndex,
		Action:    step.Action,
		Params:    step.Params,
	}, s.capturedSchema(ctx, r))
	if len(patches) == 0 {
		return
	}

	autopilot := q.decision != nil && q.decision.AutopilotEnabled
	inWindow := s.Policy.InWindow(time.Now())
	autoChanges := 0

	for _, patch := range patches {
		d := pl.Decide(patch, autopilot, inWindow, autoChanges)
		rec := &run.PatchRecord{
			RunID:     r.ID,
			StepIndex: f.StepIndex,
			Patch:     patch,
			Adopted:   d.AutoAdopt,
			Auto:      d.AutoAdopt,
			Reason:    d.Reason,
		}
		if d.AutoAdopt {
			now := time.Now()
			rec.AppliedAt = &now
		}
		if err := s.Store.PutPatchRecord(ctx, rec); err != nil {
			s.Logger.Warn("patch record not persisted", "run_id", r.ID, "error", err)
		}
		s.Metrics.RecordPatch(d.AutoAdopt)
		_ = s.Audit.Record(ctx, store.AuditMutation, "patch_proposed", r.PublicID, "planner",
			map[string]any{"kind": string(patch.Kind), "auto": d.AutoAdopt, "reason": d.Reason})

		if !d.AutoAdopt {
			continue
		}
		if err := planner.Vet(q.plan, []run.Patch{patch}); err != nil {
			s.Logger.Warn("adopted patch failed vetting", "run_id", r.ID, "error", err)
			continue
		}
		autoChanges++
		s.retryWithPatch(ctx, r, q, patch)
		return
	}
}

func (s *Services) retryWithPatch(ctx context.Context, failed *run.Run, q *queuedRun, patch run.Patch) {
	patched := planner.Apply(q.plan, []run.Patch{patch})
	retry := &run.Run{
		PlanRef:           failed.PlanRef,
		PlanName:          failed.PlanName,
		Manifest:          failed.Manifest,
		Queue:             failed.Queue,
		Priority:          failed.Priority,
		VariablesResolved: failed.VariablesResolved,
	}
	if err := s.Store.CreateRun(ctx, retry); err != nil {
		s.Logger.Warn("patched retry not created", "error", err)
		return
	}
	s.putPending(retry.ID, &queuedRun{plan: patched, decision: q.decision, opts: q.opts, retried: true})
	if err := s.Queue.Enqueue(retry); err != nil {
		s.takePending(retry.ID)
		s.Logger.Warn("patched retry not enqueued", "error", err)
		return
	}
	s.Logger.Info("retrying with adopted patch",
		"failed_run", failed.ID, "retry_run", retry.ID, "kind", string(patch.Kind))
}

// capturedSchema digs the most recent DOM schema capture out of the
// run's evidence, giving the planner something concrete to match
// against.
func (s *Services) capturedSchema(ctx context.Context, r *run.Run) *webengine.Schema {
	if s.Evidence == nil {
		return nil
	}
	for i := len(r.StepResults) - 1; i >= 0; i-- {
		for _, ev := range r.StepResults[i].Evidence {
			if ev.Kind != run.EvidenceDOMSchema {
				continue
			}
			data, err := s.Evidence.Get(ctx, ev.Key)
			if err != nil {
				continue
			}
			var schema webengine.Schema
			if json.Unmarshal(data, &schema) == nil {
				return &schema
			}
		}
	}
	return nil
}

func toFault(err error) *fault.Fault {
	var f *fault.Fault
	if errors.As(err, &f) {
		return f
	}
	return fault.New(fault.CodeInternal, "%s", err.Error()).Wrap(err)
}
