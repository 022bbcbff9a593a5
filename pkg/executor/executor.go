// Package executor drives the per-step run loop: when-condition
// evaluation, expression substitution with secrets resolved last,
// adapter dispatch, verifier assertions, retry with backoff, bounded
// self-recovery, HITL suspension, checkpoints, and the run state
// machine. It is the only writer of a run once the queue hands it over.
package executor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/adapters/osadapter"
	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/audit"
	"github.com/axion-labs/plancore/pkg/autopilot"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/evidence"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/metrics"
	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/secrets"
	"github.com/axion-labs/plancore/pkg/store"
	"github.com/axion-labs/plancore/pkg/verifier"
)

// DefaultCheckpointEvery is how many completed steps pass between
// interval checkpoints.
const DefaultCheckpointEvery = 5

// DefaultApprovalPoll is how often a suspended run re-reads its pending
// approval.
const DefaultApprovalPoll = 2 * time.Second

// Config wires the executor's collaborators. Store, OS, and Web are
// required; the rest default to inert implementations.
type Config struct {
	Store    *store.Store
	Evidence evidence.Store
	OS       osadapter.Adapter
	Web      webengine.Engine
	Secrets  *secrets.Resolver
	Metrics  *metrics.Registry
	Audit    audit.Logger
	Policy   *policy.Engine
	Logger   *slog.Logger
}

// Options are per-run knobs.
type Options struct {
	DryRun          bool
	AutoApprove     bool
	CaptureEvidence bool
	CheckpointEvery int
	ApprovalPoll    time.Duration
	Retry           RetryPolicy
	// Decision is the policy gate result for this run; it activates the
	// autopilot monitor when autopilot passed.
	Decision *policy.Decision
}

func (o Options) withDefaults() Options {
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = DefaultCheckpointEvery
	}
	if o.ApprovalPoll <= 0 {
		o.ApprovalPoll = DefaultApprovalPoll
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// Executor runs plans.
type Executor struct {
	store    *store.Store
	evidence evidence.Store
	os       osadapter.Adapter
	web      webengine.Engine
	secrets  *secrets.Resolver
	metrics  *metrics.Registry
	audit    audit.Logger
	policy   *policy.Engine
	verifier *verifier.Verifier
	logger   *slog.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	// sems serializes OS capability access per the adapter's declared
	// concurrency limits.
	sems map[string]chan struct{}
}

// New builds an executor from its collaborators.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	e := &Executor{
		store:    cfg.Store,
		evidence: cfg.Evidence,
		os:       cfg.OS,
		web:      cfg.Web,
		secrets:  cfg.Secrets,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		policy:   cfg.Policy,
		verifier: verifier.New(cfg.OS, cfg.Web, cfg.Logger),
		logger:   cfg.Logger,
		now:      time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
		sems:     map[string]chan struct{}{},
	}
	if cfg.OS != nil {
		for id, c := range cfg.OS.Capabilities() {
			if c.Available && c.Concurrency > 0 {
				e.sems[id] = make(chan struct{}, c.Concurrency)
			}
		}
	}
	return e
}

// WithClock overrides the time source for deterministic tests.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.now = clock
	return e
}

// WithSleep overrides backoff and approval-poll sleeping.
func (e *Executor) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Executor {
	e.sleep = sleep
	return e
}

// WithJitter overrides the retry jitter source.
func (e *Executor) WithJitter(j func() float64) *Executor {
	e.jitter = j
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute drives a queued run to completion, failure, or suspension.
// Suspension (HITL wait resolved in-process, L4 safe-fail pause) returns
// nil with the run left in its suspended state.
func (e *Executor) Execute(ctx context.Context, r *run.Run, plan *dsl.Plan, opts Options) error {
	return e.execute(ctx, r, plan, opts.withDefaults(), 0, planVariables(plan), map[int]map[string]any{})
}

// Resume restores a suspended run from its checkpoint and continues at
// next_step_index.
func (e *Executor) Resume(ctx context.Context, runID int64, plan *dsl.Plan, opts Options) (*run.Run, error) {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, fault.New(fault.CodeValidationFailed, "run %d already finished in state %s", runID, r.State)
	}
	cp, err := e.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return nil, fault.New(fault.CodeValidationFailed, "run %d has no resume point", runID).Wrap(err)
	}

	vars := planVariables(plan)
	for k, v := range cp.Variables {
		vars[k] = v
	}
	outputs := cp.StepOutputs
	if outputs == nil {
		outputs = map[int]map[string]any{}
	}
	e.logger.Info("resuming run", "run_id", runID, "next_step", cp.NextStepIndex, "reason", cp.Reason)
	return r, e.execute(ctx, r, plan, opts.withDefaults(), cp.NextStepIndex, vars, outputs)
}

func planVariables(plan *dsl.Plan) map[string]any {
	vars := make(map[string]any, len(plan.Variables))
	for k, v := range plan.Variables {
		vars[k] = v
	}
	return vars
}

func (e *Executor) execute(ctx context.Context, r *run.Run, plan *dsl.Plan, opts Options, start int, vars map[string]any, outputs map[int]map[string]any) error {
	if err := r.Transition(run.StateRunning, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return err
	}

	monitor := autopilot.NewMonitor(r.ID, e.policyConfig(), opts.Decision, e.logger).WithClock(e.now)
	if monitor.Active() && e.metrics != nil {
		e.metrics.RecordAutopilotRun()
	}

	mail := &mailState{}
	sinceCheckpoint := 0
	startAt := e.now()
	if r.StartedAt != nil {
		startAt = *r.StartedAt
	}

	for i := start; i < len(plan.Steps); i++ {
		step := plan.Steps[i]

		if ctx.Err() != nil {
			return e.cancelRun(ctx, r, vars, outputs, i)
		}

		scope := e.scope(vars, outputs)

		if step.When != "" {
			ok, err := dsl.EvalWhen(step.When, scope)
			if err != nil {
				return e.failRun(ctx, r, vars, outputs, i, startAt, asFault(err, i))
			}
			if !ok {
				sr := run.StepResult{
					StepIndex: i, Action: step.Action,
					Status: run.StepSkipped, StartedAt: e.now(),
				}
				e.commitStep(ctx, r, sr)
				outputs[i] = nil
				continue
			}
		}

		if step.Action == "human_confirm" {
			sr, err := e.humanConfirm(ctx, r, step, scope, vars, outputs, opts)
			if err != nil {
				return e.failRun(ctx, r, vars, outputs, i, startAt, asFault(err, i))
			}
			if sr == nil {
				// Suspended awaiting an external decision.
				return nil
			}
			e.commitStep(ctx, r, *sr)
			outputs[i] = sr.Output
			sinceCheckpoint++
			continue
		}

		rendered, err := dsl.RenderParams(step.Params, scope)
		if err != nil {
			return e.failRun(ctx, r, vars, outputs, i, startAt, asFault(err, i))
		}

		sr := e.runStep(ctx, r, step, rendered, opts, mail)
		if opts.CaptureEvidence && sr.Succeeded() && !opts.DryRun {
			e.captureScreenshot(ctx, r, step, &sr)
		}
		sr.Output = e.mask(sr.Output)
		e.commitStep(ctx, r, sr)
		outputs[i] = sr.Output

		e.observeStep(ctx, r, monitor, step, sr, rendered)

		if !sr.Succeeded() {
			f := sr.Error
			if f == nil {
				f = fault.New(fault.CodeInternal, "step %d failed without error detail", i).Step(i)
			}
			return e.failRun(ctx, r, vars, outputs, i, startAt, f)
		}

		if trip, tripped := monitor.Tripped(); tripped {
			return e.safeFail(ctx, r, vars, outputs, i+1, trip, monitor)
		}

		sinceCheckpoint++
		if sinceCheckpoint >= opts.CheckpointEvery {
			e.checkpoint(ctx, r, vars, outputs, i+1, run.CheckpointInterval)
			sinceCheckpoint = 0
		}
	}

	if err := r.Transition(run.StateCompleted, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return err
	}
	_ = e.store.DeleteCheckpoint(ctx, r.ID)
	if e.metrics != nil {
		e.metrics.RecordRun(true, e.now().Sub(startAt))
	}
	_ = e.audit.Record(ctx, store.AuditSystem, "run_completed", r.PublicID, "executor", map[string]any{
		"steps": len(plan.Steps),
	})
	e.logger.Info("run completed", "run_id", r.ID, "public_id", r.PublicID, "steps", len(plan.Steps))
	return nil
}

// observeStep feeds the autopilot monitor after each step and persists
// anything it records.
func (e *Executor) observeStep(ctx context.Context, r *run.Run, monitor *autopilot.Monitor, step dsl.Step, sr run.StepResult, params map[string]any) {
	if !monitor.Active() {
		return
	}
	if step.IsVerifier() && sr.Status == run.StepFail {
		e.putDeviation(ctx, monitor.Observe(step.Index, run.DeviationVerifierFail, run.SeverityMedium,
			"verifier failed both attempts"))
	}
	if sr.Status == run.StepFail && fault.IsCode(sr.Error, fault.CodeDownloadTimeout) {
		e.putDeviation(ctx, monitor.Observe(step.Index, run.DeviationDownloadFail, run.SeverityHigh,
			"download did not complete"))
	}
	if sr.Attempts >= 3 {
		e.putDeviation(ctx, monitor.Observe(step.Index, run.DeviationRetryCap, run.SeverityLow,
			"step needed repeated retries"))
	}
	threshold := 30 * time.Second
	if step.TimeoutMS > 0 {
		threshold = time.Duration(step.TimeoutMS) * time.Millisecond
	}
	e.putDeviation(ctx, monitor.CheckTiming(step.Index, step.Action,
		time.Duration(sr.DurationMS)*time.Millisecond, threshold))

	if step.Action == "open_browser" && r.Manifest != nil {
		if host := hostOf(stringParam(params, "url")); host != "" {
			e.putDeviation(ctx, monitor.CheckDomainDrift(step.Index, r.Manifest.TargetDomains, host))
		}
	}
}

func (e *Executor) putDeviation(ctx context.Context, d *run.Deviation) {
	if d == nil {
		return
	}
	if err := e.store.PutDeviation(ctx, *d); err != nil {
		e.logger.Warn("deviation not persisted", "error", err)
	}
}

// safeFail pauses the run after an L4 trip: checkpoint, pause record,
// handoff approval, notification metrics.
func (e *Executor) safeFail(ctx context.Context, r *run.Run, vars map[string]any, outputs map[int]map[string]any, next int, trip *run.Deviation, monitor *autopilot.Monitor) error {
	e.checkpoint(ctx, r, vars, outputs, next, run.CheckpointPause)
	if err := r.Transition(run.StatePaused, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return err
	}
	_ = e.store.RecordPause(ctx, r.ID, "l4_safe_fail")

	handoff := &run.Approval{
		ID:          uuid.NewString(),
		RunID:       r.ID,
		StepIndex:   trip.StepIndex,
		Message:     "autopilot safe-fail: " + trip.Reason,
		AutoAction:  run.AutoDeny,
		Status:      run.ApprovalPending,
		RequestedAt: e.now(),
		ExpiresAt:   e.now().Add(24 * time.Hour),
	}
	if err := e.store.PutApproval(ctx, handoff); err != nil {
		e.logger.Warn("handoff record not persisted", "error", err)
	}
	if e.metrics != nil {
		e.metrics.RecordDeviationStop()
	}
	_ = e.audit.Record(ctx, store.AuditPolicy, "autopilot_safe_fail", r.PublicID, "monitor", map[string]any{
		"kind": string(trip.Kind), "score": monitor.Score(), "step": trip.StepIndex,
	})
	e.logger.Warn("run paused by autopilot",
		"run_id", r.ID, "kind", trip.Kind, "score", monitor.Score())
	return nil
}

func (e *Executor) cancelRun(ctx context.Context, r *run.Run, vars map[string]any, outputs map[int]map[string]any, next int) error {
	e.checkpoint(ctx, r, vars, outputs, next, run.CheckpointCancel)
	if err := r.Transition(run.StateCancelled, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return err
	}
	e.logger.Info("run cancelled", "run_id", r.ID, "next_step", next)
	return fault.New(fault.CodeCancelled, "run cancelled at step %d", next)
}

func (e *Executor) failRun(ctx context.Context, r *run.Run, vars map[string]any, outputs map[int]map[string]any, step int, startAt time.Time, f *fault.Fault) error {
	e.checkpoint(ctx, r, vars, outputs, step, run.CheckpointError)
	r.Error = f
	if err := r.Transition(run.StateFailed, e.now()); err != nil {
		return err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RecordRun(false, e.now().Sub(startAt))
		e.metrics.RecordFailure(f.Code)
	}
	e.logger.Error("run failed", "run_id", r.ID, "step", step, "code", f.Code, "error", f.Message)
	return f
}

func (e *Executor) checkpoint(ctx context.Context, r *run.Run, vars map[string]any, outputs map[int]map[string]any, next int, reason run.CheckpointReason) {
	cp := &run.Checkpoint{
		RunID:         r.ID,
		NextStepIndex: next,
		Variables:     e.mask(vars),
		StepOutputs:   outputs,
		Reason:        reason,
		CreatedAt:     e.now(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		e.logger.Warn("checkpoint not persisted", "run_id", r.ID, "error", err)
	}
}

func (e *Executor) commitStep(ctx context.Context, r *run.Run, sr run.StepResult) {
	// Evidence rows land before the step's terminal status.
	for _, ev := range sr.Evidence {
		if err := e.store.PutEvidence(ctx, r.ID, sr.StepIndex, ev.Kind, ev.Key); err != nil {
			e.logger.Warn("evidence row not persisted", "key", ev.Key, "error", err)
		}
	}
	if err := e.store.PutStepResult(ctx, r.ID, sr); err != nil {
		e.logger.Warn("step result not persisted", "run_id", r.ID, "step", sr.StepIndex, "error", err)
	}
	r.UpsertResult(sr)
	if e.metrics != nil && sr.Status == run.StepRetry {
		e.metrics.RecordRetry()
	}
}

func (e *Executor) scope(vars map[string]any, outputs map[int]map[string]any) dsl.Scope {
	sc := dsl.Scope{
		Variables: vars,
		StepField: func(index int, field string) (any, bool) {
			out, ok := outputs[index]
			if !ok || out == nil {
				return nil, false
			}
			v, ok := out[field]
			return v, ok
		},
		Now: e.now,
	}
	if e.secrets != nil {
		sc.Secret = func(ref string) (string, error) {
			if e.metrics != nil {
				e.metrics.RecordSecretsLookup()
			}
			return e.secrets.Resolve(ref)
		}
	}
	return sc
}

func (e *Executor) mask(m map[string]any) map[string]any {
	if e.secrets == nil || m == nil {
		return m
	}
	return e.secrets.Masker().MaskMap(m)
}

func (e *Executor) policyConfig() *policy.Config {
	if e.policy != nil {
		return e.policy.Config()
	}
	return nil
}

func asFault(err error, step int) *fault.Fault {
	if f, ok := err.(*fault.Fault); ok {
		if f.StepIndex < 0 {
			f.Step(step)
		}
		return f
	}
	return fault.New(fault.CodeOf(err), "%s", err.Error()).Step(step).Wrap(err)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
