package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/adapters/osadapter"
	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/evidence"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/planner"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/store"
)

// mailState buffers the draft being assembled across compose_mail,
// attach_files, and save_draft steps of one run.
type mailState struct {
	mail        *osadapter.Mail
	attachments []string
}

// actionCapability maps OS-bound actions to the capability whose
// concurrency limit gates them.
var actionCapability = map[string]string{
	"find_files":        osadapter.CapFS,
	"rename":            osadapter.CapFS,
	"move_to":           osadapter.CapFS,
	"pdf_merge":         osadapter.CapPDFMerge,
	"pdf_extract_pages": osadapter.CapPDFExtract,
	"assert_pdf_pages":  osadapter.CapPDFCount,
	"compose_mail":      osadapter.CapMailDraft,
	"attach_files":      osadapter.CapMailDraft,
	"save_draft":        osadapter.CapMailDraft,
}

// runStep executes one step through the attempt loop: verifier law for
// assertions, retry policy with backoff for everything else, and the
// at-most-once self-recovery hook in between.
func (e *Executor) runStep(ctx context.Context, r *run.Run, step dsl.Step, params map[string]any, opts Options, mail *mailState) run.StepResult {
	started := e.now()
	sr := run.StepResult{StepIndex: step.Index, Action: step.Action, StartedAt: started}

	if step.IsVerifier() {
		sr = e.runVerifierStep(ctx, r, step, params, opts, sr)
		sr.DurationMS = e.now().Sub(started).Milliseconds()
		return sr
	}

	maxAttempts := opts.Retry.MaxAttempts
	if !step.IsIdempotent() {
		maxAttempts = 1
	}
	recovered := false

	for attempt := 1; ; attempt++ {
		sr.Attempts = attempt
		output, recoveries, err := e.dispatch(ctx, r, step, params, opts, mail)
		sr.RecoveryActions = append(sr.RecoveryActions, recoveries...)
		if err == nil {
			sr.Output = output
			if step.Action == "capture_screen_schema" {
				if key, ok := output["key"].(string); ok && key != "" {
					sr.Evidence = append(sr.Evidence, run.Evidence{Kind: run.EvidenceDOMSchema, Key: key})
				}
			}
			if attempt > 1 {
				sr.Status = run.StepRetry
			} else {
				sr.Status = run.StepPass
			}
			return finishStep(&sr, started, e.now())
		}
		if ctx.Err() != nil {
			sr.Status = run.StepFail
			sr.Error = fault.New(fault.CodeCancelled, "step cancelled").Step(step.Index).Wrap(ctx.Err())
			return finishStep(&sr, started, e.now())
		}

		if !recovered {
			if newParams, ra, ok := e.recover(ctx, step, params, err); ok {
				recovered = true
				params = newParams
				ra.At = e.now()
				sr.RecoveryActions = append(sr.RecoveryActions, ra)
				e.logger.Info("self-recovery applied",
					"step", step.Index, "action", step.Action, "kind", ra.Kind)
				attempt--
				continue
			}
		}

		if !shouldRetry(err, attempt, RetryPolicy{MaxAttempts: maxAttempts, BackoffMS: opts.Retry.BackoffMS}) {
			sr.Status = run.StepFail
			sr.Error = asFault(err, step.Index)
			return finishStep(&sr, started, e.now())
		}
		delay := retryDelay(opts.Retry, attempt, e.jitter)
		e.logger.Warn("step retrying",
			"step", step.Index, "action", step.Action, "attempt", attempt, "backoff", delay, "error", err)
		if serr := e.sleep(ctx, delay); serr != nil {
			sr.Status = run.StepFail
			sr.Error = fault.New(fault.CodeCancelled, "step cancelled during backoff").Step(step.Index).Wrap(serr)
			return finishStep(&sr, started, e.now())
		}
	}
}

func finishStep(sr *run.StepResult, started, now time.Time) run.StepResult {
	sr.DurationMS = now.Sub(started).Milliseconds()
	return *sr
}

func (e *Executor) runVerifierStep(ctx context.Context, r *run.Run, step dsl.Step, params map[string]any, opts Options, sr run.StepResult) run.StepResult {
	if opts.DryRun {
		sr.Status = run.StepPass
		sr.Attempts = 1
		sr.Output = map[string]any{"dry_run": true}
		return sr
	}
	out := e.verifier.Verify(ctx, step, params)
	sr.Status = out.Status
	sr.Attempts = out.Attempts
	if out.Broadened != "" {
		sr.Output = map[string]any{"broadened": out.Broadened}
	}
	if out.Err != nil {
		sr.Error = asFault(out.Err, step.Index)
	}
	if e.metrics != nil {
		e.metrics.RecordVerifier(out.Status)
	}
	return sr
}

// dispatch calls the action implementation. Recovery actions returned
// here come from recoveries internal to one call (find_files widening).
func (e *Executor) dispatch(ctx context.Context, r *run.Run, step dsl.Step, params map[string]any, opts Options, mail *mailState) (map[string]any, []run.RecoveryAction, error) {
	if opts.DryRun {
		return map[string]any{"dry_run": true, "action": step.Action}, nil, nil
	}

	if capID, ok := actionCapability[step.Action]; ok {
		if sem, exists := e.sems[capID]; exists {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return nil, nil, fault.New(fault.CodeCancelled, "cancelled awaiting %s slot", capID)
			}
		}
	}

	switch step.Action {
	case "find_files":
		return e.findFiles(ctx, params)
	case "rename":
		newPath, err := e.os.Rename(ctx, stringParam(params, "path"), stringParam(params, "pattern"))
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": newPath}, nil, nil
	case "move_to":
		newPath, err := e.os.MoveTo(ctx, stringParam(params, "path"), stringParam(params, "dest"))
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": newPath}, nil, nil
	case "pdf_merge":
		inputs := stringSlice(params["inputs"])
		if len(inputs) == 0 {
			inputs = splitList(stringParam(params, "inputs_from"))
		}
		out := stringParam(params, "out")
		if out == "" {
			out = "merged.pdf"
		}
		if err := e.os.MergePDF(ctx, inputs, out); err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": out, "inputs": len(inputs)}, nil, nil
	case "pdf_extract_pages":
		path := stringParam(params, "path")
		out := stringParam(params, "out")
		if out == "" {
			out = strings.TrimSuffix(path, filepath.Ext(path)) + "_extract.pdf"
		}
		if err := e.os.ExtractPDFPages(ctx, path, stringParam(params, "ranges"), out); err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": out}, nil, nil
	case "compose_mail":
		m := osadapter.Mail{
			To:          stringSlice(params["to"]),
			Subject:     stringParam(params, "subject"),
			Body:        stringParam(params, "body"),
			Attachments: append(stringSlice(params["attachments"]), mail.attachments...),
		}
		if err := e.os.ComposeMail(ctx, m); err != nil {
			return nil, nil, err
		}
		mail.mail = &m
		return map[string]any{"to": m.To, "subject": m.Subject}, nil, nil
	case "attach_files":
		files := stringSlice(params["files"])
		mail.attachments = append(mail.attachments, files...)
		if mail.mail != nil {
			m := *mail.mail
			m.Attachments = append(append([]string{}, m.Attachments...), files...)
			if err := e.os.ComposeMail(ctx, m); err != nil {
				return nil, nil, err
			}
			mail.mail = &m
		}
		return map[string]any{"files": files}, nil, nil
	case "save_draft":
		path, err := e.os.SaveDraft(ctx)
		if err != nil {
			return nil, nil, err
		}
		mail.mail = nil
		mail.attachments = nil
		return map[string]any{"path": path}, nil, nil

	case "open_browser":
		u := stringParam(params, "url")
		if err := e.web.Open(ctx, u); err != nil {
			return nil, nil, err
		}
		return map[string]any{"url": u}, nil, nil
	case "fill_by_label":
		if err := e.web.Fill(ctx, webTarget(params, "label"), stringParam(params, "text")); err != nil {
			return nil, nil, err
		}
		return map[string]any{"label": stringParam(params, "label")}, nil, nil
	case "click_by_text":
		if err := e.web.Click(ctx, webTarget(params, "text")); err != nil {
			return nil, nil, err
		}
		return map[string]any{"text": stringParam(params, "text")}, nil, nil
	case "upload_file":
		err := e.web.Upload(ctx, webTarget(params, "label"), stringParam(params, "path"))
		if e.metrics != nil {
			e.metrics.RecordWebUpload(err == nil)
		}
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": stringParam(params, "path")}, nil, nil
	case "download_file":
		if err := e.web.Open(ctx, stringParam(params, "url")); err != nil {
			return nil, nil, err
		}
		path, err := e.web.WaitForDownload(ctx, stringParam(params, "to"), stepTimeout(step, time.Minute))
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": path}, nil, nil
	case "wait_for_download":
		path, err := e.web.WaitForDownload(ctx, stringParam(params, "to"), stepTimeout(step, time.Minute))
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"path": path}, nil, nil
	case "capture_screen_schema":
		return e.captureSchema(ctx, r, step, params)

	case "policy_guard":
		if e.policy == nil || r.Manifest == nil {
			return map[string]any{"allowed": true}, nil, nil
		}
		d := e.policy.Evaluate(r.Manifest, nil)
		if err := e.store.PutPolicyDecision(ctx, r.ID, d); err != nil {
			e.logger.Warn("policy decision not persisted", "error", err)
		}
		if !d.Allowed {
			if e.metrics != nil {
				e.metrics.RecordPolicyBlock(d.BlockedReasons())
			}
			return nil, nil, d.Fault()
		}
		return map[string]any{"allowed": true}, nil, nil
	}

	return nil, nil, fault.New(fault.CodeUnsupported, "unknown action %q", step.Action).Step(step.Index)
}

// findFiles searches and, on an empty result, widens each root one
// directory level exactly once.
func (e *Executor) findFiles(ctx context.Context, params map[string]any) (map[string]any, []run.RecoveryAction, error) {
	query := stringParam(params, "query")
	roots := stringSlice(params["roots"])

	paths, err := e.os.FindFiles(ctx, query, roots)
	if err == nil && len(paths) > 0 {
		return map[string]any{"paths": paths, "found": len(paths)}, nil, nil
	}
	if err != nil && !fault.IsCode(err, fault.CodeFileNotFound) {
		return nil, nil, err
	}

	widened := make([]string, 0, len(roots))
	seen := map[string]bool{}
	for _, root := range roots {
		parent := filepath.Dir(filepath.Clean(root))
		if !seen[parent] {
			seen[parent] = true
			widened = append(widened, parent)
		}
	}
	ra := run.RecoveryAction{
		Kind:   "widen_search",
		Detail: fmt.Sprintf("no matches under %v, retrying in %v", roots, widened),
		At:     e.now(),
	}
	paths, err = e.os.FindFiles(ctx, query, widened)
	if err != nil {
		return nil, []run.RecoveryAction{ra}, err
	}
	return map[string]any{"paths": paths, "found": len(paths)}, []run.RecoveryAction{ra}, nil
}

func (e *Executor) captureSchema(ctx context.Context, r *run.Run, step dsl.Step, params map[string]any) (map[string]any, []run.RecoveryAction, error) {
	schema, err := e.web.CaptureDOMSchema(ctx, stringParam(params, "target"))
	if err != nil {
		return nil, nil, err
	}
	out := map[string]any{"url": schema.URL, "elements": len(schema.Elements)}
	if e.evidence != nil {
		data, merr := json.Marshal(schema)
		if merr == nil {
			key := evidence.Key(evidence.CategorySchemas, r.ID, step.Index, "json")
			if perr := e.evidence.Put(ctx, key, data); perr != nil {
				e.logger.Warn("schema artifact not stored", "key", key, "error", perr)
			} else {
				out["key"] = key
			}
		}
	}
	if e.metrics != nil {
		e.metrics.RecordSchemaCapture()
	}
	return out, nil, nil
}

// captureScreenshot attaches a post-step screenshot when the adapter
// declares the capability. Misses are logged, never fatal.
func (e *Executor) captureScreenshot(ctx context.Context, r *run.Run, step dsl.Step, sr *run.StepResult) {
	if e.evidence == nil || e.os == nil {
		return
	}
	if c, ok := e.os.Capabilities()[osadapter.CapScreenshot]; !ok || !c.Available {
		return
	}
	data, err := e.os.TakeScreenshot(ctx, "")
	if err != nil {
		e.logger.Debug("screenshot skipped", "step", step.Index, "error", err)
		return
	}
	key := evidence.Key(evidence.CategoryScreenshots, r.ID, step.Index, "png")
	if err := e.evidence.Put(ctx, key, data); err != nil {
		e.logger.Warn("screenshot artifact not stored", "key", key, "error", err)
		return
	}
	sr.Evidence = append(sr.Evidence, run.Evidence{Kind: run.EvidenceScreenshot, Key: key})
}

// recover implements the deterministic at-most-once self-recovery
// hooks: create a missing move destination, or swap a failed web text
// lookup for a table synonym with placeholder/aria fallback.
func (e *Executor) recover(ctx context.Context, step dsl.Step, params map[string]any, err error) (map[string]any, run.RecoveryAction, bool) {
	switch step.Action {
	case "move_to":
		if !fault.IsCode(err, fault.CodeFileNotFound) {
			return nil, run.RecoveryAction{}, false
		}
		dest := stringParam(params, "dest")
		if dest == "" {
			return nil, run.RecoveryAction{}, false
		}
		if mkErr := os.MkdirAll(dest, 0o755); mkErr != nil {
			return nil, run.RecoveryAction{}, false
		}
		return params, run.RecoveryAction{
			Kind:   "create_dest",
			Detail: "created missing destination directory " + dest,
		}, true

	case "fill_by_label", "click_by_text", "upload_file":
		// Element lookup already spans placeholder and aria text on the
		// engine side; the recovery contributes the synonym swap.
		if !fault.IsCode(err, fault.CodeWebElementNotFound) {
			return nil, run.RecoveryAction{}, false
		}
		key := "text"
		if step.Action != "click_by_text" {
			key = "label"
		}
		target := stringParam(params, key)
		syns := planner.Synonyms(target)
		if len(syns) == 0 {
			return nil, run.RecoveryAction{}, false
		}
		newParams := make(map[string]any, len(params))
		for k, v := range params {
			newParams[k] = v
		}
		newParams[key] = syns[0]
		return newParams, run.RecoveryAction{
			Kind:   "synonym_fallback",
			Detail: fmt.Sprintf("retrying %q as synonym %q", target, syns[0]),
		}, true
	}
	return nil, run.RecoveryAction{}, false
}

// humanConfirm suspends the run until a decision arrives. A nil result
// with nil error means the run stays suspended for an external decision
// path; a non-nil result means execution continues.
func (e *Executor) humanConfirm(ctx context.Context, r *run.Run, step dsl.Step, scope dsl.Scope, vars map[string]any, outputs map[int]map[string]any, opts Options) (*run.StepResult, error) {
	params, err := dsl.RenderParams(step.Params, scope)
	if err != nil {
		return nil, err
	}
	started := e.now()

	// A prior request for this step (from the suspension that produced
	// the resume checkpoint) is continued, not repeated.
	if prior, perr := e.store.ApprovalForStep(ctx, r.ID, step.Index); perr == nil && prior != nil {
		return e.awaitApproval(ctx, r, step, prior, started, opts)
	}

	if opts.AutoApprove {
		now := e.now()
		a := &run.Approval{
			ID: uuid.NewString(), RunID: r.ID, StepIndex: step.Index,
			Message: stringParam(params, "message"), RequiredRole: step.RequiredRole,
			AutoAction: run.AutoApprove, Status: run.ApprovalApproved,
			RequestedAt: now, ExpiresAt: now, DecidedAt: &now, Actor: "auto_approve",
		}
		_ = e.store.PutApproval(ctx, a)
		if e.metrics != nil {
			e.metrics.RecordApprovalRequired()
			e.metrics.RecordApprovalGranted()
		}
		return &run.StepResult{
			StepIndex: step.Index, Action: step.Action, Status: run.StepPass,
			Attempts: 1, StartedAt: started,
			Output: map[string]any{"approved": true, "actor": "auto_approve"},
		}, nil
	}

	timeoutMin := intParam(params, "timeout_minutes")
	if timeoutMin <= 0 {
		timeoutMin = 60
	}
	autoAction := run.AutoAction(stringParam(params, "auto_action"))
	if autoAction != run.AutoApprove {
		autoAction = run.AutoDeny
	}
	a := &run.Approval{
		ID: uuid.NewString(), RunID: r.ID, StepIndex: step.Index,
		Message: stringParam(params, "message"), RequiredRole: step.RequiredRole,
		AutoAction: autoAction, Status: run.ApprovalPending,
		RequestedAt: e.now(), ExpiresAt: e.now().Add(time.Duration(timeoutMin) * time.Minute),
	}
	if err := e.store.PutApproval(ctx, a); err != nil {
		return nil, err
	}

	e.checkpoint(ctx, r, vars, outputs, step.Index, run.CheckpointHITL)
	if err := r.Transition(run.StateWaitingApproval, e.now()); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRunState(ctx, r); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordApprovalRequired()
	}
	_ = e.audit.Record(ctx, store.AuditMutation, "approval_requested", r.PublicID, "executor", map[string]any{
		"step": step.Index, "required_role": step.RequiredRole,
	})
	e.logger.Info("run awaiting approval", "run_id", r.ID, "step", step.Index, "approval_id", a.ID)

	return e.awaitApproval(ctx, r, step, a, started, opts)
}

// awaitApproval polls the stored approval until decided, expired, or
// cancelled.
func (e *Executor) awaitApproval(ctx context.Context, r *run.Run, step dsl.Step, a *run.Approval, started time.Time, opts Options) (*run.StepResult, error) {
	for {
		cur, err := e.store.GetApproval(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if cur.Decided() {
			switch cur.Status {
			case run.ApprovalApproved:
				if r.State == run.StateWaitingApproval {
					if err := r.Transition(run.StateRunning, e.now()); err != nil {
						return nil, err
					}
					if err := e.store.UpdateRunState(ctx, r); err != nil {
						return nil, err
					}
				}
				if e.metrics != nil {
					e.metrics.RecordApprovalGranted()
				}
				return &run.StepResult{
					StepIndex: step.Index, Action: step.Action, Status: run.StepPass,
					Attempts: 1, StartedAt: started,
					Output: map[string]any{"approved": true, "actor": cur.Actor},
				}, nil
			case run.ApprovalDenied:
				return nil, fault.New(fault.CodeApprovalDenied, "approval denied by %s", cur.Actor).Step(step.Index)
			default:
				return nil, fault.New(fault.CodeApprovalTimeout, "approval expired undecided").Step(step.Index)
			}
		}

		if cur.Expired(e.now()) {
			now := e.now()
			cur.DecidedAt = &now
			cur.Actor = "auto_action"
			if cur.AutoAction == run.AutoApprove {
				cur.Status = run.ApprovalApproved
			} else {
				cur.Status = run.ApprovalTimedOut
			}
			if err := e.store.UpdateApproval(ctx, cur); err != nil {
				return nil, err
			}
			continue
		}

		if err := e.sleep(ctx, opts.ApprovalPoll); err != nil {
			return nil, fault.New(fault.CodeCancelled, "cancelled awaiting approval").Step(step.Index).Wrap(err)
		}
	}
}

func webTarget(params map[string]any, key string) webengine.Target {
	t := webengine.Target{
		Label:    stringParam(params, "label"),
		Text:     stringParam(params, "text"),
		Selector: stringParam(params, "selector"),
		Role:     stringParam(params, "role"),
	}
	if t.Label == "" && t.Text == "" && t.Selector == "" {
		t.Text = stringParam(params, key)
	}
	return t
}

func stepTimeout(step dsl.Step, fallback time.Duration) time.Duration {
	if step.TimeoutMS > 0 {
		return time.Duration(step.TimeoutMS) * time.Millisecond
	}
	return fallback
}

func stringParam(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		// A rendered step reference arrives as one comma-joined string.
		return splitList(t)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
