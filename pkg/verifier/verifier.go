// Package verifier runs the assertion actions. Every assertion gets at
// most one automatic retry with an extended check: double timeout, and a
// broadened needle for text matching. First attempt ok is PASS, extended
// second attempt ok is RETRY, both failing is FAIL and aborts the run.
package verifier

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/adapters/osadapter"
	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/run"
)

// DefaultTimeout bounds a single wait_for_element attempt.
const DefaultTimeout = 5 * time.Second

// Outcome is the verdict for one assertion step.
type Outcome struct {
	Status   run.StepStatus
	Attempts int
	// Broadened is the relaxed needle used by the second attempt, when
	// text was broadened.
	Broadened string
	Err       error
}

// Verifier dispatches assertions to the OS adapter and web engine.
type Verifier struct {
	os     osadapter.Adapter
	web    webengine.Engine
	logger *slog.Logger
	sleep  func(time.Duration)
}

// New wires a verifier. A nil logger falls back to slog.Default.
func New(osAdapter osadapter.Adapter, web webengine.Engine, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{os: osAdapter, web: web, logger: logger, sleep: time.Sleep}
}

// WithSleep overrides the poll sleep for deterministic tests.
func (v *Verifier) WithSleep(sleep func(time.Duration)) *Verifier {
	v.sleep = sleep
	return v
}

// Verify runs the assertion with the one-retry law. Params are the
// step's already-rendered parameters.
func (v *Verifier) Verify(ctx context.Context, step dsl.Step, params map[string]any) Outcome {
	if !step.IsVerifier() {
		return Outcome{Status: run.StepFail, Attempts: 0,
			Err: fault.New(fault.CodeInternal, "%q is not a verifier action", step.Action)}
	}

	firstErr := v.attempt(ctx, step, params, false)
	if firstErr == nil {
		return Outcome{Status: run.StepPass, Attempts: 1}
	}
	if ctx.Err() != nil {
		return Outcome{Status: run.StepFail, Attempts: 1,
			Err: fault.New(fault.CodeCancelled, "verification cancelled").Wrap(ctx.Err())}
	}
	v.logger.Debug("verifier first attempt failed, extending",
		"action", step.Action, "error", firstErr)

	secondErr := v.attempt(ctx, step, params, true)
	if secondErr == nil {
		return Outcome{Status: run.StepRetry, Attempts: 2, Broadened: broadenedNeedle(step, params)}
	}
	f := fault.New(fault.CodeVerifierFail, "%s failed after extended retry", step.Action).
		Step(step.Index).Wrap(secondErr)
	return Outcome{Status: run.StepFail, Attempts: 2, Err: f}
}

// broadenedNeedle reports the relaxed text the extended attempt used, or
// empty when no broadening applies.
func broadenedNeedle(step dsl.Step, params map[string]any) string {
	switch step.Action {
	case "wait_for_element", "assert_element", "assert_text":
		if text := stringParam(params, "text"); len([]rune(text)) > 3 {
			return broaden(text)
		}
	}
	return ""
}

// broaden halves the needle. Matching gets strictly weaker, never
// different.
func broaden(text string) string {
	r := []rune(text)
	if len(r) <= 3 {
		return text
	}
	return string(r[:len(r)/2])
}

func (v *Verifier) attempt(ctx context.Context, step dsl.Step, params map[string]any, extended bool) error {
	switch step.Action {
	case "wait_for_element":
		return v.waitForElement(ctx, params, extended)
	case "assert_element":
		return v.assertElement(ctx, params, extended)
	case "assert_text":
		return v.assertText(ctx, params, extended)
	case "assert_file_exists":
		return v.assertFileExists(params)
	case "assert_pdf_pages":
		return v.assertPDFPages(ctx, params)
	default:
		return fault.New(fault.CodeInternal, "unknown verifier action %q", step.Action)
	}
}

func (v *Verifier) target(params map[string]any, extended bool) webengine.Target {
	t := webengine.Target{
		Text:     stringParam(params, "text"),
		Selector: stringParam(params, "selector"),
		Role:     stringParam(params, "role"),
		Frame:    stringParam(params, "frame"),
	}
	if extended && t.Text != "" {
		t.Text = broaden(t.Text)
	}
	return t
}

func (v *Verifier) waitForElement(ctx context.Context, params map[string]any, extended bool) error {
	timeout := durationParam(params, "timeout_ms", DefaultTimeout)
	if extended {
		timeout *= 2
	}
	target := v.target(params, extended)

	deadline := time.Now().Add(timeout)
	for {
		n, err := v.web.ElementCount(ctx, target)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !time.Now().Before(deadline) {
			return fault.New(fault.CodeVerifierTimeout, "element %q did not appear within %s",
				targetLabel(target), timeout)
		}
		v.sleep(100 * time.Millisecond)
	}
}

func (v *Verifier) assertElement(ctx context.Context, params map[string]any, extended bool) error {
	want := intParam(params, "count_gte", 1)
	target := v.target(params, extended)
	n, err := v.web.ElementCount(ctx, target)
	if err != nil {
		return err
	}
	if n < want {
		return fault.New(fault.CodeVerifierFail, "found %d of %q, want at least %d",
			n, targetLabel(target), want)
	}
	return nil
}

func (v *Verifier) assertText(ctx context.Context, params map[string]any, extended bool) error {
	needle := stringParam(params, "text")
	if extended {
		needle = broaden(needle)
	}
	page, err := v.web.PageText(ctx)
	if err != nil {
		return err
	}
	if !strings.Contains(page, needle) {
		return fault.New(fault.CodeVerifierFail, "page does not contain %q", needle)
	}
	return nil
}

// assertFileExists has no broadened form: the second attempt is the same
// check, which covers slow filesystem flushes.
func (v *Verifier) assertFileExists(params map[string]any) error {
	path := stringParam(params, "path")
	if _, err := os.Stat(path); err != nil {
		return fault.New(fault.CodeFileNotFound, "expected file %q does not exist", path)
	}
	return nil
}

func (v *Verifier) assertPDFPages(ctx context.Context, params map[string]any) error {
	path := stringParam(params, "path")
	want := intParam(params, "expected_pages", -1)
	got, err := v.os.PDFPageCount(ctx, path)
	if err != nil {
		return err
	}
	if got != want {
		return fault.New(fault.CodeVerifierFail, "%q has %d pages, want %d", path, got, want)
	}
	return nil
}

func targetLabel(t webengine.Target) string {
	if t.Text != "" {
		return t.Text
	}
	return t.Selector
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func durationParam(params map[string]any, key string, def time.Duration) time.Duration {
	if ms := intParam(params, key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
