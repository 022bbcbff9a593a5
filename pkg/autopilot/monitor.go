// Package autopilot implements the L4 execution monitor. The monitor
// watches a run for deviations from its plan, scores them against the
// policy penalty weights, and reports when the run should safe-fail
// into a human handoff. It only observes: pausing, checkpointing and
// handoff records are the executor's job.
package autopilot

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
)

// Monitor accumulates deviations for one run. A monitor constructed for
// a run where autopilot is disabled (or the policy gate blocked) is
// inert: every Observe call is a no-op and Tripped never fires.
type Monitor struct {
	runID  int64
	cfg    *policy.Config
	active bool
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deviations []run.Deviation
	score      int
	trip       *run.Deviation
}

// NewMonitor builds the monitor for a run. Activity follows the policy
// decision: autopilot must be on in config and the gate must have
// allowed the plan.
func NewMonitor(runID int64, cfg *policy.Config, decision *policy.Decision, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = policy.Default()
	}
	return &Monitor{
		runID:  runID,
		cfg:    cfg,
		active: decision != nil && decision.AutopilotEnabled,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.now = clock
	return m
}

// Active reports whether the monitor is watching this run.
func (m *Monitor) Active() bool { return m.active }

// Observe records one deviation and updates the running score. Returns
// the scored deviation, or nil when the monitor is inactive.
func (m *Monitor) Observe(stepIndex int, kind run.DeviationKind, severity run.Severity, reason string) *run.Deviation {
	if !m.active {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := run.Deviation{
		RunID:     m.runID,
		StepIndex: stepIndex,
		Kind:      kind,
		Severity:  severity,
		Score:     m.penaltyFor(kind),
		Reason:    reason,
		At:        m.now(),
	}
	m.deviations = append(m.deviations, d)
	m.score += d.Score

	if m.trip == nil && (severity == run.SeverityHigh || m.score >= m.cfg.DeviationThreshold) {
		m.trip = &d
		m.logger.Warn("deviation threshold tripped",
			"run_id", m.runID, "step", stepIndex, "kind", kind,
			"score", m.score, "threshold", m.cfg.DeviationThreshold)
	} else {
		m.logger.Warn("deviation observed",
			"run_id", m.runID, "step", stepIndex, "kind", kind,
			"severity", severity, "score", m.score)
	}
	return &d
}

// Score returns the accumulated penalty total.
func (m *Monitor) Score() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.score
}

// Tripped returns the deviation that crossed the threshold, if any. A
// high-severity deviation trips immediately regardless of score.
func (m *Monitor) Tripped() (*run.Deviation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trip, m.trip != nil
}

// Deviations returns a copy of everything observed so far.
func (m *Monitor) Deviations() []run.Deviation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]run.Deviation(nil), m.deviations...)
}

// AnalyzeSequence compares the executed action sequence against the
// planned one with insertion-aware alignment: an actual step absent
// from the plan is one unexpected-element deviation and the expected
// cursor holds, so a single insertion does not cascade into a report
// per remaining step. A reordering consumes both cursors.
func (m *Monitor) AnalyzeSequence(stepIndex int, expected, actual []string) []run.Deviation {
	if !m.active {
		return nil
	}
	var out []run.Deviation
	ei, ai := 0, 0
	for ai < len(actual) && ei < len(expected) {
		if actual[ai] == expected[ei] {
			ai++
			ei++
			continue
		}
		if !contains(expected, actual[ai]) {
			if d := m.Observe(stepIndex, run.DeviationUnexpectedElement, run.SeverityMedium,
				fmt.Sprintf("action %q not in planned sequence", actual[ai])); d != nil {
				out = append(out, *d)
			}
			ai++
			continue
		}
		if d := m.Observe(stepIndex, run.DeviationUnexpectedElement, run.SeverityLow,
			fmt.Sprintf("expected %q but executed %q", expected[ei], actual[ai])); d != nil {
			out = append(out, *d)
		}
		ai++
		ei++
	}
	for ; ai < len(actual); ai++ {
		if contains(expected, actual[ai]) {
			continue
		}
		if d := m.Observe(stepIndex, run.DeviationUnexpectedElement, run.SeverityMedium,
			fmt.Sprintf("action %q not in planned sequence", actual[ai])); d != nil {
			out = append(out, *d)
		}
	}
	return out
}

// CheckRiskEscalation reports when execution exercised a risk flag the
// plan never declared. Destructive and outbound escalations are
// high severity and stop the run immediately.
func (m *Monitor) CheckRiskEscalation(stepIndex int, declared, actual []string) *run.Deviation {
	if !m.active {
		return nil
	}
	var escalated []string
	for _, r := range actual {
		if !contains(declared, r) {
			escalated = append(escalated, r)
		}
	}
	if len(escalated) == 0 {
		return nil
	}
	severity := run.SeverityMedium
	for _, r := range escalated {
		switch r {
		case "deletes", "overwrites", "system_modify", "sends", "uploads":
			severity = run.SeverityHigh
		}
	}
	return m.Observe(stepIndex, run.DeviationRiskEscalation, severity,
		"undeclared risks exercised: "+strings.Join(escalated, ", "))
}

// CheckDomainDrift reports navigation to a host outside the plan's
// target domains. Wildcards cover subdomains only, matching the web
// engine allowlist semantics.
func (m *Monitor) CheckDomainDrift(stepIndex int, allowed []string, host string) *run.Deviation {
	if !m.active {
		return nil
	}
	for _, a := range allowed {
		if host == a {
			return nil
		}
		if suffix, ok := strings.CutPrefix(a, "*."); ok && strings.HasSuffix(host, "."+suffix) {
			return nil
		}
	}
	return m.Observe(stepIndex, run.DeviationDomainDrift, run.SeverityHigh,
		fmt.Sprintf("navigated to %q outside target domains", host))
}

// CheckTiming reports a step that ran past its expected duration.
func (m *Monitor) CheckTiming(stepIndex int, action string, elapsed, threshold time.Duration) *run.Deviation {
	if !m.active || threshold <= 0 || elapsed <= threshold {
		return nil
	}
	return m.Observe(stepIndex, run.DeviationTiming, run.SeverityMedium,
		fmt.Sprintf("%s took %s, threshold %s", action, elapsed, threshold))
}

func (m *Monitor) penaltyFor(kind run.DeviationKind) int {
	p := m.cfg.Penalties
	switch kind {
	case run.DeviationUnexpectedElement:
		return p.UnexpectedElement
	case run.DeviationTiming:
		return p.Timing
	case run.DeviationRetryCap:
		return p.RetryCap
	case run.DeviationVerifierFail:
		return p.VerifierFail
	case run.DeviationRiskEscalation:
		return p.RiskEscalation
	default:
		return 1
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
