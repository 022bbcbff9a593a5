// Package planner implements the L2 differential-patch engine. After a
// step fails it proposes small, bounded repairs against the captured
// screen schema: swapping UI text for a synonym the screen actually
// shows, widening an element search, or raising a wait timeout. Patches
// apply to a deep copy of the in-memory plan only; template files on
// disk are never rewritten.
package planner

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
)

// similarityFloor is the minimum schema-match score worth proposing.
const similarityFloor = 0.7

// maxReplacements bounds one replace_text patch.
const maxReplacements = 3

// WaitTimeoutCapMS is the ceiling any wait_tuning patch may reach.
const WaitTimeoutCapMS = 30000

// Failure describes the step the planner is repairing around.
type Failure struct {
	StepIndex int
	Action    string
	Params    map[string]any
}

// Planner generates and gates differential patches.
type Planner struct {
	cfg    *policy.Config
	logger *slog.Logger
	now    func() time.Time
}

// New builds a planner over the policy knobs (adopt_policy drives the
// adoption gate).
func New(cfg *policy.Config, logger *slog.Logger) *Planner {
	if cfg == nil {
		cfg = policy.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{cfg: cfg, logger: logger, now: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (p *Planner) WithClock(clock func() time.Time) *Planner {
	p.now = clock
	return p
}

// Propose collects every applicable patch for the failure, highest
// confidence first.
func (p *Planner) Propose(f Failure, schema *webengine.Schema) []run.Patch {
	var out []run.Patch
	if patch := p.ProposeReplaceText(f, schema); patch != nil {
		out = append(out, *patch)
	}
	if patch := p.ProposeFallbackSearch(f); patch != nil {
		out = append(out, *patch)
	}
	if patch := p.ProposeWaitTuning(f); patch != nil {
		out = append(out, *patch)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// ProposeReplaceText matches the failed target text against the captured
// screen schema and proposes the closest on-screen alternatives.
// Confidence follows match strength; risk stays low only while the
// element role is preserved.
func (p *Planner) ProposeReplaceText(f Failure, schema *webengine.Schema) *run.Patch {
	if schema == nil {
		return nil
	}
	if f.Action != "click_by_text" && f.Action != "fill_by_label" {
		return nil
	}
	target := stringParam(f.Params, "text")
	if target == "" {
		target = stringParam(f.Params, "label")
	}
	if target == "" {
		return nil
	}
	role := stringParam(f.Params, "role")
	if role == "" {
		role = "button"
	}

	type match struct {
		el  webengine.Element
		sim float64
	}
	var matches []match
	for _, el := range schema.Elements {
		text := el.Text
		if text == "" {
			text = el.Label
		}
		if text == "" || text == target {
			continue
		}
		if sim := Similarity(target, text); sim >= similarityFloor {
			matches = append(matches, match{el: el, sim: sim})
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].sim > matches[j].sim })
	if len(matches) > maxReplacements {
		matches = matches[:maxReplacements]
	}

	risk := run.SeverityLow
	var reps []run.Replacement
	sum := 0.0
	for _, m := range matches {
		text := m.el.Text
		if text == "" {
			text = m.el.Label
		}
		reps = append(reps, run.Replacement{Find: target, With: text, Role: role, Confidence: m.sim})
		sum += m.sim
		if m.el.Role != "" && m.el.Role != role {
			risk = run.SeverityMedium
		}
	}

	patch := &run.Patch{
		Kind:         run.PatchReplaceText,
		Replacements: reps,
		Confidence:   sum / float64(len(reps)),
		RiskLevel:    risk,
		GeneratedAt:  p.now(),
	}
	p.logger.Info("proposed replace_text patch",
		"target", target, "candidates", len(reps), "confidence", patch.Confidence)
	return patch
}

// ProposeFallbackSearch widens the element lookup with table synonyms.
// One attempt, conservative fixed confidence.
func (p *Planner) ProposeFallbackSearch(f Failure) *run.Patch {
	target := stringParam(f.Params, "text")
	if target == "" {
		target = stringParam(f.Params, "label")
	}
	if target == "" {
		return nil
	}
	syns := Synonyms(target)
	if len(syns) == 0 {
		return nil
	}
	role := stringParam(f.Params, "role")
	if role == "" {
		role = "button"
	}
	patch := &run.Patch{
		Kind: run.PatchFallbackSearch,
		Fallback: &run.FallbackSearch{
			Goal:       fmt.Sprintf("%s %s", target, role),
			Synonyms:   syns,
			Role:       role,
			Attempts:   1,
			Confidence: 0.88,
		},
		Confidence:  0.88,
		RiskLevel:   run.SeverityLow,
		GeneratedAt: p.now(),
	}
	p.logger.Info("proposed fallback_search patch", "target", target, "synonyms", syns)
	return patch
}

// ProposeWaitTuning raises the timeout of a failed wait_for_element.
// Small timeouts double, mid-range ones gain 5s, everything caps at 30s.
func (p *Planner) ProposeWaitTuning(f Failure) *run.Patch {
	if f.Action != "wait_for_element" {
		return nil
	}
	current := intParam(f.Params, "timeout_ms")
	if current <= 0 {
		current = 5000
	}
	var next int
	switch {
	case current < 5000:
		next = current * 2
	case current < 10000:
		next = current + 5000
	default:
		next = current + 5000
		if next > WaitTimeoutCapMS {
			next = WaitTimeoutCapMS
		}
	}
	if next <= current {
		return nil
	}
	patch := &run.Patch{
		Kind: run.PatchWaitTuning,
		WaitTuning: &run.WaitTuning{
			Action:     f.Action,
			TimeoutMS:  next,
			Confidence: 0.85,
		},
		Confidence:  0.85,
		RiskLevel:   run.SeverityLow,
		GeneratedAt: p.now(),
	}
	p.logger.Info("proposed wait_tuning patch", "from_ms", current, "to_ms", next)
	return patch
}

// Decision is the adoption gate's verdict on one patch.
type Decision struct {
	AutoAdopt            bool
	RequiresConfirmation bool
	Blocked              bool
	Reason               string
}

// Decide evaluates the adopt_policy: high risk is blocked outright,
// low-confidence patches wait for a human, and only low-risk confident
// patches inside an active autopilot window adopt automatically, and
// only while the per-run auto-change budget lasts.
func (p *Planner) Decide(patch run.Patch, autopilot, inWindow bool, autoChanges int) Decision {
	ap := p.cfg.AdoptPolicy
	if patch.RiskLevel == run.SeverityHigh && ap.BlockHighRisk {
		return Decision{Blocked: true, Reason: "high-risk patch blocked by policy"}
	}
	if patch.Confidence < ap.MinConfidence {
		return Decision{
			RequiresConfirmation: true,
			Reason:               fmt.Sprintf("confidence %.2f below threshold %.2f", patch.Confidence, ap.MinConfidence),
		}
	}
	if patch.RiskLevel == run.SeverityLow && ap.LowRiskAuto && autopilot && inWindow {
		if autoChanges >= ap.MaxAutoChanges {
			return Decision{RequiresConfirmation: true, Reason: "auto-change budget exhausted"}
		}
		return Decision{AutoAdopt: true, Reason: "low risk, high confidence, autopilot window"}
	}
	return Decision{RequiresConfirmation: true, Reason: "outside autopilot window, requires confirmation"}
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
