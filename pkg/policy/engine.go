package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/signing"
)

// Check names, part of the persisted decision contract.
const (
	CheckDomain     = "domain"
	CheckTimeWindow = "time_window"
	CheckRisk       = "risk"
	CheckSignature  = "signature"
	CheckCapability = "capabilities"
)

// Stable block reason codes per check.
const (
	ReasonDomainViolation     = "domain_violation"
	ReasonTimeWindowViolation = "time_window_violation"
	ReasonRiskViolation       = "risk_violation"
	ReasonSignatureViolation  = "signature_violation"
	ReasonCapabilityMismatch  = "capability_mismatch"
)

// Check is one evaluated policy check.
type Check struct {
	Name    string `json:"name"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Decision is the full evaluation result. Checks always holds all five
// entries regardless of outcome.
type Decision struct {
	Allowed          bool      `json:"allowed"`
	AutopilotEnabled bool      `json:"autopilot_enabled"`
	Checks           []Check   `json:"checks"`
	EvaluatedAt      time.Time `json:"evaluated_at"`
}

// BlockedReasons returns the reason codes of every failed check.
func (d *Decision) BlockedReasons() []string {
	var out []string
	for _, c := range d.Checks {
		if !c.Allowed {
			out = append(out, c.Reason)
		}
	}
	return out
}

// Fault converts a blocking decision into a POLICY_BLOCKED fault. Allowed
// decisions return nil.
func (d *Decision) Fault() error {
	if d.Allowed {
		return nil
	}
	f := fault.New(fault.CodePolicyBlocked, "policy checks failed: %s", strings.Join(d.BlockedReasons(), ", "))
	for _, c := range d.Checks {
		if !c.Allowed {
			f.Hint(c.Detail)
		}
	}
	return f
}

// Engine evaluates the policy config against plan manifests.
type Engine struct {
	cfg    *Config
	window *Window
	now    func() time.Time
}

// NewEngine compiles the config. An unparseable window fails construction
// rather than silently denying forever.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = Default()
	}
	w, err := ParseWindow(cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("policy window: %w", err)
	}
	return &Engine{cfg: cfg, window: w, now: time.Now}, nil
}

// WithClock overrides the wall clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.now = clock
	return e
}

// Config returns the compiled configuration.
func (e *Engine) Config() *Config { return e.cfg }

// InWindow reports whether t falls in the execution window. The planner's
// adoption gate uses this directly.
func (e *Engine) InWindow(t time.Time) bool { return e.window.Contains(t) }

// Evaluate runs all five checks against the manifest. verification is the
// signature result when the plan carried one, nil otherwise. Evaluation
// never short-circuits: a blocked run still reports every check so the
// audit trail shows the complete picture.
func (e *Engine) Evaluate(m *manifest.Manifest, verification *signing.Verification) *Decision {
	now := e.now()
	d := &Decision{EvaluatedAt: now}

	d.Checks = append(d.Checks,
		e.checkDomains(m),
		e.checkWindow(now),
		e.checkRisks(m),
		e.checkSignature(verification),
		e.checkCapabilities(m),
	)

	d.Allowed = true
	for _, c := range d.Checks {
		if !c.Allowed {
			d.Allowed = false
			break
		}
	}
	d.AutopilotEnabled = e.cfg.Autopilot && d.Allowed
	return d
}

func (e *Engine) checkDomains(m *manifest.Manifest) Check {
	c := Check{Name: CheckDomain, Allowed: true}
	var blocked []string
	for _, domain := range m.TargetDomains {
		if !domainAllowed(domain, e.cfg.AllowDomains) {
			blocked = append(blocked, domain)
		}
	}
	if len(blocked) > 0 {
		c.Allowed = false
		c.Reason = ReasonDomainViolation
		c.Detail = fmt.Sprintf("domains not in allowlist: %s", strings.Join(blocked, ", "))
	}
	return c
}

// domainAllowed matches exactly or by dot-suffix: "partner.example.com"
// allows itself and any subdomain; the glob form "*.example.com" allows
// subdomains only.
func domainAllowed(domain string, allow []string) bool {
	for _, pattern := range allow {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if after, ok := strings.CutPrefix(pattern, "*."); ok {
			if strings.HasSuffix(domain, "."+after) {
				return true
			}
			continue
		}
		if domain == pattern || strings.HasSuffix(domain, "."+pattern) {
			return true
		}
	}
	return false
}

func (e *Engine) checkWindow(now time.Time) Check {
	c := Check{Name: CheckTimeWindow, Allowed: true}
	if !e.window.Contains(now) {
		c.Allowed = false
		c.Reason = ReasonTimeWindowViolation
		c.Detail = fmt.Sprintf("current time outside window %q", e.window)
	}
	return c
}

func (e *Engine) checkRisks(m *manifest.Manifest) Check {
	c := Check{Name: CheckRisk, Allowed: true}
	allowed := map[string]bool{}
	for _, r := range e.cfg.AllowRisks {
		allowed[r] = true
	}
	var blocked []string
	for _, r := range m.RiskFlags {
		if !allowed[r] {
			blocked = append(blocked, r)
		}
	}
	if len(blocked) > 0 {
		sort.Strings(blocked)
		c.Allowed = false
		c.Reason = ReasonRiskViolation
		c.Detail = fmt.Sprintf("risk flags not permitted: %s", strings.Join(blocked, ", "))
	}
	return c
}

func (e *Engine) checkSignature(v *signing.Verification) Check {
	c := Check{Name: CheckSignature, Allowed: true}
	if !e.cfg.RequireSignedTemplates {
		return c
	}
	if v == nil {
		c.Allowed = false
		c.Reason = ReasonSignatureViolation
		c.Detail = "policy requires signed templates and the plan carries no verified signature"
		return c
	}
	if v.Policy == signing.ExecBlock {
		c.Allowed = false
		c.Reason = ReasonSignatureViolation
		c.Detail = fmt.Sprintf("signing key %q trust level %s is blocked from execution", v.KeyID, v.TrustLevel)
	}
	return c
}

func (e *Engine) checkCapabilities(m *manifest.Manifest) Check {
	c := Check{Name: CheckCapability, Allowed: true}
	if len(e.cfg.RequireCapabilities) == 0 {
		return c
	}
	allowed := map[string]bool{}
	for _, cap := range e.cfg.RequireCapabilities {
		allowed[cap] = true
	}
	var extra []string
	for _, cap := range m.Capabilities {
		if !allowed[cap] {
			extra = append(extra, cap)
		}
	}
	if len(extra) > 0 {
		c.Allowed = false
		c.Reason = ReasonCapabilityMismatch
		c.Detail = fmt.Sprintf("plan needs capabilities outside the permitted set: %s", strings.Join(extra, ", "))
	}
	return c
}
