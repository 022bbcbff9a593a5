package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/signing"
)

func testEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e.WithClock(func() time.Time {
		// Wednesday 2026-01-07 10:00 UTC.
		return time.Date(2026, 1, 7, 10, 0, 0, 0, time.UTC)
	})
}

func webManifest(domains ...string) *manifest.Manifest {
	return &manifest.Manifest{
		Capabilities:  []string{"webx"},
		RiskFlags:     []string{},
		TargetDomains: domains,
	}
}

func TestEvaluateAllChecksPresent(t *testing.T) {
	cfg := Default()
	cfg.AllowDomains = []string{"partner.example.com"}
	e := testEngine(t, cfg)

	d := e.Evaluate(webManifest("evil.example.com"), nil)

	require.Len(t, d.Checks, 5, "every check must report even when one blocks")
	names := make([]string, len(d.Checks))
	for i, c := range d.Checks {
		names[i] = c.Name
	}
	assert.Equal(t, []string{CheckDomain, CheckTimeWindow, CheckRisk, CheckSignature, CheckCapability}, names)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{ReasonDomainViolation}, d.BlockedReasons())
	assert.True(t, fault.IsCode(d.Fault(), fault.CodePolicyBlocked))
}

func TestEvaluateAllowedIffAllChecksPass(t *testing.T) {
	cfg := Default()
	cfg.AllowDomains = []string{"partner.example.com"}
	e := testEngine(t, cfg)

	d := e.Evaluate(webManifest("partner.example.com"), nil)
	assert.True(t, d.Allowed)
	assert.Nil(t, d.Fault())
	for _, c := range d.Checks {
		assert.True(t, c.Allowed, c.Name)
	}
}

func TestDomainSuffixMatching(t *testing.T) {
	assert.True(t, domainAllowed("partner.example.com", []string{"partner.example.com"}))
	assert.True(t, domainAllowed("sub.partner.example.com", []string{"partner.example.com"}))
	assert.True(t, domainAllowed("app.example.com", []string{"*.example.com"}))
	assert.False(t, domainAllowed("example.com", []string{"*.example.com"}))
	assert.False(t, domainAllowed("notpartner.example.com", []string{"partner.example.com"}))
	assert.False(t, domainAllowed("partner.example.com.evil.io", []string{"partner.example.com"}))
	assert.False(t, domainAllowed("anything.com", nil))
}

func TestRiskCheck(t *testing.T) {
	cfg := Default()
	cfg.AllowRisks = []string{"sends"}
	e := testEngine(t, cfg)

	m := &manifest.Manifest{RiskFlags: []string{"sends"}}
	assert.True(t, e.Evaluate(m, nil).Allowed)

	m = &manifest.Manifest{RiskFlags: []string{"sends", "deletes"}}
	d := e.Evaluate(m, nil)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.BlockedReasons(), ReasonRiskViolation)
}

func TestWindowCheck(t *testing.T) {
	cfg := Default()
	cfg.Window = "MON-FRI 09:00-17:00 UTC"
	e := testEngine(t, cfg) // Wednesday 10:00 UTC
	assert.True(t, e.Evaluate(webManifest(), nil).Allowed)

	e2, err := NewEngine(cfg)
	require.NoError(t, err)
	e2.WithClock(func() time.Time {
		return time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC) // Saturday
	})
	d := e2.Evaluate(webManifest(), nil)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.BlockedReasons(), ReasonTimeWindowViolation)
}

func TestSignatureCheck(t *testing.T) {
	cfg := Default()
	cfg.RequireSignedTemplates = true
	e := testEngine(t, cfg)

	d := e.Evaluate(webManifest(), nil)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.BlockedReasons(), ReasonSignatureViolation)

	v := &signing.Verification{KeyID: "k", TrustLevel: signing.TrustCommercial, Policy: signing.ExecAuto}
	assert.True(t, e.Evaluate(webManifest(), v).Allowed)

	blocked := &signing.Verification{KeyID: "k", TrustLevel: signing.TrustUnknown, Policy: signing.ExecBlock}
	assert.False(t, e.Evaluate(webManifest(), blocked).Allowed)
}

func TestCapabilityCheck(t *testing.T) {
	cfg := Default()
	cfg.RequireCapabilities = []string{"fs", "pdf"}
	e := testEngine(t, cfg)

	m := &manifest.Manifest{Capabilities: []string{"fs"}}
	assert.True(t, e.Evaluate(m, nil).Allowed)

	d := e.Evaluate(webManifest(), nil)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.BlockedReasons(), ReasonCapabilityMismatch)
}

func TestAutopilotRequiresConfigAndAllChecks(t *testing.T) {
	cfg := Default()
	cfg.Autopilot = true
	e := testEngine(t, cfg)
	assert.True(t, e.Evaluate(webManifest(), nil).AutopilotEnabled)

	cfg2 := Default()
	cfg2.Autopilot = true
	cfg2.AllowDomains = []string{"partner.example.com"}
	e2 := testEngine(t, cfg2)
	d := e2.Evaluate(webManifest("evil.example.com"), nil)
	assert.False(t, d.AutopilotEnabled, "blocked runs never get autopilot")

	cfg3 := Default()
	e3 := testEngine(t, cfg3)
	assert.False(t, e3.Evaluate(webManifest(), nil).AutopilotEnabled, "autopilot off by default")
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/nope.yaml")
	require.NoError(t, err)
	assert.False(t, cfg.Autopilot)
	assert.Equal(t, 3, cfg.DeviationThreshold)
	assert.InDelta(t, 0.85, cfg.AdoptPolicy.MinConfidence, 1e-9)
	assert.Equal(t, 2, cfg.Penalties.UnexpectedElement)
}
