package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
)

// Sidecar is the <stem>.manifest.json file written next to a plan. It
// declares what the plan claims about itself; Compliance checks the claims
// against a fresh analysis.
type Sidecar struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Version              string   `json:"version"`
	DSLVersion           string   `json:"dsl_version"`
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	RiskFlags            []string `json:"risk_flags"`
	TargetDomains        []string `json:"target_domains"`
	CreatedAt            string   `json:"created_at"`
	PlanHash             string   `json:"plan_hash"`
}

// SidecarPath returns the manifest path for a plan file.
func SidecarPath(planPath string) string {
	stem := strings.TrimSuffix(planPath, filepath.Ext(planPath))
	return stem + ".manifest.json"
}

// GenerateSidecar analyzes the plan and builds its sidecar declaration. The
// plan hash covers the raw file bytes, so any edit invalidates the sidecar.
func GenerateSidecar(planPath string, raw []byte, p *dsl.Plan, now time.Time) *Sidecar {
	m := Analyze(p)
	name := p.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(planPath), filepath.Ext(planPath))
	}
	version := "1.0.0"

	sum := sha256.Sum256(raw)
	return &Sidecar{
		ID:                   fmt.Sprintf("%s@v%s", strings.TrimSuffix(filepath.Base(planPath), filepath.Ext(planPath)), version),
		Name:                 name,
		Version:              version,
		DSLVersion:           p.DSLVersion,
		Description:          p.Description,
		RequiredCapabilities: m.RequiredCapabilities,
		RiskFlags:            m.RiskFlags,
		TargetDomains:        m.TargetDomains,
		CreatedAt:            now.UTC().Format(time.RFC3339),
		PlanHash:             hex.EncodeToString(sum[:]),
	}
}

// WriteSidecar persists the sidecar next to the plan.
func WriteSidecar(planPath string, sc *Sidecar) (string, error) {
	out, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", fault.New(fault.CodeInternal, "marshal manifest: %v", err).Wrap(err)
	}
	path := SidecarPath(planPath)
	if err := os.WriteFile(path, append(out, '\n'), 0o600); err != nil {
		return "", fault.New(fault.CodeInternal, "write manifest %s: %v", path, err).Wrap(err)
	}
	return path, nil
}

// LoadSidecar reads and structurally validates a sidecar file.
func LoadSidecar(path string) (*Sidecar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.New(fault.CodeFileNotFound, "read manifest %s: %v", path, err).Wrap(err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, fault.New(fault.CodeValidationFailed, "manifest %s: %v", path, err).Wrap(err)
	}
	if sc.ID == "" || sc.Name == "" || sc.Version == "" || sc.DSLVersion == "" {
		return nil, fault.New(fault.CodeValidationFailed, "manifest %s missing required fields", path)
	}
	if sc.RequiredCapabilities == nil || sc.RiskFlags == nil {
		return nil, fault.New(fault.CodeValidationFailed, "manifest %s missing capability declarations", path)
	}
	return &sc, nil
}

// ComplianceResult is the outcome of checking declared capabilities and
// risk flags against a fresh analysis of the plan.
type ComplianceResult struct {
	Compliant  bool
	Violations []string
	Warnings   []string
}

// Compliance compares the sidecar's declarations with the analyzed plan.
// Undeclared capabilities and undeclared risk flags are violations;
// over-declared capabilities are warnings only.
func Compliance(sc *Sidecar, p *dsl.Plan) ComplianceResult {
	m := Analyze(p)

	declaredCaps := toSet(sc.RequiredCapabilities)
	actualCaps := toSet(m.Capabilities)
	declaredRisks := toSet(sc.RiskFlags)
	actualRisks := toSet(m.RiskFlags)

	var res ComplianceResult
	for _, c := range sortedSet(diff(actualCaps, declaredCaps)) {
		res.Violations = append(res.Violations, fmt.Sprintf("%s capability required but not declared in manifest", c))
	}
	for _, c := range sortedSet(diff(declaredCaps, actualCaps)) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s capability declared but not used in plan", c))
	}
	for _, r := range sortedSet(diff(actualRisks, declaredRisks)) {
		res.Violations = append(res.Violations, fmt.Sprintf("Risk flag %q detected but not declared in manifest", r))
	}
	for _, r := range sc.RiskFlags {
		if !knownRisk(r) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Unknown risk flag: %s", r))
		}
	}

	res.Compliant = len(res.Violations) == 0
	sort.Strings(res.Violations)
	return res
}

func knownRisk(r string) bool {
	for _, k := range KnownRiskFlags {
		if k == r {
			return true
		}
	}
	return false
}

func toSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func diff(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}
