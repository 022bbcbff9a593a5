// Package manifest derives a capability and risk profile from a plan. The
// derivation is pure and deterministic: two analyses of the same plan yield
// byte-identical manifests, which is what lets the policy engine and the
// compliance checker trust a cached manifest.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Capability names the adapter surface a step needs.
type Capability string

const (
	CapWebX      Capability = "webx"
	CapFS        Capability = "fs"
	CapPDF       Capability = "pdf"
	CapMailDraft Capability = "mail_draft"
	CapSystem    Capability = "system"
)

// Risk flags raised by the analyzer.
const (
	RiskSends      = "sends"
	RiskDeletes    = "deletes"
	RiskOverwrites = "overwrites"
)

// KnownRiskFlags is the closed set the policy engine understands.
var KnownRiskFlags = []string{RiskDeletes, RiskOverwrites, RiskSends}

// SignatureInfo is attached after signature verification.
type SignatureInfo struct {
	Algo  string `json:"algo"`
	KeyID string `json:"key_id"`
	Sig   string `json:"sig"`
}

// Manifest is the derived profile of one plan.
type Manifest struct {
	// Capabilities actually exercised by the plan's steps, sorted.
	Capabilities []string `json:"capabilities"`
	// RequiredCapabilities declared for the plan. A generated manifest
	// declares exactly what it detects; a loaded sidecar may differ and
	// is checked by Compliance.
	RequiredCapabilities []string `json:"required_capabilities"`
	// RiskFlags raised by actions or destructive parameter vocabulary,
	// sorted.
	RiskFlags []string `json:"risk_flags"`
	// TargetDomains in first-appearance order, deduplicated.
	TargetDomains []string `json:"target_domains"`

	SignatureInfo *SignatureInfo `json:"signature_info,omitempty"`
}

// HasRisk reports whether the manifest raises the given flag.
func (m *Manifest) HasRisk(flag string) bool {
	for _, f := range m.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// HasCapability reports whether the plan exercises the given capability.
func (m *Manifest) HasCapability(c Capability) bool {
	for _, got := range m.Capabilities {
		if got == string(c) {
			return true
		}
	}
	return false
}

// Canonical returns the manifest as deterministic JSON. Set fields are
// sorted by the analyzer; json.Marshal orders struct fields statically, so
// equal manifests produce equal bytes.
func (m *Manifest) Canonical() ([]byte, error) {
	return json.Marshal(m)
}

// Hash returns the hex SHA-256 of the canonical form.
func (m *Manifest) Hash() (string, error) {
	b, err := m.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func sortedSet(in map[string]bool) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
