// Package policy implements the policy engine: the five-check gate that
// decides whether a plan may run and whether L4 autopilot is permitted.
// Evaluation is total (every check always produces a result) and
// fail-closed: config errors deny rather than allow.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AdoptPolicy governs automatic adoption of Planner-L2 patches.
type AdoptPolicy struct {
	LowRiskAuto    bool    `yaml:"low_risk_auto" json:"low_risk_auto"`
	MinConfidence  float64 `yaml:"min_confidence" json:"min_confidence"`
	MaxAutoChanges int     `yaml:"max_auto_changes" json:"max_auto_changes"`
	BlockHighRisk  bool    `yaml:"block_high_risk" json:"block_high_risk"`
}

// Penalties are the deviation score weights used by the L4 monitor.
type Penalties struct {
	UnexpectedElement int `yaml:"unexpected_element" json:"unexpected_element"`
	Timing            int `yaml:"timing" json:"timing"`
	RetryCap          int `yaml:"retry_cap" json:"retry_cap"`
	VerifierFail      int `yaml:"verifier_fail" json:"verifier_fail"`
	RiskEscalation    int `yaml:"risk_escalation" json:"risk_escalation"`
}

// Config is the policy file surface. The zero value is restrictive: no
// domains allowed, no risks allowed, autopilot off, window never.
type Config struct {
	Autopilot              bool     `yaml:"autopilot" json:"autopilot"`
	AllowDomains           []string `yaml:"allow_domains" json:"allow_domains"`
	AllowRisks             []string `yaml:"allow_risks" json:"allow_risks"`
	Window                 string   `yaml:"window" json:"window"`
	RequireSignedTemplates bool     `yaml:"require_signed_templates" json:"require_signed_templates"`
	RequireCapabilities    []string `yaml:"require_capabilities" json:"require_capabilities"`

	AdoptPolicy        AdoptPolicy `yaml:"adopt_policy" json:"adopt_policy"`
	DeviationThreshold int         `yaml:"deviation_threshold" json:"deviation_threshold"`
	Penalties          Penalties   `yaml:"penalties" json:"penalties"`
}

// Default returns the restrictive baseline with the documented knob
// defaults filled in.
func Default() *Config {
	return &Config{
		Window:             "always",
		DeviationThreshold: 3,
		AdoptPolicy: AdoptPolicy{
			LowRiskAuto:    true,
			MinConfidence:  0.85,
			MaxAutoChanges: 3,
			BlockHighRisk:  true,
		},
		Penalties: Penalties{
			UnexpectedElement: 2,
			Timing:            1,
			RetryCap:          1,
			VerifierFail:      1,
			RiskEscalation:    5,
		},
	}
}

// Load reads a policy config file and fills unset knobs with defaults. A
// missing file returns Default(): absent policy means the restrictive
// baseline, not open season.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Window == "" {
		c.Window = "always"
	}
	if c.DeviationThreshold <= 0 {
		c.DeviationThreshold = 3
	}
	if c.AdoptPolicy.MinConfidence <= 0 {
		c.AdoptPolicy.MinConfidence = 0.85
	}
	if c.AdoptPolicy.MaxAutoChanges <= 0 {
		c.AdoptPolicy.MaxAutoChanges = 3
	}
	if c.Penalties == (Penalties{}) {
		c.Penalties = Default().Penalties
	}
}
