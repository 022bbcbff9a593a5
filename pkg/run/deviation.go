package run

import "time"

// DeviationKind classifies an observation that execution drifted from the
// plan's expectations.
type DeviationKind string

const (
	DeviationVerifierFail      DeviationKind = "VERIFIER_FAIL"
	DeviationDomainDrift       DeviationKind = "DOMAIN_DRIFT"
	DeviationDownloadFail      DeviationKind = "DOWNLOAD_FAIL"
	DeviationRetryCap          DeviationKind = "RETRY_CAP"
	DeviationUnexpectedElement DeviationKind = "UNEXPECTED_ELEMENT"
	DeviationTiming            DeviationKind = "TIMING"
	DeviationRiskEscalation    DeviationKind = "RISK_ESCALATION"
)

// Severity grades a deviation.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Deviation is one scored observation from the autopilot monitor. The
// running score total, not the individual deviation, decides a safe-fail
// stop.
type Deviation struct {
	RunID     int64         `json:"run_id"`
	StepIndex int           `json:"step_index"`
	Kind      DeviationKind `json:"kind"`
	Severity  Severity      `json:"severity"`
	Score     int           `json:"score"`
	Reason    string        `json:"reason"`
	At        time.Time     `json:"at"`
}
