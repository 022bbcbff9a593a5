// Package fault defines the stable error taxonomy shared by the validator,
// policy engine, executor, and verifier. Codes are part of the external
// contract: they appear in persisted step results, metrics clusters, and CLI
// exit-code mapping, so they must never be renamed.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies one error class in the taxonomy.
type Code string

const (
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"
	CodeSignatureExpired   Code = "SIGNATURE_EXPIRED"
	CodeKeyUnknown         Code = "KEY_UNKNOWN"
	CodeTrustTooLow        Code = "TRUST_TOO_LOW"
	CodePolicyBlocked      Code = "POLICY_BLOCKED"
	CodeApprovalDenied     Code = "APPROVAL_DENIED"
	CodeApprovalTimeout    Code = "APPROVAL_TIMEOUT"
	CodeOSCapabilityMiss   Code = "OS_CAPABILITY_MISS"
	CodeUnsupported        Code = "UNSUPPORTED"
	CodeWebElementNotFound Code = "WEB_ELEMENT_NOT_FOUND"
	CodeWebUploadFailed    Code = "WEB_UPLOAD_FAILED"
	CodeDownloadTimeout    Code = "DOWNLOAD_TIMEOUT"
	CodeDownloadIncomplete Code = "DOWNLOAD_INCOMPLETE"
	CodePDFParseError      Code = "PDF_PARSE_ERROR"
	CodeFileNotFound       Code = "FILE_NOT_FOUND"
	CodeVerifierTimeout    Code = "VERIFIER_TIMEOUT"
	CodeVerifierFail       Code = "VERIFIER_FAIL"
	CodeTimeout            Code = "TIMEOUT"
	CodeCancelled          Code = "CANCELLED"
	CodeQueueFull          Code = "QUEUE_FULL"
	CodeSecretNotFound     Code = "SECRET_NOT_FOUND"
	CodeInternal           Code = "INTERNAL"
)

// retryable is the closed classification table. Absent codes are permanent.
var retryable = map[Code]bool{
	CodeWebElementNotFound: true,
	CodeWebUploadFailed:    true,
	CodeDownloadTimeout:    true,
	CodeDownloadIncomplete: true,
	CodeFileNotFound:       true,
	CodeVerifierTimeout:    true,
	CodeVerifierFail:       true,
	CodeTimeout:            true,
}

// Retryable reports whether the retry policy may re-attempt a step that
// failed with this code. Recovery hooks (search widening, synonym lookup)
// are separate from this classification.
func (c Code) Retryable() bool { return retryable[c] }

// Fault is a classified error with enough structure for the first-error
// card shown to users and for failure clustering in metrics.
type Fault struct {
	Code      Code     `json:"code"`
	Message   string   `json:"message"`
	Hints     []string `json:"hints,omitempty"`
	StepIndex int      `json:"step_index"`
	cause     error
}

// New builds a Fault with no step attribution (step index -1).
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), StepIndex: -1}
}

// Step attributes the fault to a plan step.
func (f *Fault) Step(i int) *Fault {
	f.StepIndex = i
	return f
}

// Hint appends a recommended action shown on the first-error card.
func (f *Fault) Hint(h string) *Fault {
	f.Hints = append(f.Hints, h)
	return f
}

// Wrap records the underlying cause for errors.Is/As chains.
func (f *Fault) Wrap(err error) *Fault {
	f.cause = err
	return f
}

func (f *Fault) Error() string {
	if f.StepIndex >= 0 {
		return fmt.Sprintf("%s: step %d: %s", f.Code, f.StepIndex, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Is matches any *Fault carrying the same code, so callers can test
// errors.Is(err, fault.New(fault.CodeTimeout, "")) without comparing text.
func (f *Fault) Is(target error) bool {
	var other *Fault
	if errors.As(target, &other) {
		return other.Code == f.Code
	}
	return false
}

// CodeOf extracts the taxonomy code from an error chain. Unclassified
// errors map to INTERNAL; nil maps to the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableErr reports whether the error chain carries a retryable code.
func RetryableErr(err error) bool {
	return CodeOf(err).Retryable()
}

// ClusterKey groups faults for the top-K failure list: the code alone is
// the cluster identity, keeping the list stable across message wording.
func ClusterKey(err error) string {
	return string(CodeOf(err))
}
