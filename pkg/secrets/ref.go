// Package secrets resolves `secrets://[service/]key` references through an
// ordered chain of backends and guarantees that resolved values never
// appear unmasked in logs or persisted records.
package secrets

import (
	"regexp"
	"strings"

	"github.com/axion-labs/plancore/pkg/fault"
)

const (
	// MaxKeyLength bounds the key name.
	MaxKeyLength = 255
	// MaxValueLength bounds a stored value (50KB of text).
	MaxValueLength = 50 * 1024
	// MaskPlaceholder replaces sensitive values in any persisted or
	// logged string.
	MaskPlaceholder = "***"
)

var keyRe = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Reference is a parsed secret reference. Service is empty for bare keys.
type Reference struct {
	Service string
	Key     string
}

// ParseReference parses "[service/]key". Keys are upper-snake, bounded
// length; services are free-form but single-segment.
func ParseReference(ref string) (Reference, error) {
	service, key := "", ref
	if before, after, found := strings.Cut(ref, "/"); found {
		service, key = before, after
		if service == "" || strings.Contains(after, "/") {
			return Reference{}, fault.New(fault.CodeValidationFailed, "secret reference %q: want [service/]key", ref)
		}
	}
	if key == "" || len(key) > MaxKeyLength || !keyRe.MatchString(key) {
		return Reference{}, fault.New(fault.CodeValidationFailed,
			"secret key %q: must match [A-Z0-9_]+ and be at most %d chars", key, MaxKeyLength)
	}
	return Reference{Service: service, Key: key}, nil
}

// String reassembles the reference.
func (r Reference) String() string {
	if r.Service == "" {
		return r.Key
	}
	return r.Service + "/" + r.Key
}
