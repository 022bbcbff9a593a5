package executor

import (
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// RetryPolicy is the run-level retry knob set.
type RetryPolicy struct {
	MaxAttempts int
	BackoffMS   int
}

// maxBackoff caps the computed delay regardless of attempt count.
const maxBackoff = 30 * time.Second

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 2
	}
	if p.BackoffMS <= 0 {
		p.BackoffMS = 1000
	}
	return p
}

// permanentPhrases suppress retries even when the fault code is
// classified retryable: the condition will not clear on its own.
var permanentPhrases = []string{
	"permission denied",
	"access denied",
	"disk full",
	"no space left",
	"invalid credentials",
	"quota exceeded",
	"unsupported",
}

func permanentError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldRetry applies the full retry gate: attempts left, retryable
// taxonomy code, no permanent phrase.
func shouldRetry(err error, attempt int, p RetryPolicy) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if !fault.RetryableErr(err) {
		return false
	}
	return !permanentError(err)
}

// retryDelay is multiplicative backoff with ±20% jitter. jitter yields
// a value in [0,1).
func retryDelay(p RetryPolicy, attempt int, jitter func() float64) time.Duration {
	d := time.Duration(p.BackoffMS) * time.Millisecond
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}
	factor := 0.8 + 0.4*jitter()
	d = time.Duration(float64(d) * factor)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
