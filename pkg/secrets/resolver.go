package secrets

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/axion-labs/plancore/pkg/fault"
)

// AccessEvent is one audited secret access: what was looked up, which
// backend answered, and whether it was found. Values are never recorded.
type AccessEvent struct {
	Reference string
	Backend   string
	Found     bool
}

// Resolver looks up references through an ordered backend chain and tracks
// every resolved value so the paired Masker can scrub them from any output.
type Resolver struct {
	backends []Backend
	logger   *slog.Logger
	onAccess func(AccessEvent)

	mu       sync.Mutex
	resolved map[string]bool // sensitive values seen this run
}

// NewResolver builds the chain in lookup order. The standard order is
// keychain, file, env; tests pass whatever they need.
func NewResolver(logger *slog.Logger, backends ...Backend) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{backends: backends, logger: logger, resolved: map[string]bool{}}
}

// OnAccess registers an audit hook invoked for every lookup.
func (r *Resolver) OnAccess(fn func(AccessEvent)) *Resolver {
	r.onAccess = fn
	return r
}

// Resolve returns the value for "[service/]key", consulting backends in
// order. The value is remembered for masking before it is returned.
func (r *Resolver) Resolve(refStr string) (string, error) {
	ref, err := ParseReference(refStr)
	if err != nil {
		return "", err
	}
	for _, b := range r.backends {
		v, ok, err := b.Get(ref)
		if err != nil {
			r.logger.Warn("secret backend error", "backend", b.Name(), "ref", ref.String(), "error", err)
			continue
		}
		if r.onAccess != nil {
			r.onAccess(AccessEvent{Reference: ref.String(), Backend: b.Name(), Found: ok})
		}
		if ok {
			r.remember(v)
			return v, nil
		}
	}
	return "", fault.New(fault.CodeSecretNotFound, "secret %q not found in any backend", ref.String())
}

func (r *Resolver) remember(value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	r.resolved[value] = true
	r.mu.Unlock()
}

// Masker snapshots the currently-resolved values into a scrubber. Take the
// snapshot after substitution, before persisting or logging anything.
func (r *Resolver) Masker() *Masker {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]string, 0, len(r.resolved))
	for v := range r.resolved {
		values = append(values, v)
	}
	// Longest first so overlapping values mask fully.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return &Masker{values: values}
}

// Masker replaces sensitive substrings with the stable placeholder.
type Masker struct {
	values []string
}

// Mask scrubs one string.
func (m *Masker) Mask(s string) string {
	for _, v := range m.values {
		s = strings.ReplaceAll(s, v, MaskPlaceholder)
	}
	return s
}

// MaskValue scrubs strings anywhere in a JSON-shaped value tree.
func (m *Masker) MaskValue(v any) any {
	switch t := v.(type) {
	case string:
		return m.Mask(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = m.MaskValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = m.MaskValue(e)
		}
		return out
	default:
		return v
	}
}

// MaskMap scrubs a string-keyed map, the shape of step outputs and
// variables.
func (m *Masker) MaskMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return m.MaskValue(in).(map[string]any)
}

// Empty reports whether the masker has nothing to scrub.
func (m *Masker) Empty() bool { return len(m.values) == 0 }
