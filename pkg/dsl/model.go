// Package dsl holds the plan model: the parsed document, the expression
// engine used for `{{...}}` substitution, the restricted `when` grammar, and
// the static validator. Parsing and validation are pure; nothing in this
// package touches adapters, secrets backends, or the run store.
package dsl

// SupportedDSLConstraint is the semver range of plan documents this build
// understands. dsl_version outside the range fails validation.
const SupportedDSLConstraint = "~1.1"

// Plan is an immutable, version-stamped description of a run. It is built
// once by Parse and never mutated afterwards; Planner-L2 patches operate on
// deep copies.
type Plan struct {
	DSLVersion  string
	Name        string
	Description string
	Variables   map[string]any
	Execution   Execution
	Steps       []Step

	// body is the decoded document tree minus the signature block, kept for
	// schema validation and canonical hashing.
	body map[string]any
}

// Execution carries the optional run-placement block.
type Execution struct {
	Queue     string    `yaml:"queue" json:"queue"`
	Priority  int       `yaml:"priority" json:"priority"`
	Retry     RetrySpec `yaml:"retry" json:"retry"`
	WebEngine string    `yaml:"web_engine" json:"web_engine"`
}

// RetrySpec configures the executor's retry policy for the whole run.
type RetrySpec struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	BackoffMS   int `yaml:"backoff_ms" json:"backoff_ms"`
}

// Step is one ordered action. Index is the stable 0-based id used by
// `{{steps[i].field}}` references and by every persisted record.
type Step struct {
	Index        int
	Action       string
	Params       map[string]any
	When         string
	Engine       string
	RequiredRole string
	TimeoutMS    int
	// Idempotent overrides the built-in retry classification when set.
	Idempotent *bool
}

// Body returns the decoded document tree without the signature block,
// suitable for canonical hashing and schema validation. Callers must not
// mutate the returned map.
func (p *Plan) Body() map[string]any { return p.body }

// Copy returns a deep copy of the plan that patches may rewrite without
// affecting the original.
func (p *Plan) Copy() *Plan {
	cp := *p
	cp.Variables = copyMap(p.Variables)
	cp.body = copyMap(p.body)
	cp.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		cp.Steps[i] = s
		cp.Steps[i].Params = copyMap(s.Params)
		if s.Idempotent != nil {
			v := *s.Idempotent
			cp.Steps[i].Idempotent = &v
		}
	}
	return &cp
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

// reservedStepKeys may appear next to the action key inside a step mapping.
var reservedStepKeys = map[string]bool{
	"when":          true,
	"engine":        true,
	"required_role": true,
	"timeout_ms":    true,
	"idempotent":    true,
}
