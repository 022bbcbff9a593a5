package dsl

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/axion-labs/plancore/pkg/fault"
)

// planSchema is the structural contract of a plan document. Semantic rules
// (closed action set, references, version range) are enforced after the
// schema pass because they need step context the schema cannot see.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["dsl_version", "steps"],
  "properties": {
    "dsl_version": {"type": ["string", "number"]},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "variables": {"type": "object"},
    "execution": {
      "type": "object",
      "properties": {
        "queue": {"type": "string"},
        "priority": {"type": "integer", "minimum": 1, "maximum": 9},
        "retry": {
          "type": "object",
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 1},
            "backoff_ms": {"type": "integer", "minimum": 0}
          },
          "additionalProperties": false
        },
        "web_engine": {"type": "string", "enum": ["extension", "playwright"]}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "object", "minProperties": 1}
    },
    "signature": {"type": "object"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://plancore.axion.dev/schemas/plan.schema.json"
		if err := c.AddResource(url, strings.NewReader(planSchema)); err != nil {
			schemaErr = fmt.Errorf("plan schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// ValidateOption adjusts validation context.
type ValidateOption func(*validateOpts)

type validateOpts struct {
	extraVars map[string]bool
}

// WithKnownVariables registers names supplied outside the plan (CLI --var,
// trigger variables) so references to them pass the undefined check.
func WithKnownVariables(names ...string) ValidateOption {
	return func(o *validateOpts) {
		for _, n := range names {
			o.extraVars[n] = true
		}
	}
}

// triggerVars are injected by folder-watch and webhook triggers and are
// always legal references.
var triggerVars = []string{
	"trigger_file", "trigger_event", "trigger_time",
	"trigger_filename", "trigger_dirname",
}

// Validate runs every static check: document schema, dsl_version range,
// action catalog with required params, when syntax, forward references, and
// undefined variables. Pure: no adapter, store, or clock access.
func Validate(p *Plan, opts ...ValidateOption) error {
	o := &validateOpts{extraVars: map[string]bool{}}
	for _, fn := range opts {
		fn(o)
	}

	if err := validateSchema(p); err != nil {
		return err
	}
	if err := validateVersion(p.DSLVersion); err != nil {
		return err
	}

	known := map[string]bool{}
	for name := range p.Variables {
		known[name] = true
	}
	for name := range o.extraVars {
		known[name] = true
	}
	for _, name := range triggerVars {
		known[name] = true
	}

	for _, step := range p.Steps {
		if err := validateStep(step, known); err != nil {
			return err
		}
	}
	return nil
}

func validateSchema(p *Plan) error {
	schema, err := compiledPlanSchema()
	if err != nil {
		return fault.New(fault.CodeInternal, "plan schema unavailable: %v", err).Wrap(err)
	}

	// The schema library expects JSON-decoded values; round-trip the YAML
	// body so ints, bools, and keys land in JSON shapes.
	raw, err := json.Marshal(p.Body())
	if err != nil {
		return fault.New(fault.CodeValidationFailed, "plan not serializable: %v", err).Wrap(err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.New(fault.CodeInternal, "plan re-decode: %v", err).Wrap(err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.New(fault.CodeValidationFailed, "plan schema: %v", err).Wrap(err)
	}
	return nil
}

func validateVersion(v string) error {
	if v == "" {
		return fault.New(fault.CodeValidationFailed, "dsl_version is required")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fault.New(fault.CodeValidationFailed, "dsl_version %q is not a version", v).Wrap(err)
	}
	c, err := semver.NewConstraint(SupportedDSLConstraint)
	if err != nil {
		return fault.New(fault.CodeInternal, "bad version constraint: %v", err).Wrap(err)
	}
	if !c.Check(ver) {
		return fault.New(fault.CodeValidationFailed, "dsl_version %q not supported (want %s)", v, SupportedDSLConstraint)
	}
	return nil
}

func validateStep(step Step, knownVars map[string]bool) error {
	spec, ok := Actions[step.Action]
	if !ok {
		return fault.New(fault.CodeValidationFailed, "action %q not allowed", step.Action).Step(step.Index)
	}

	for _, key := range spec.Required {
		if _, present := step.Params[key]; !present {
			return fault.New(fault.CodeValidationFailed, "action %q missing required param %q", step.Action, key).Step(step.Index)
		}
	}
	for _, group := range spec.OneOf {
		found := false
		for _, key := range group {
			if _, present := step.Params[key]; present {
				found = true
				break
			}
		}
		if !found {
			return fault.New(fault.CodeValidationFailed,
				"action %q needs one of %s", step.Action, strings.Join(group, ", ")).Step(step.Index)
		}
	}

	if step.TimeoutMS < 0 {
		return fault.New(fault.CodeValidationFailed, "timeout_ms must be non-negative").Step(step.Index)
	}
	if err := CheckWhenSyntax(step.When); err != nil {
		return fault.New(fault.CodeValidationFailed, "when: %v", err).Step(step.Index)
	}

	// Collect every templated string in the step for reference analysis.
	var texts []string
	if step.When != "" {
		texts = append(texts, step.When)
	}
	WalkStrings(step.Params, func(s string) { texts = append(texts, s) })

	for _, text := range texts {
		for _, ref := range StepRefs(text) {
			if ref >= step.Index {
				return fault.New(fault.CodeValidationFailed,
					"forward reference to steps[%d]", ref).Step(step.Index)
			}
		}
		for _, name := range VarRefs(text) {
			if !knownVars[name] {
				return fault.New(fault.CodeValidationFailed,
					"undefined variable %q", name).Step(step.Index)
			}
		}
	}
	return nil
}
