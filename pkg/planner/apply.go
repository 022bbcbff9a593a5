package planner

import (
	"strings"

	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/run"
)

// fallbackVar is the plan variable carrying adopted fallback searches
// for the executor's element lookup widening.
const fallbackVar = "_fallback_searches"

// Apply rewrites a deep copy of the plan with the given patches and
// returns it. The original plan and the template file stay untouched.
func Apply(plan *dsl.Plan, patches []run.Patch) *dsl.Plan {
	out := plan.Copy()
	for _, patch := range patches {
		switch patch.Kind {
		case run.PatchReplaceText:
			applyReplacements(out, patch.Replacements)
		case run.PatchWaitTuning:
			if patch.WaitTuning != nil {
				applyWaitTuning(out, patch.WaitTuning)
			}
		case run.PatchFallbackSearch:
			if patch.Fallback != nil {
				applyFallback(out, patch.Fallback)
			}
		case run.PatchAddStep:
			if patch.NewStep != nil {
				applyNewStep(out, patch.NewStep)
			}
		}
	}
	return out
}

// Vet refuses any patch set that would grow the plan's risk flags.
func Vet(plan *dsl.Plan, patches []run.Patch) error {
	before := manifest.Analyze(plan).RiskFlags
	after := manifest.Analyze(Apply(plan, patches)).RiskFlags
	declared := map[string]bool{}
	for _, r := range before {
		declared[r] = true
	}
	var grown []string
	for _, r := range after {
		if !declared[r] {
			grown = append(grown, r)
		}
	}
	if len(grown) > 0 {
		return fault.New(fault.CodePolicyBlocked, "patch grows risk set: %s", strings.Join(grown, ", ")).
			Hint("patches may only repair declared behavior, never add risks")
	}
	return nil
}

func applyReplacements(plan *dsl.Plan, reps []run.Replacement) {
	for i := range plan.Steps {
		params := plan.Steps[i].Params
		for _, r := range reps {
			if params["text"] == r.Find {
				params["text"] = r.With
			}
			if params["label"] == r.Find {
				params["label"] = r.With
			}
		}
	}
}

func applyWaitTuning(plan *dsl.Plan, wt *run.WaitTuning) {
	for i := range plan.Steps {
		if plan.Steps[i].Action != wt.Action {
			continue
		}
		if plan.Steps[i].Params == nil {
			plan.Steps[i].Params = map[string]any{}
		}
		plan.Steps[i].Params["timeout_ms"] = wt.TimeoutMS
	}
}

func applyFallback(plan *dsl.Plan, fb *run.FallbackSearch) {
	if plan.Variables == nil {
		plan.Variables = map[string]any{}
	}
	list, _ := plan.Variables[fallbackVar].([]any)
	plan.Variables[fallbackVar] = append(list, map[string]any{
		"goal":     fb.Goal,
		"synonyms": append([]string(nil), fb.Synonyms...),
		"role":     fb.Role,
		"attempts": fb.Attempts,
	})
}

// applyNewStep appends a step built from the patch mapping. The action
// is the one key that is neither a reserved step key nor obviously
// metadata; a mapping with no such key is dropped.
func applyNewStep(plan *dsl.Plan, raw map[string]any) {
	step := dsl.Step{Index: len(plan.Steps)}
	for key, val := range raw {
		switch key {
		case "when":
			step.When, _ = val.(string)
		case "engine":
			step.Engine, _ = val.(string)
		case "required_role":
			step.RequiredRole, _ = val.(string)
		case "timeout_ms":
			step.TimeoutMS = intParam(raw, "timeout_ms")
		case "idempotent":
			if b, ok := val.(bool); ok {
				step.Idempotent = &b
			}
		default:
			if _, known := dsl.Actions[key]; !known {
				continue
			}
			step.Action = key
			if params, ok := val.(map[string]any); ok {
				step.Params = params
			} else {
				step.Params = map[string]any{}
			}
		}
	}
	if step.Action == "" {
		return
	}
	plan.Steps = append(plan.Steps, step)
}
