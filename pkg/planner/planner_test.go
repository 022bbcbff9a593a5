package planner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
)

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	return New(policy.Default(), nil).
		WithClock(func() time.Time { return time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC) })
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("送信", "送信"))
	assert.Equal(t, 0.9, Similarity("送信", "確定"), "direct synonym entry")
	assert.Equal(t, 0.9, Similarity("Submit", "Send"))
	assert.GreaterOrEqual(t, Similarity("OK", "確定"), 0.8, "shared group")
	assert.InDelta(t, 0.8, Similarity("Submit", "Submot"), 0.05, "edit distance fallback")
	assert.Less(t, Similarity("Submit", "Logout"), 0.7)
	assert.Equal(t, 0.0, Similarity("", "Submit"))
}

func TestSynonymsBounded(t *testing.T) {
	syns := Synonyms("送信")
	require.NotEmpty(t, syns)
	assert.LessOrEqual(t, len(syns), MaxSynonyms)
	assert.Contains(t, syns, "確定")
	assert.Nil(t, Synonyms("totally-unknown"))
}

func TestProposeReplaceTextFromSchema(t *testing.T) {
	p := newPlanner(t)
	schema := &webengine.Schema{Elements: []webengine.Element{
		{Role: "button", Text: "確定"},
		{Role: "button", Text: "ヘルプ"},
		{Role: "link", Text: "ログアウト"},
	}}
	patch := p.ProposeReplaceText(Failure{
		StepIndex: 3, Action: "click_by_text",
		Params: map[string]any{"text": "送信"},
	}, schema)

	require.NotNil(t, patch)
	assert.Equal(t, run.PatchReplaceText, patch.Kind)
	require.Len(t, patch.Replacements, 1)
	assert.Equal(t, "送信", patch.Replacements[0].Find)
	assert.Equal(t, "確定", patch.Replacements[0].With)
	assert.Equal(t, run.SeverityLow, patch.RiskLevel, "role preserved")
	assert.InDelta(t, 0.9, patch.Confidence, 0.001)
}

func TestProposeReplaceTextRoleChangeRaisesRisk(t *testing.T) {
	p := newPlanner(t)
	schema := &webengine.Schema{Elements: []webengine.Element{
		{Role: "link", Text: "確定"},
	}}
	patch := p.ProposeReplaceText(Failure{
		Action: "click_by_text",
		Params: map[string]any{"text": "送信"},
	}, schema)

	require.NotNil(t, patch)
	assert.Equal(t, run.SeverityMedium, patch.RiskLevel)
}

func TestProposeReplaceTextNoMatches(t *testing.T) {
	p := newPlanner(t)
	schema := &webengine.Schema{Elements: []webengine.Element{{Role: "button", Text: "Logout"}}}
	assert.Nil(t, p.ProposeReplaceText(Failure{
		Action: "click_by_text", Params: map[string]any{"text": "送信"},
	}, schema))
	assert.Nil(t, p.ProposeReplaceText(Failure{
		Action: "find_files", Params: map[string]any{"text": "送信"},
	}, schema), "only web text actions qualify")
}

func TestProposeFallbackSearch(t *testing.T) {
	p := newPlanner(t)
	patch := p.ProposeFallbackSearch(Failure{
		Action: "click_by_text",
		Params: map[string]any{"text": "Submit"},
	})
	require.NotNil(t, patch)
	require.NotNil(t, patch.Fallback)
	assert.Equal(t, 1, patch.Fallback.Attempts)
	assert.LessOrEqual(t, len(patch.Fallback.Synonyms), MaxSynonyms)
	assert.Equal(t, 0.88, patch.Confidence)
	assert.Equal(t, run.SeverityLow, patch.RiskLevel)

	assert.Nil(t, p.ProposeFallbackSearch(Failure{
		Action: "click_by_text", Params: map[string]any{"text": "未知のボタン"},
	}))
}

func TestProposeWaitTuningTiers(t *testing.T) {
	p := newPlanner(t)
	cases := []struct {
		current, want int
	}{
		{2000, 4000},
		{5000, 10000},
		{8000, 13000},
		{12000, 17000},
		{28000, 30000},
	}
	for _, tc := range cases {
		patch := p.ProposeWaitTuning(Failure{
			Action: "wait_for_element",
			Params: map[string]any{"timeout_ms": tc.current},
		})
		require.NotNil(t, patch, "current %d", tc.current)
		assert.Equal(t, tc.want, patch.WaitTuning.TimeoutMS, "current %d", tc.current)
	}

	assert.Nil(t, p.ProposeWaitTuning(Failure{
		Action: "wait_for_element", Params: map[string]any{"timeout_ms": 30000},
	}), "already at cap")
	assert.Nil(t, p.ProposeWaitTuning(Failure{Action: "click_by_text"}))
}

func TestDecideAdoption(t *testing.T) {
	p := newPlanner(t)
	low := run.Patch{Kind: run.PatchWaitTuning, Confidence: 0.9, RiskLevel: run.SeverityLow}

	d := p.Decide(low, true, true, 0)
	assert.True(t, d.AutoAdopt)

	d = p.Decide(low, false, true, 0)
	assert.False(t, d.AutoAdopt)
	assert.True(t, d.RequiresConfirmation)

	d = p.Decide(low, true, false, 0)
	assert.True(t, d.RequiresConfirmation, "outside window")

	d = p.Decide(low, true, true, 3)
	assert.True(t, d.RequiresConfirmation, "auto-change budget spent")

	shaky := low
	shaky.Confidence = 0.6
	d = p.Decide(shaky, true, true, 0)
	assert.True(t, d.RequiresConfirmation)
	assert.Contains(t, d.Reason, "confidence")

	risky := run.Patch{Kind: run.PatchAddStep, Confidence: 0.99, RiskLevel: run.SeverityHigh}
	d = p.Decide(risky, true, true, 0)
	assert.True(t, d.Blocked)
}

const webPlan = `
dsl_version: "1.1"
steps:
  - open_browser:
      url: "https://portal.example.com"
  - fill_by_label:
      label: "Name"
      text: "axion"
  - click_by_text:
      text: "送信"
  - wait_for_element:
      text: "完了"
      timeout_ms: 4000
`

func parsePlan(t *testing.T, doc string) *dsl.Plan {
	t.Helper()
	p, err := dsl.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestApplyLeavesOriginalUntouched(t *testing.T) {
	plan := parsePlan(t, webPlan)
	patched := Apply(plan, []run.Patch{
		{
			Kind:         run.PatchReplaceText,
			Replacements: []run.Replacement{{Find: "送信", With: "確定", Role: "button"}},
		},
		{
			Kind:       run.PatchWaitTuning,
			WaitTuning: &run.WaitTuning{Action: "wait_for_element", TimeoutMS: 8000},
		},
	})

	assert.Equal(t, "確定", patched.Steps[2].Params["text"])
	assert.Equal(t, 8000, patched.Steps[3].Params["timeout_ms"])

	assert.Equal(t, "送信", plan.Steps[2].Params["text"], "original plan unchanged")
	assert.Equal(t, 4000, plan.Steps[3].Params["timeout_ms"])
}

func TestApplyFallbackAndNewStep(t *testing.T) {
	plan := parsePlan(t, webPlan)
	patched := Apply(plan, []run.Patch{
		{
			Kind:     run.PatchFallbackSearch,
			Fallback: &run.FallbackSearch{Goal: "送信 button", Synonyms: []string{"確定"}, Role: "button", Attempts: 1},
		},
		{
			Kind:    run.PatchAddStep,
			NewStep: map[string]any{"assert_text": map[string]any{"text": "完了"}},
		},
	})

	list, ok := patched.Variables[fallbackVar].([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)

	require.Len(t, patched.Steps, 5)
	assert.Equal(t, "assert_text", patched.Steps[4].Action)
	assert.Equal(t, 4, patched.Steps[4].Index)

	unknown := Apply(plan, []run.Patch{{
		Kind:    run.PatchAddStep,
		NewStep: map[string]any{"made_up_action": map[string]any{}},
	}})
	assert.Len(t, unknown.Steps, 4, "unknown actions are dropped")
}

func TestVetRefusesRiskGrowth(t *testing.T) {
	plan := parsePlan(t, `
dsl_version: "1.1"
steps:
  - open_browser:
      url: "https://portal.example.com"
  - click_by_text:
      text: "次へ"
  - wait_for_element:
      text: "完了"
      timeout_ms: 4000
`)

	err := Vet(plan, []run.Patch{{
		Kind:       run.PatchWaitTuning,
		WaitTuning: &run.WaitTuning{Action: "wait_for_element", TimeoutMS: 8000},
	}})
	assert.NoError(t, err)

	err = Vet(plan, []run.Patch{{
		Kind: run.PatchAddStep,
		NewStep: map[string]any{"compose_mail": map[string]any{
			"to": []any{"x@example.com"}, "subject": "s", "body": "b",
		}},
	}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyBlocked, fault.CodeOf(err))
}
