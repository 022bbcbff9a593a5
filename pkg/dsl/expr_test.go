package dsl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
)

func testScope() Scope {
	return Scope{
		Variables: map[string]any{
			"inbox":  "./sample_data",
			"report": "weekly",
			"nested": "{{report}}-v2",
		},
		StepField: func(index int, field string) (any, bool) {
			if index == 0 && field == "paths" {
				return []any{"a.pdf", "b.pdf"}, true
			}
			if index == 1 && field == "found" {
				return 3, true
			}
			return nil, false
		},
		Secret: func(ref string) (string, error) {
			if ref == "smtp/password" {
				return "hunter2", nil
			}
			return "", fault.New(fault.CodeSecretNotFound, "secret %q not found", ref)
		},
		Now:      func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) },
		Index:    4,
		Basename: "invoice",
	}
}

func TestRenderVariableAndStepRef(t *testing.T) {
	sc := testScope()

	out, err := Render("{{inbox}}/out", sc)
	require.NoError(t, err)
	assert.Equal(t, "./sample_data/out", out)

	out, err = Render("merge {{steps[0].paths}}", sc)
	require.NoError(t, err)
	assert.Equal(t, "merge a.pdf,b.pdf", out)

	out, err = Render("count={{steps[1].found}}", sc)
	require.NoError(t, err)
	assert.Equal(t, "count=3", out)
}

func TestRenderNestedVariableFixpoint(t *testing.T) {
	out, err := Render("{{nested}}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "weekly-v2", out)
}

func TestRenderSelfReferenceTerminates(t *testing.T) {
	sc := Scope{Variables: map[string]any{"loop": "x{{loop}}"}}
	out, err := Render("{{loop}}", sc)
	require.NoError(t, err)
	// The pass bound stops expansion; the literal reference survives.
	assert.Contains(t, out, "{{loop}}")
}

func TestRenderBuiltins(t *testing.T) {
	sc := testScope()

	out, err := Render("report_{{date}}.pdf", sc)
	require.NoError(t, err)
	assert.Equal(t, "report_20250309.pdf", out)

	out, err = Render("{{basename}}_{{index}}", sc)
	require.NoError(t, err)
	assert.Equal(t, "invoice_4", out)
}

func TestRenderReplaceFilter(t *testing.T) {
	out, err := Render("{{basename | replace:' ','_'}}", Scope{Basename: "Q1 report"})
	require.NoError(t, err)
	assert.Equal(t, "Q1_report", out)
}

func TestRenderSecretResolvedLast(t *testing.T) {
	sc := testScope()
	out, err := Render("{{secrets://smtp/password}}", sc)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out)

	// A secret whose value looks like an expression is not re-expanded.
	sc.Secret = func(string) (string, error) { return "{{inbox}}", nil }
	out, err = Render("{{secrets://smtp/password}}", sc)
	require.NoError(t, err)
	assert.Equal(t, "{{inbox}}", out)
}

func TestRenderSecretMissing(t *testing.T) {
	_, err := Render("{{secrets://nope}}", testScope())
	require.Error(t, err)
	assert.Equal(t, fault.CodeSecretNotFound, fault.CodeOf(err))
}

func TestRenderUndefinedVariable(t *testing.T) {
	_, err := Render("{{ghost}}", testScope())
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))
	assert.Contains(t, err.Error(), `undefined variable "ghost"`)
}

func TestRenderUnknownStepField(t *testing.T) {
	_, err := Render("{{steps[0].nope}}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no output field "nope"`)
}

func TestRefScanners(t *testing.T) {
	s := "{{inbox}}/{{steps[2].path}} {{steps[0].paths}} {{secrets://smtp/password}} {{date}}"

	assert.Equal(t, []int{0, 2}, StepRefs(s))
	assert.Equal(t, []string{"inbox"}, VarRefs(s))
	assert.Equal(t, []string{"smtp/password"}, SecretRefs(s))
}

func TestVarRefsIgnoresBuiltinsAndFilters(t *testing.T) {
	s := "{{date}} {{index}} {{basename | replace:'a','b'}} {{dir}}"
	assert.Equal(t, []string{"dir"}, VarRefs(s))
}

func TestRenderParamsImmutable(t *testing.T) {
	params := map[string]any{
		"query": "{{report}}*",
		"roots": []any{"{{inbox}}"},
		"limit": 10,
	}
	out, err := RenderParams(params, testScope())
	require.NoError(t, err)

	assert.Equal(t, "weekly*", out["query"])
	assert.Equal(t, []any{"./sample_data"}, out["roots"])
	assert.Equal(t, 10, out["limit"])
	// Source map untouched.
	assert.Equal(t, "{{report}}*", params["query"])
}

func TestWalkStringsVisitsNestedValues(t *testing.T) {
	var seen []string
	WalkStrings(map[string]any{
		"a": "one",
		"b": []any{"two", map[string]any{"c": "three"}},
		"n": 7,
	}, func(s string) { seen = append(seen, s) })

	assert.ElementsMatch(t, []string{"one", "two", "three"}, seen)
}
