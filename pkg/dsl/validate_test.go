package dsl

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
)

func mustParse(t *testing.T, doc string) *Plan {
	t.Helper()
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestValidateAcceptsWellFormedPlan(t *testing.T) {
	p := mustParse(t, weeklyReportPlan)
	require.NoError(t, Validate(p))
}

func TestValidateVersionRange(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{"1.1", true},
		{"1.1.0", true},
		{"1.1.9", true},
		{"1.2", false},
		{"1.0", false},
		{"2.0", false},
		{"banana", false},
	}
	for _, tc := range cases {
		doc := fmt.Sprintf("dsl_version: %q\nsteps:\n  - save_draft: {}\n", tc.version)
		p := mustParse(t, doc)
		err := Validate(p)
		if tc.ok {
			assert.NoError(t, err, "version %s", tc.version)
		} else {
			require.Error(t, err, "version %s", tc.version)
			assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))
		}
	}
}

func TestValidateMissingVersion(t *testing.T) {
	p := mustParse(t, "name: no-version\nsteps:\n  - save_draft: {}\n")
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsl_version")
}

func TestValidateUnknownAction(t *testing.T) {
	p := mustParse(t, "dsl_version: \"1.1\"\nsteps:\n  - rm_rf: {}\n")
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `action "rm_rf" not allowed`)
	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 0, f.StepIndex)
}

func TestValidateRequiredParams(t *testing.T) {
	p := mustParse(t, "dsl_version: \"1.1\"\nsteps:\n  - find_files:\n      query: \"*\"\n")
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required param "roots"`)
}

func TestValidateOneOfParams(t *testing.T) {
	// pdf_merge needs inputs or inputs_from.
	p := mustParse(t, "dsl_version: \"1.1\"\nsteps:\n  - pdf_merge: {}\n")
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs one of inputs, inputs_from")

	p = mustParse(t, "dsl_version: \"1.1\"\nsteps:\n  - pdf_merge:\n      inputs_from: \"./list.txt\"\n")
	assert.NoError(t, Validate(p))
}

func TestValidateForwardReference(t *testing.T) {
	doc := `
dsl_version: "1.1"
steps:
  - pdf_merge:
      inputs: "{{steps[1].paths}}"
  - find_files:
      query: "*.pdf"
      roots: ["."]
`
	p := mustParse(t, doc)
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward reference to steps[1]")
}

func TestValidateSelfReference(t *testing.T) {
	doc := `
dsl_version: "1.1"
steps:
  - compose_mail:
      to: ["a@b"]
      subject: "{{steps[0].subject}}"
      body: "x"
`
	p := mustParse(t, doc)
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forward reference to steps[0]")
}

func TestValidateUndefinedVariable(t *testing.T) {
	doc := `
dsl_version: "1.1"
variables:
  inbox: ./in
steps:
  - find_files:
      query: "*"
      roots: ["{{outbox}}"]
`
	p := mustParse(t, doc)
	err := Validate(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undefined variable "outbox"`)

	// The same reference passes once supplied externally.
	assert.NoError(t, Validate(p, WithKnownVariables("outbox")))
}

func TestValidateTriggerVariablesAlwaysKnown(t *testing.T) {
	doc := `
dsl_version: "1.1"
steps:
  - move_to:
      path: "{{trigger_file}}"
      dest: "./archive/{{trigger_filename}}"
`
	p := mustParse(t, doc)
	assert.NoError(t, Validate(p))
}

func TestValidatePriorityBounds(t *testing.T) {
	for _, pri := range []int{0, 10} {
		doc := fmt.Sprintf("dsl_version: \"1.1\"\nexecution:\n  priority: %d\nsteps:\n  - save_draft: {}\n", pri)
		p := mustParse(t, doc)
		err := Validate(p)
		require.Error(t, err, "priority %d", pri)
		assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))
	}

	doc := "dsl_version: \"1.1\"\nexecution:\n  priority: 1\nsteps:\n  - save_draft: {}\n"
	assert.NoError(t, Validate(mustParse(t, doc)))
}

func TestValidateWebEngineEnum(t *testing.T) {
	doc := "dsl_version: \"1.1\"\nexecution:\n  web_engine: selenium\nsteps:\n  - save_draft: {}\n"
	err := Validate(mustParse(t, doc))
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))
}

func TestValidateBadWhenSyntax(t *testing.T) {
	doc := `
dsl_version: "1.1"
steps:
  - save_draft: {}
    when: "1 < 2 < 3"
`
	err := Validate(mustParse(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple operators")
}

func TestValidateNegativeTimeout(t *testing.T) {
	doc := `
dsl_version: "1.1"
steps:
  - save_draft: {}
    timeout_ms: -5
`
	err := Validate(mustParse(t, doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout_ms")
}
