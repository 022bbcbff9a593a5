package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/dsl"
)

func parsePlan(t *testing.T, doc string) *dsl.Plan {
	t.Helper()
	p, err := dsl.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestAnalyzeCapabilities(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
steps:
  - find_files:
      query: "*.pdf"
      roots: ["./in"]
  - pdf_merge:
      inputs: "{{steps[0].paths}}"
  - compose_mail:
      to: ["a@b"]
      subject: "Weekly"
      body: "attached"
  - save_draft: {}
`)
	m := Analyze(p)

	assert.Equal(t, []string{"fs", "mail_draft", "pdf"}, m.Capabilities)
	assert.Equal(t, m.Capabilities, m.RequiredCapabilities)
	assert.True(t, m.HasCapability(CapPDF))
	assert.False(t, m.HasCapability(CapWebX))
}

func TestAnalyzeRiskFromActions(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
steps:
  - compose_mail:
      to: ["a@b"]
      subject: "s"
      body: "b"
`)
	m := Analyze(p)
	assert.Equal(t, []string{"sends"}, m.RiskFlags)
	assert.True(t, m.HasRisk(RiskSends))
}

func TestAnalyzeDestructiveVocabulary(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want []string
	}{
		{
			name: "japanese send button",
			doc:  "dsl_version: \"1.1\"\nsteps:\n  - click_by_text:\n      text: \"送信\"\n",
			want: []string{"sends"},
		},
		{
			name: "delete vocabulary",
			doc:  "dsl_version: \"1.1\"\nsteps:\n  - click_by_text:\n      text: \"Delete all items\"\n",
			want: []string{"deletes"},
		},
		{
			name: "full-width latin folds",
			doc:  "dsl_version: \"1.1\"\nsteps:\n  - click_by_text:\n      text: \"ＳＵＢＭＩＴ\"\n",
			want: []string{"sends"},
		},
		{
			name: "overwrite param",
			doc:  "dsl_version: \"1.1\"\nsteps:\n  - move_to:\n      path: ./a\n      dest: ./b\n      overwrite_if_exists: true\n",
			want: []string{"overwrites"},
		},
		{
			name: "benign",
			doc:  "dsl_version: \"1.1\"\nsteps:\n  - click_by_text:\n      text: \"Next page\"\n",
			want: []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Analyze(parsePlan(t, tc.doc))
			assert.Equal(t, tc.want, m.RiskFlags)
		})
	}
}

func TestAnalyzeTargetDomains(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
steps:
  - open_browser:
      url: "https://Portal.Example.com/login"
  - download_file:
      url: "https://files.example.net/report.pdf"
      to: "./downloads"
  - open_browser:
      url: "https://portal.example.com/home"
`)
	m := Analyze(p)
	assert.Equal(t, []string{"portal.example.com", "files.example.net"}, m.TargetDomains)
	assert.Contains(t, m.Capabilities, "webx")
	assert.Contains(t, m.Capabilities, "fs")
}

func TestAnalyzeIgnoresUnrenderedReferences(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
variables:
  portal: "https://example.com"
steps:
  - open_browser:
      url: "{{portal}}/login"
`)
	m := Analyze(p)
	// {{portal}}/login is not URL-shaped before rendering.
	assert.Empty(t, m.TargetDomains)
}

func TestAnalyzeDeterministic(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
steps:
  - open_browser:
      url: "https://b.example.com"
  - upload_file:
      path: ./f.csv
      label: "添付"
  - click_by_text:
      text: "削除して上書き"
`)
	first, err := Analyze(p).Canonical()
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Analyze(p).Canonical()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestComplianceMismatch(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
steps:
  - compose_mail:
      to: ["a@b"]
      subject: "s"
      body: "b"
  - find_files:
      query: "*"
      roots: ["."]
`)
	sc := &Sidecar{
		ID:                   "x@v1.0.0",
		Name:                 "x",
		Version:              "1.0.0",
		DSLVersion:           "1.1",
		RequiredCapabilities: []string{"mail_draft", "webx"},
		RiskFlags:            []string{},
	}
	res := Compliance(sc, p)
	assert.False(t, res.Compliant)
	assert.Contains(t, res.Violations, "fs capability required but not declared in manifest")
	assert.Contains(t, res.Violations, `Risk flag "sends" detected but not declared in manifest`)
	assert.Contains(t, res.Warnings, "webx capability declared but not used in plan")
}

func TestComplianceCleanSidecar(t *testing.T) {
	p := parsePlan(t, `
dsl_version: "1.1"
name: clean
steps:
  - find_files:
      query: "*"
      roots: ["."]
`)
	sc := GenerateSidecar("clean.yaml", []byte("raw"), p, testTime())
	res := Compliance(sc, p)
	assert.True(t, res.Compliant)
	assert.Empty(t, res.Violations)
}
