package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/config"
)

const samplePlan = `
dsl_version: "1.1"
name: filing-sweep
description: Collect and file incoming PDFs
variables:
  inbox: ./in
steps:
  - find_files:
      query: "*.pdf"
      roots: ["{{inbox}}"]
  - assert_file_exists:
      path: "./in"
`

func writePlan(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

// cli runs one command and returns its exit code with captured output.
func cli(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"plancore"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCommand(t *testing.T) {
	code, out, _ := cli("version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "plancore")
}

func TestNoArgsPrintsUsage(t *testing.T) {
	code, _, errOut := cli()
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "USAGE")
}

func TestUnknownCommand(t *testing.T) {
	code, _, errOut := cli("frobnicate")
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, errOut, "unknown command")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	plan := writePlan(t, dir, samplePlan)

	code, out, _ := cli("validate", plan)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "ok:")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("dsl_version: \"1.1\"\nsteps:\n  - launch_missiles: {}\n"), 0o600))
	code, _, _ = cli("validate", bad)
	assert.Equal(t, exitValidation, code)

	code, _, _ = cli("validate", filepath.Join(dir, "absent.yaml"))
	assert.Equal(t, exitIO, code)
}

func TestTemplatesCommand(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, samplePlan)

	code, out, _ := cli("templates", "--dir", dir)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "plan.yaml")
	assert.Contains(t, out, "Collect and file incoming PDFs")
}

func TestManifestWriteAndCheck(t *testing.T) {
	dir := t.TempDir()
	plan := writePlan(t, dir, samplePlan)

	code, out, _ := cli("manifest", plan)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "capabilities")

	code, _, _ = cli("manifest", "--write", plan)
	require.Equal(t, exitOK, code)
	_, err := os.Stat(filepath.Join(dir, "plan.manifest.json"))
	require.NoError(t, err)

	code, out, _ = cli("manifest", "--check", plan)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, "compliant")

	widened := samplePlan + `  - open_browser:
      url: "https://portal.example.com"
`
	require.NoError(t, os.WriteFile(plan, []byte(widened), 0o600))
	code, out, _ = cli("manifest", "--check", plan)
	assert.Equal(t, exitValidation, code)
	assert.Contains(t, out, "violation")
}

func TestKeygenSignVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, filepath.Join(dir, "config"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o700))
	plan := writePlan(t, dir, samplePlan)

	code, out, errOut := cli("keygen", "--key-id", "release-1")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "release-1")

	code, _, errOut = cli("sign", plan, "--key-id", "release-1")
	require.Equal(t, exitOK, code, errOut)
	_, err := os.Stat(filepath.Join(dir, "plan.sig.json"))
	require.NoError(t, err)

	code, out, errOut = cli("verify", plan)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "release-1")
	assert.Contains(t, out, "development")

	tampered := samplePlan + `  - save_draft: {}
`
	require.NoError(t, os.WriteFile(plan, []byte(tampered), 0o600))
	code, _, _ = cli("verify", plan)
	assert.Equal(t, exitPolicy, code)
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfig, dir)

	code, _, _ := cli("keygen", "--key-id", "dup")
	require.Equal(t, exitOK, code)
	code, _, errOut := cli("keygen", "--key-id", "dup")
	assert.Equal(t, exitIO, code)
	assert.Contains(t, errOut, "already exists")
}

func TestPolicyTestCommand(t *testing.T) {
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	t.Setenv(config.EnvConfig, cfgDir)
	plan := writePlan(t, dir, samplePlan)

	code, out, errOut := cli("policy", "test", plan)
	assert.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"allowed": true`)

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "policy.yaml"),
		[]byte("require_signed_templates: true\nwindow: always\n"), 0o600))
	code, out, _ = cli("policy", "test", plan)
	assert.Equal(t, exitPolicy, code)
	assert.Contains(t, out, "signature_violation")
}

func TestRunDryRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(config.EnvDB, "file:"+filepath.Join(dir, "core.db"))
	t.Setenv(config.EnvConfig, filepath.Join(dir, "config"))
	t.Setenv(config.EnvEvidence, filepath.Join(dir, "artifacts"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "in"), 0o700))
	plan := writePlan(t, dir, samplePlan)

	code, out, errOut := cli("run", plan, "--dry-run", "--var", "inbox=./in")
	require.Equal(t, exitOK, code, errOut)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "COMPLETED", summary["state"])
	assert.Equal(t, float64(2), summary["steps_run"])

	code, listOut, _ := cli("list")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, listOut, "COMPLETED")
	assert.Contains(t, listOut, "filing-sweep")

	code, showOut, _ := cli("show", summary["run_id"].(string))
	assert.Equal(t, exitOK, code)
	assert.Contains(t, showOut, "filing-sweep")
}
