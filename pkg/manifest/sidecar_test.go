package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "invoice.yaml")
	raw := []byte("dsl_version: \"1.1\"\nname: invoice\nsteps:\n  - save_draft: {}\n")
	require.NoError(t, os.WriteFile(planPath, raw, 0o600))

	p := parsePlan(t, string(raw))
	sc := GenerateSidecar(planPath, raw, p, testTime())

	assert.Equal(t, "invoice@v1.0.0", sc.ID)
	assert.Equal(t, "invoice", sc.Name)
	assert.Equal(t, "1.1", sc.DSLVersion)
	assert.Equal(t, "2025-06-01T09:30:00Z", sc.CreatedAt)
	assert.Len(t, sc.PlanHash, 64)

	path, err := WriteSidecar(planPath, sc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "invoice.manifest.json"), path)

	loaded, err := LoadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, sc, loaded)
}

func TestLoadSidecarMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"x@v1"}`), 0o600))

	_, err := LoadSidecar(path)
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))
}

func TestLoadSidecarMissingFile(t *testing.T) {
	_, err := LoadSidecar(filepath.Join(t.TempDir(), "nope.manifest.json"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, "plans/report.manifest.json", SidecarPath("plans/report.yaml"))
	assert.Equal(t, "report.manifest.json", SidecarPath("report.yml"))
}
