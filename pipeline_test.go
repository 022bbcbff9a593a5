package plancore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/config"
	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/metrics"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/signing"
)

const sweepPlan = `
dsl_version: "1.1"
name: invoice-sweep
variables:
  inbox: ./in
steps:
  - find_files:
      query: "*.pdf"
      roots: ["{{inbox}}"]
  - assert_file_exists:
      path: "./in"
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(cfgDir, 0o700))
	return &config.Config{
		DBDSN:            "file:" + filepath.Join(dir, "core.db"),
		LogLevel:         "error",
		EvidenceLocation: filepath.Join(dir, "artifacts"),
		ConfigDir:        cfgDir,
		AuditLogPath:     filepath.Join(dir, "logs", "policy_audit.log"),
		DraftsDir:        filepath.Join(dir, "drafts"),
	}
}

func testServices(t *testing.T, cfg *config.Config) *Services {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	svc, err := NewServices(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func writeSweepPlan(t *testing.T, doc string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sweep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestRunPlanDryRunCompletes(t *testing.T) {
	svc := testServices(t, nil)
	path := writeSweepPlan(t, sweepPlan)
	ctx := context.Background()

	r, err := svc.RunPlan(ctx, path, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, r.State)
	assert.Len(t, r.StepResults, 2)

	stored, err := svc.Store.GetRunByPublicID(ctx, r.PublicID)
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, stored.State)
	assert.Equal(t, "invoice-sweep", stored.PlanName)

	decisions, err := svc.Store.PolicyDecisions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allowed)
}

func TestRunPlanPolicyBlocked(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ConfigDir, "policy.yaml"),
		[]byte("require_signed_templates: true\nwindow: always\n"), 0o600))
	svc := testServices(t, cfg)
	path := writeSweepPlan(t, sweepPlan)
	ctx := context.Background()

	r, err := svc.RunPlan(ctx, path, SubmitOptions{DryRun: true})
	require.Error(t, err)
	assert.Equal(t, fault.CodePolicyBlocked, fault.CodeOf(err))
	require.NotNil(t, r)
	assert.Equal(t, run.StateFailed, r.State)
	assert.Empty(t, r.StepResults)

	decisions, err := svc.Store.PolicyDecisions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Allowed)

	snap := svc.Metrics.Snapshot(metrics.Window24h, 5)
	assert.Equal(t, 1, snap.PolicyBlocks)
}

func TestRunPlanSignedPassesSignaturePolicy(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ConfigDir, "policy.yaml"),
		[]byte("require_signed_templates: true\nwindow: always\n"), 0o600))
	svc := testServices(t, cfg)
	path := writeSweepPlan(t, sweepPlan)
	ctx := context.Background()

	signer, err := signing.NewSigner("ops-key")
	require.NoError(t, err)
	plan, _, err := LoadPlan(path)
	require.NoError(t, err)
	sig, err := signer.Sign(plan)
	require.NoError(t, err)
	_, err = signing.WriteSidecar(path, sig)
	require.NoError(t, err)
	svc.Trust.Add("ops-key", signing.KeyEntry{
		PublicKey:  signer.PublicKey(),
		TrustLevel: signing.TrustDevelopment,
	})

	r, err := svc.RunPlan(ctx, path, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, r.State)
	require.NotNil(t, r.Manifest.SignatureInfo)
	assert.Equal(t, "ops-key", r.Manifest.SignatureInfo.KeyID)
}

func TestEnqueuePlanAndWorkers(t *testing.T) {
	svc := testServices(t, nil)
	path := writeSweepPlan(t, sweepPlan)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.StartWorkers(ctx)
	r, err := svc.EnqueuePlan(ctx, path, SubmitOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, run.StateQueued, r.State)

	assert.Eventually(t, func() bool {
		got, err := svc.Store.GetRun(context.Background(), r.ID)
		return err == nil && got.State == run.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	svc.Queue.Wait()
}

func TestEnqueueTemplateFeedsTriggerRuns(t *testing.T) {
	svc := testServices(t, nil)
	path := writeSweepPlan(t, sweepPlan)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.StartWorkers(ctx)

	require.NoError(t, svc.EnqueueTemplate(ctx, path, "default", 2, map[string]any{"inbox": "./elsewhere"}))

	assert.Eventually(t, func() bool {
		runs, err := svc.Store.ListRuns(context.Background(), 10)
		if err != nil || len(runs) == 0 {
			return false
		}
		return runs[0].State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	runs, err := svc.Store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 2, runs[0].Priority)
	assert.Equal(t, "default", runs[0].Queue)
}

func TestVerifyPlanUnsignedIsNotAnError(t *testing.T) {
	svc := testServices(t, nil)
	path := writeSweepPlan(t, sweepPlan)
	plan, _, err := LoadPlan(path)
	require.NoError(t, err)

	ver, err := svc.VerifyPlan(plan, path, time.Now())
	require.NoError(t, err)
	assert.Nil(t, ver)
}

func TestLoadPlanMissingFile(t *testing.T) {
	_, _, err := LoadPlan(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))
}
