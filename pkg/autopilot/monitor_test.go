package autopilot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/run"
)

func activeMonitor(t *testing.T) *Monitor {
	t.Helper()
	cfg := policy.Default()
	cfg.Autopilot = true
	m := NewMonitor(42, cfg, &policy.Decision{Allowed: true, AutopilotEnabled: true}, nil)
	return m.WithClock(func() time.Time { return time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC) })
}

func TestInactiveMonitorObservesNothing(t *testing.T) {
	cfg := policy.Default()
	m := NewMonitor(1, cfg, &policy.Decision{Allowed: true, AutopilotEnabled: false}, nil)

	assert.False(t, m.Active())
	assert.Nil(t, m.Observe(0, run.DeviationVerifierFail, run.SeverityMedium, "x"))
	assert.Empty(t, m.AnalyzeSequence(0, []string{"a"}, []string{"b"}))
	_, tripped := m.Tripped()
	assert.False(t, tripped)
}

func TestScoreAccumulatesToThreshold(t *testing.T) {
	m := activeMonitor(t)

	d := m.Observe(2, run.DeviationUnexpectedElement, run.SeverityMedium, "stray dialog")
	require.NotNil(t, d)
	assert.Equal(t, 2, d.Score)
	assert.Equal(t, int64(42), d.RunID)
	_, tripped := m.Tripped()
	assert.False(t, tripped, "score 2 below threshold 3")

	m.Observe(3, run.DeviationUnexpectedElement, run.SeverityMedium, "another stray dialog")
	trip, tripped := m.Tripped()
	require.True(t, tripped, "score 4 crosses threshold 3")
	assert.Equal(t, 3, trip.StepIndex)
	assert.Equal(t, 4, m.Score())
}

func TestHighSeverityTripsImmediately(t *testing.T) {
	m := activeMonitor(t)

	d := m.Observe(1, run.DeviationDownloadFail, run.SeverityHigh, "download never arrived")
	require.NotNil(t, d)
	trip, tripped := m.Tripped()
	require.True(t, tripped)
	assert.Equal(t, run.DeviationDownloadFail, trip.Kind)
}

func TestTripRecordsFirstCrossingOnly(t *testing.T) {
	m := activeMonitor(t)

	m.Observe(1, run.DeviationRiskEscalation, run.SeverityHigh, "first")
	m.Observe(2, run.DeviationVerifierFail, run.SeverityHigh, "second")

	trip, _ := m.Tripped()
	assert.Equal(t, 1, trip.StepIndex)
	assert.Len(t, m.Deviations(), 2, "observation continues after the trip")
}

func TestAnalyzeSequenceInsertionDoesNotCascade(t *testing.T) {
	m := activeMonitor(t)

	expected := []string{"open_browser", "fill_by_label", "click_by_text", "wait_for_element"}
	actual := []string{"open_browser", "fill_by_label", "dismiss_popup", "click_by_text", "wait_for_element"}

	devs := m.AnalyzeSequence(2, expected, actual)
	require.Len(t, devs, 1, "one insertion is one deviation, not a cascade")
	assert.Equal(t, run.DeviationUnexpectedElement, devs[0].Kind)
	assert.Equal(t, run.SeverityMedium, devs[0].Severity)
	assert.Contains(t, devs[0].Reason, "dismiss_popup")
}

func TestAnalyzeSequenceReorderConsumesBothCursors(t *testing.T) {
	m := activeMonitor(t)

	expected := []string{"fill_by_label", "click_by_text", "wait_for_element"}
	actual := []string{"click_by_text", "fill_by_label", "wait_for_element"}

	devs := m.AnalyzeSequence(0, expected, actual)
	require.Len(t, devs, 2)
	assert.Equal(t, run.SeverityLow, devs[0].Severity)
	assert.Contains(t, devs[0].Reason, "expected")
}

func TestAnalyzeSequenceTrailingInsertions(t *testing.T) {
	m := activeMonitor(t)

	devs := m.AnalyzeSequence(3, []string{"open_browser"}, []string{"open_browser", "extra_click"})
	require.Len(t, devs, 1)
	assert.Contains(t, devs[0].Reason, "extra_click")
}

func TestRiskEscalationSeverity(t *testing.T) {
	m := activeMonitor(t)
	d := m.CheckRiskEscalation(4, []string{"reads"}, []string{"reads", "downloads"})
	require.NotNil(t, d)
	assert.Equal(t, run.SeverityMedium, d.Severity)
	assert.Equal(t, 5, d.Score)

	m2 := activeMonitor(t)
	d = m2.CheckRiskEscalation(4, []string{"reads"}, []string{"reads", "deletes"})
	require.NotNil(t, d)
	assert.Equal(t, run.SeverityHigh, d.Severity)
	_, tripped := m2.Tripped()
	assert.True(t, tripped)

	assert.Nil(t, activeMonitor(t).CheckRiskEscalation(4, []string{"reads", "sends"}, []string{"sends"}))
}

func TestDomainDrift(t *testing.T) {
	m := activeMonitor(t)
	allowed := []string{"portal.example.com", "*.corp.example.com"}

	assert.Nil(t, m.CheckDomainDrift(1, allowed, "portal.example.com"))
	assert.Nil(t, m.CheckDomainDrift(1, allowed, "hr.corp.example.com"))
	assert.Nil(t, m.CheckDomainDrift(1, allowed, "a.b.corp.example.com"))

	d := m.CheckDomainDrift(2, allowed, "corp.example.com")
	require.NotNil(t, d, "wildcard covers subdomains only")
	assert.Equal(t, run.DeviationDomainDrift, d.Kind)
	assert.Equal(t, run.SeverityHigh, d.Severity)
}

func TestTimingDeviation(t *testing.T) {
	m := activeMonitor(t)
	assert.Nil(t, m.CheckTiming(0, "click_by_text", 2*time.Second, 30*time.Second))

	d := m.CheckTiming(0, "wait_for_download", 45*time.Second, 30*time.Second)
	require.NotNil(t, d)
	assert.Equal(t, run.DeviationTiming, d.Kind)
	assert.Equal(t, 1, d.Score)
}
