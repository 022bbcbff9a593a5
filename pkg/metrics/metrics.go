// Package metrics keeps the rolling KPI counters. Writes happen only as
// side effects of executor, verifier, monitor, and policy transitions;
// reads are point-in-time snapshots over a 24h or 7d window. Events are
// mirrored to OTel when a provider is attached and rolled up into daily
// store rows.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/axion-labs/plancore/pkg/fault"
	"github.com/axion-labs/plancore/pkg/observability"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/store"
)

// Windows the snapshot API accepts.
const (
	Window24h = 24 * time.Hour
	Window7d  = 7 * 24 * time.Hour
)

// retention bounds the in-memory event history.
const retention = Window7d + time.Hour

// Counter names used in events, snapshots, and daily rollups.
const (
	kindRun             = "runs_total"
	kindRunSuccess      = "runs_success"
	kindApprovalNeeded  = "approvals_required"
	kindApprovalGranted = "approvals_granted"
	kindVerifierPass    = "verifier_pass"
	kindVerifierFail    = "verifier_fail"
	kindSchemaCapture   = "schema_captures"
	kindUploadOK        = "web_upload_success"
	kindUploadFail      = "web_upload_fail"
	kindCapabilityMiss  = "os_capability_miss"
	kindAutopilotRun    = "autopilot_runs"
	kindPolicyBlock     = "policy_blocks"
	kindDeviationStop   = "deviation_stops"
	kindPatchProposed   = "patches_proposed"
	kindPatchAuto       = "patches_auto_adopted"
	kindRetry           = "retries"
	kindSecretsLookup   = "secrets_lookups"
)

type event struct {
	at   time.Time
	kind string
	// label carries the policy violation reason or failure code.
	label string
}

type runSample struct {
	at         time.Time
	success    bool
	durationMS int64
}

// FailureCluster is one top-K entry grouped by fault code.
type FailureCluster struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// Snapshot is the read-only KPI view over one window.
type Snapshot struct {
	Window            string           `json:"window"`
	TotalRuns         int              `json:"total_runs"`
	SuccessRate       float64          `json:"success_rate"`
	MedianDurationMS  int64            `json:"median_duration_ms"`
	P95DurationMS     int64            `json:"p95_duration_ms"`
	ApprovalsRequired int              `json:"approvals_required"`
	ApprovalsGranted  int              `json:"approvals_granted"`
	VerifierPassRate  float64          `json:"verifier_pass_rate"`
	SchemaCaptures    int              `json:"schema_captures"`
	WebUploadSuccess  float64          `json:"web_upload_success_rate"`
	CapabilityMisses  int              `json:"os_capability_misses"`
	AutopilotRuns     int              `json:"autopilot_runs"`
	PolicyBlocks      int              `json:"policy_blocks"`
	PolicyBlockKinds  map[string]int   `json:"policy_blocks_by_reason,omitempty"`
	DeviationStops    int              `json:"deviation_stops"`
	PatchesProposed   int              `json:"patches_proposed"`
	PatchesAuto       int              `json:"patches_auto_adopted"`
	QueueDepthPeak    int              `json:"queue_depth_peak"`
	RetryRate         float64          `json:"retry_rate"`
	SecretsLookups    int              `json:"secrets_lookups"`
	TopFailures       []FailureCluster `json:"top_failures,omitempty"`
}

// Registry collects the counters. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	events   []event
	runs     []runSample
	failures []event
	now      func() time.Time

	queuePeak func(window time.Duration) int

	otelCounter metric.Int64Counter
}

// New builds an empty registry. The provider may be nil.
func New(provider *observability.Provider) *Registry {
	r := &Registry{now: time.Now}
	if provider != nil {
		if c, err := provider.Meter().Int64Counter("plancore.kpi.events",
			metric.WithDescription("KPI counter events by kind")); err == nil {
			r.otelCounter = c
		}
	}
	return r
}

// WithClock overrides the time source for deterministic tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.now = clock
	return r
}

// SetQueuePeak attaches the queue manager's peak-depth gauge.
func (r *Registry) SetQueuePeak(peak func(window time.Duration) int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queuePeak = peak
}

func (r *Registry) add(kind, label string) {
	now := r.now()
	r.mu.Lock()
	r.events = append(r.events, event{at: now, kind: kind, label: label})
	r.prune(now)
	r.mu.Unlock()
	if r.otelCounter != nil {
		r.otelCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// prune drops history older than the retention bound; callers hold mu.
func (r *Registry) prune(now time.Time) {
	cutoff := now.Add(-retention)
	r.events = pruneEvents(r.events, cutoff)
	r.failures = pruneEvents(r.failures, cutoff)
	kept := r.runs[:0]
	for _, s := range r.runs {
		if !s.at.Before(cutoff) {
			kept = append(kept, s)
		}
	}
	r.runs = kept
}

func pruneEvents(evs []event, cutoff time.Time) []event {
	kept := evs[:0]
	for _, e := range evs {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// RecordRun counts one finished run.
func (r *Registry) RecordRun(success bool, duration time.Duration) {
	now := r.now()
	r.mu.Lock()
	r.runs = append(r.runs, runSample{at: now, success: success, durationMS: duration.Milliseconds()})
	r.mu.Unlock()
	r.add(kindRun, "")
	if success {
		r.add(kindRunSuccess, "")
	}
}

// RecordVerifier counts one assertion outcome; RETRY counts as pass.
func (r *Registry) RecordVerifier(status run.StepStatus) {
	if status == run.StepPass || status == run.StepRetry {
		r.add(kindVerifierPass, "")
		return
	}
	r.add(kindVerifierFail, "")
}

func (r *Registry) RecordApprovalRequired() { r.add(kindApprovalNeeded, "") }
func (r *Registry) RecordApprovalGranted()  { r.add(kindApprovalGranted, "") }
func (r *Registry) RecordSchemaCapture()    { r.add(kindSchemaCapture, "") }
func (r *Registry) RecordCapabilityMiss()   { r.add(kindCapabilityMiss, "") }
func (r *Registry) RecordAutopilotRun()     { r.add(kindAutopilotRun, "") }
func (r *Registry) RecordDeviationStop()    { r.add(kindDeviationStop, "") }
func (r *Registry) RecordRetry()            { r.add(kindRetry, "") }
func (r *Registry) RecordSecretsLookup()    { r.add(kindSecretsLookup, "") }

// RecordWebUpload counts one upload attempt.
func (r *Registry) RecordWebUpload(ok bool) {
	if ok {
		r.add(kindUploadOK, "")
		return
	}
	r.add(kindUploadFail, "")
}

// RecordPolicyBlock counts one blocked evaluation with its reasons.
func (r *Registry) RecordPolicyBlock(reasons []string) {
	if len(reasons) == 0 {
		r.add(kindPolicyBlock, "")
		return
	}
	for _, reason := range reasons {
		r.add(kindPolicyBlock, reason)
	}
}

// RecordPatch counts a planner proposal and whether it was auto-adopted.
func (r *Registry) RecordPatch(auto bool) {
	r.add(kindPatchProposed, "")
	if auto {
		r.add(kindPatchAuto, "")
	}
}

// RecordFailure feeds the top-K failure clusters.
func (r *Registry) RecordFailure(code fault.Code) {
	now := r.now()
	r.mu.Lock()
	r.failures = append(r.failures, event{at: now, kind: "failure", label: string(code)})
	r.mu.Unlock()
}

// Snapshot aggregates the window ending now. topK bounds the failure
// cluster list; 0 means 5.
func (r *Registry) Snapshot(window time.Duration, topK int) Snapshot {
	if topK <= 0 {
		topK = 5
	}
	now := r.now()
	cutoff := now.Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{}
	blockReasons := map[string]int{}
	for _, e := range r.events {
		if e.at.Before(cutoff) {
			continue
		}
		counts[e.kind]++
		if e.kind == kindPolicyBlock && e.label != "" {
			blockReasons[e.label]++
		}
	}

	var durations []int64
	total, succeeded := 0, 0
	for _, s := range r.runs {
		if s.at.Before(cutoff) {
			continue
		}
		total++
		if s.success {
			succeeded++
		}
		durations = append(durations, s.durationMS)
	}

	snap := Snapshot{
		Window:            window.String(),
		TotalRuns:         total,
		SuccessRate:       ratio(succeeded, total),
		MedianDurationMS:  percentile(durations, 0.50),
		P95DurationMS:     percentile(durations, 0.95),
		ApprovalsRequired: counts[kindApprovalNeeded],
		ApprovalsGranted:  counts[kindApprovalGranted],
		VerifierPassRate:  ratio(counts[kindVerifierPass], counts[kindVerifierPass]+counts[kindVerifierFail]),
		SchemaCaptures:    counts[kindSchemaCapture],
		WebUploadSuccess:  ratio(counts[kindUploadOK], counts[kindUploadOK]+counts[kindUploadFail]),
		CapabilityMisses:  counts[kindCapabilityMiss],
		AutopilotRuns:     counts[kindAutopilotRun],
		PolicyBlocks:      counts[kindPolicyBlock],
		DeviationStops:    counts[kindDeviationStop],
		PatchesProposed:   counts[kindPatchProposed],
		PatchesAuto:       counts[kindPatchAuto],
		RetryRate:         ratio(counts[kindRetry], total),
		SecretsLookups:    counts[kindSecretsLookup],
	}
	if len(blockReasons) > 0 {
		snap.PolicyBlockKinds = blockReasons
	}
	if r.queuePeak != nil {
		snap.QueueDepthPeak = r.queuePeak(window)
	}
	snap.TopFailures = r.topFailures(cutoff, topK)
	return snap
}

// topFailures clusters failures by code; callers hold mu. Ties break by
// code for stable output.
func (r *Registry) topFailures(cutoff time.Time, k int) []FailureCluster {
	counts := map[string]int{}
	for _, e := range r.failures {
		if !e.at.Before(cutoff) {
			counts[e.label]++
		}
	}
	clusters := make([]FailureCluster, 0, len(counts))
	for code, n := range counts {
		clusters = append(clusters, FailureCluster{Code: code, Count: n})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Count != clusters[j].Count {
			return clusters[i].Count > clusters[j].Count
		}
		return clusters[i].Code < clusters[j].Code
	})
	if len(clusters) > k {
		clusters = clusters[:k]
	}
	return clusters
}

// RollupDaily persists the 24h snapshot as daily metric rows.
func (r *Registry) RollupDaily(ctx context.Context, st *store.Store) error {
	snap := r.Snapshot(Window24h, 5)
	day := r.now().UTC().Format("2006-01-02")
	rows := map[string]float64{
		kindRun:             float64(snap.TotalRuns),
		"success_rate":      snap.SuccessRate,
		"median_ms":         float64(snap.MedianDurationMS),
		"p95_ms":            float64(snap.P95DurationMS),
		kindApprovalNeeded:  float64(snap.ApprovalsRequired),
		kindApprovalGranted: float64(snap.ApprovalsGranted),
		"verifier_pass":     snap.VerifierPassRate,
		kindSchemaCapture:   float64(snap.SchemaCaptures),
		kindCapabilityMiss:  float64(snap.CapabilityMisses),
		kindAutopilotRun:    float64(snap.AutopilotRuns),
		kindPolicyBlock:     float64(snap.PolicyBlocks),
		kindDeviationStop:   float64(snap.DeviationStops),
		kindPatchProposed:   float64(snap.PatchesProposed),
		kindPatchAuto:       float64(snap.PatchesAuto),
		"queue_depth_peak":  float64(snap.QueueDepthPeak),
		"retry_rate":        snap.RetryRate,
		kindSecretsLookup:   float64(snap.SecretsLookups),
	}
	for name, value := range rows {
		if err := st.UpsertDailyMetric(ctx, day, name, value); err != nil {
			return err
		}
	}
	return nil
}

func ratio(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

// percentile uses nearest-rank on a sorted copy.
func percentile(values []int64, p float64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
