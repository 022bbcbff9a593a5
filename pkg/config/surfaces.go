package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/axion-labs/plancore/pkg/queue"
)

// WebEngine configures the external browser engine.
type WebEngine struct {
	// Engine is "extension" or "playwright".
	Engine string `yaml:"engine"`
	// Endpoint is the engine's JSON-RPC address.
	Endpoint             string `yaml:"endpoint"`
	TimeoutMS            int    `yaml:"timeout_ms"`
	EnableDebuggerUpload bool   `yaml:"enable_debugger_upload"`
	FallbackEngine       string `yaml:"fallback_engine"`
}

// LoadWebEngine reads web_engine.yaml. A missing file yields defaults.
func LoadWebEngine(path string) (*WebEngine, error) {
	we := &WebEngine{Engine: "extension", TimeoutMS: 15000}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return we, nil
		}
		return nil, fmt.Errorf("read web engine config: %w", err)
	}
	if err := yaml.Unmarshal(data, we); err != nil {
		return nil, fmt.Errorf("parse web engine config: %w", err)
	}
	switch we.Engine {
	case "extension", "playwright":
	default:
		return nil, fmt.Errorf("unknown web engine %q", we.Engine)
	}
	return we, nil
}

// ScheduleEntry is one cron trigger definition.
type ScheduleEntry struct {
	ID        string         `yaml:"id"`
	Cron      string         `yaml:"cron"`
	Template  string         `yaml:"template"`
	Queue     string         `yaml:"queue"`
	Priority  int            `yaml:"priority"`
	Variables map[string]any `yaml:"variables"`
	Enabled   *bool          `yaml:"enabled"`
}

// WatchEntry is one folder-watch trigger definition.
type WatchEntry struct {
	ID         string   `yaml:"id"`
	Path       string   `yaml:"path"`
	Patterns   []string `yaml:"patterns"`
	Ignore     []string `yaml:"ignore"`
	DebounceMS int      `yaml:"debounce_ms"`
	Template   string   `yaml:"template"`
	Queue      string   `yaml:"queue"`
	Priority   int      `yaml:"priority"`
}

// WebhookEntry is one inbound webhook trigger definition.
type WebhookEntry struct {
	ID     string `yaml:"id"`
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
	// AllowCIDRs restricts callers when non-empty.
	AllowCIDRs []string `yaml:"allow_cidrs"`
	// EventIDField is the dot path of the dedup id in the payload.
	EventIDField string `yaml:"event_id_field"`
	// Extract maps variable names to payload dot paths.
	Extract  map[string]string `yaml:"extract"`
	Template string            `yaml:"template"`
	Queue    string            `yaml:"queue"`
	Priority int               `yaml:"priority"`
}

// Schedules is the trigger surface: cron schedules, folder watches, and
// webhooks.
type Schedules struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
	Watches   []WatchEntry    `yaml:"watches"`
	Webhooks  []WebhookEntry  `yaml:"webhooks"`
}

// LoadSchedules reads schedules.yaml. A missing file yields an empty
// surface.
func LoadSchedules(path string) (*Schedules, error) {
	s := &Schedules{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read schedules config: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse schedules config: %w", err)
	}
	for i, e := range s.Schedules {
		if e.ID == "" || e.Cron == "" || e.Template == "" {
			return nil, fmt.Errorf("schedule %d needs id, cron, and template", i)
		}
	}
	return s, nil
}

// Orchestrator holds per-queue bounds and the default retry policy.
type Orchestrator struct {
	Queues map[string]queue.Config `yaml:"queues"`
	Retry  RetryPolicy             `yaml:"retry"`
}

// RetryPolicy is the default per-step retry setting, overridable by a
// plan's execution block.
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMS   int `yaml:"backoff_ms"`
}

// LoadOrchestrator reads orchestrator.yaml. A missing file yields one
// default queue.
func LoadOrchestrator(path string) (*Orchestrator, error) {
	o := &Orchestrator{
		Queues: map[string]queue.Config{"default": {MaxConcurrent: 2, MaxQueued: 100}},
		Retry:  RetryPolicy{MaxAttempts: 2, BackoffMS: 1000},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return nil, fmt.Errorf("read orchestrator config: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("parse orchestrator config: %w", err)
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 2
	}
	if o.Retry.BackoffMS <= 0 {
		o.Retry.BackoffMS = 1000
	}
	if len(o.Queues) == 0 {
		o.Queues = map[string]queue.Config{"default": {MaxConcurrent: 2, MaxQueued: 100}}
	}
	return o, nil
}
