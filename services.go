// Package plancore composes the execution core into one runtime. A
// single Services value built at startup carries the store, policy
// engine, trust store, secrets chain, queues, metrics, audit trail,
// evidence store, and adapters; the CLI, the HTTP facade, and the
// trigger sources all share it. No package-level mutable state.
package plancore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/axion-labs/plancore/pkg/adapters/osadapter"
	"github.com/axion-labs/plancore/pkg/adapters/webengine"
	"github.com/axion-labs/plancore/pkg/audit"
	"github.com/axion-labs/plancore/pkg/config"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/evidence"
	"github.com/axion-labs/plancore/pkg/executor"
	"github.com/axion-labs/plancore/pkg/metrics"
	"github.com/axion-labs/plancore/pkg/observability"
	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/queue"
	"github.com/axion-labs/plancore/pkg/secrets"
	"github.com/axion-labs/plancore/pkg/signing"
	"github.com/axion-labs/plancore/pkg/store"
)

// Version is stamped by the release build; dev builds report "dev".
var Version = "dev"

// Services is the shared runtime composition.
type Services struct {
	Config   *config.Config
	Store    *store.Store
	Secrets  *secrets.Resolver
	Policy   *policy.Engine
	Trust    *signing.TrustStore
	Queue    *queue.Manager
	Metrics  *metrics.Registry
	Audit    audit.Logger
	Evidence evidence.Store
	OS       osadapter.Adapter
	Web      webengine.Engine
	Logger   *slog.Logger

	Orchestrator *config.Orchestrator
	Schedules    *config.Schedules
	Provider     *observability.Provider

	exec *executor.Executor

	// pending carries the in-memory half of a queued run (the parsed
	// plan and its policy decision) from Submit to the worker.
	mu      sync.Mutex
	pending map[int64]*queuedRun
}

type queuedRun struct {
	plan     *dsl.Plan
	decision *policy.Decision
	opts     executor.Options
	// retried marks a run created by an auto-adopted patch so a second
	// failure does not loop.
	retried bool
}

// NewLogger builds the process logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// NewServices builds the runtime from configuration. Missing surface
// files fall back to their restrictive defaults; a bad DSN or malformed
// YAML is an error.
func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if logger == nil {
		logger = NewLogger(cfg.LogLevel)
	}

	st, err := store.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	polCfg, err := policy.Load(filepath.Join(cfg.ConfigDir, "policy.yaml"))
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(polCfg)
	if err != nil {
		return nil, err
	}

	trust, err := signing.LoadTrustStore(filepath.Join(cfg.ConfigDir, "trust_store.yaml"))
	if err != nil {
		return nil, err
	}

	orch, err := config.LoadOrchestrator(filepath.Join(cfg.ConfigDir, "orchestrator.yaml"))
	if err != nil {
		return nil, err
	}
	schedules, err := config.LoadSchedules(filepath.Join(cfg.ConfigDir, "schedules.yaml"))
	if err != nil {
		return nil, err
	}

	ev, err := evidence.NewStore(ctx, cfg.EvidenceLocation)
	if err != nil {
		return nil, err
	}

	aud, err := audit.NewFileLogger(cfg.AuditLogPath, st, logger)
	if err != nil {
		return nil, err
	}

	qm := queue.NewManager(orch.Queues, logger)
	reg := metrics.New(nil)
	reg.SetQueuePeak(func(window time.Duration) int {
		peak := 0
		for _, name := range qm.Names() {
			if d := qm.PeakDepth(name, window); d > peak {
				peak = d
			}
		}
		return peak
	})

	resolver, err := buildSecrets(cfg, logger)
	if err != nil {
		return nil, err
	}
	resolver.OnAccess(func(e secrets.AccessEvent) {
		_ = aud.Record(context.Background(), store.AuditAccess, "secret_lookup", e.Reference, "resolver",
			map[string]any{"backend": e.Backend, "found": e.Found})
	})

	web, err := buildWebEngine(cfg)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Config:       cfg,
		Store:        st,
		Secrets:      resolver,
		Policy:       engine,
		Trust:        trust,
		Queue:        qm,
		Metrics:      reg,
		Audit:        aud,
		Evidence:     ev,
		OS:           osadapter.NewLocal(cfg.DraftsDir),
		Web:          web,
		Logger:       logger,
		Orchestrator: orch,
		Schedules:    schedules,
		pending:      map[int64]*queuedRun{},
	}
	s.exec = executor.New(executor.Config{
		Store:    st,
		Evidence: ev,
		OS:       s.OS,
		Web:      web,
		Secrets:  resolver,
		Metrics:  reg,
		Audit:    aud,
		Policy:   engine,
		Logger:   logger,
	})
	return s, nil
}

// Executor returns the shared executor.
func (s *Services) Executor() *executor.Executor { return s.exec }

// Close releases held resources. Safe to call once.
func (s *Services) Close(ctx context.Context) error {
	if s.Provider != nil {
		_ = s.Provider.Shutdown(ctx)
	}
	return s.Store.Close()
}

// buildSecrets assembles the backend chain in lookup order: OS keychain
// where one exists, then the encrypted file store, then environment.
func buildSecrets(cfg *config.Config, logger *slog.Logger) (*secrets.Resolver, error) {
	var backends []secrets.Backend
	if runtime.GOOS == "darwin" {
		backends = append(backends, secrets.NewKeychainBackend())
	}
	fs, err := secrets.NewFileStore(filepath.Join(cfg.ConfigDir, "secrets"))
	if err != nil {
		return nil, err
	}
	backends = append(backends, fs, secrets.NewEnvBackend())
	return secrets.NewResolver(logger, backends...), nil
}

// buildWebEngine wires the JSON-RPC client when an endpoint is
// configured; without one, web steps fail with a capability miss instead
// of hanging on a dead socket.
func buildWebEngine(cfg *config.Config) (webengine.Engine, error) {
	we, err := config.LoadWebEngine(filepath.Join(cfg.ConfigDir, "web_engine.yaml"))
	if err != nil {
		return nil, err
	}
	if we.Endpoint == "" {
		return nil, nil
	}
	return webengine.NewClient(we.Endpoint, time.Duration(we.TimeoutMS)*time.Millisecond), nil
}

// DefaultRetry maps the orchestrator's retry block onto executor options.
func (s *Services) DefaultRetry() executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts: s.Orchestrator.Retry.MaxAttempts,
		BackoffMS:   s.Orchestrator.Retry.BackoffMS,
	}
}

func (s *Services) putPending(runID int64, q *queuedRun) {
	s.mu.Lock()
	s.pending[runID] = q
	s.mu.Unlock()
}

func (s *Services) takePending(runID int64) (*queuedRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pending[runID]
	if ok {
		delete(s.pending, runID)
	}
	return q, ok
}
