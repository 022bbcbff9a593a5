// Package api is the HTTP facade over the run store: read-only run,
// policy, deviation, and KPI views plus the HITL decision endpoint.
// Reads return already-masked data; the HITL endpoint requires a signed
// approver token.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/axion-labs/plancore/pkg/audit"
	"github.com/axion-labs/plancore/pkg/metrics"
	"github.com/axion-labs/plancore/pkg/run"
	"github.com/axion-labs/plancore/pkg/store"
)

// Config carries the server's dependencies. Store is required; the rest
// default to no-ops (and a nil JWTSecret disables the HITL endpoint
// rather than leaving it open).
type Config struct {
	Store     *store.Store
	Metrics   *metrics.Registry
	Audit     audit.Logger
	JWTSecret []byte
	Logger    *slog.Logger

	// RatePerSecond and Burst bound each client IP. Zero means the
	// defaults (10 rps, burst 20).
	RatePerSecond float64
	Burst         int
}

// Server serves the plancore HTTP API.
type Server struct {
	store     *store.Store
	metrics   *metrics.Registry
	audit     audit.Logger
	jwtSecret []byte
	logger    *slog.Logger
	limiter   *ipLimiter
	now       func() time.Time
}

// NewServer wires the handler set. Call Handler for the routed mux.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		jwtSecret: cfg.JWTSecret,
		logger:    cfg.Logger,
		limiter:   newIPLimiter(cfg.RatePerSecond, cfg.Burst),
		now:       time.Now,
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.now = clock
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /runs/{public_id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/policy-checks", s.handlePolicyChecks)
	mux.HandleFunc("GET /runs/{run_id}/deviations", s.handleDeviations)
	mux.HandleFunc("POST /hitl/{run_id}", s.handleHITL)
	return s.withRequestID(s.withAccessLog(s.withRateLimit(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics serves the KPI snapshot. ?window=7d widens the default
// 24h window; ?top_k bounds the failure clusters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "metrics registry not attached")
		return
	}
	window := metrics.Window24h
	if r.URL.Query().Get("window") == "7d" {
		window = metrics.Window7d
	}
	topK := 0
	if v := r.URL.Query().Get("top_k"); v != "" {
		topK, _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(window, topK))
}

// handleGetRun serves the masked run view by public id. The plan path is
// redacted to its base name so filesystem layout never leaks.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	publicID := r.PathValue("public_id")
	// The run_id sub-resources share the /runs prefix; a numeric id
	// without a sub-path is not a public id.
	if !strings.HasPrefix(publicID, "run_") {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown run "+publicID)
		return
	}
	rn, err := s.store.GetRunByPublicID(r.Context(), publicID)
	if err != nil {
		s.runError(w, err, publicID)
		return
	}
	rn.PlanRef = filepath.Base(rn.PlanRef)
	_ = s.audit.Record(r.Context(), store.AuditAccess, "run_viewed", rn.PublicID, clientIP(r), nil)
	writeJSON(w, http.StatusOK, rn)
}

func (s *Server) handlePolicyChecks(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDFromPath(w, r)
	if !ok {
		return
	}
	decisions, err := s.store.PolicyDecisions(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "decisions": decisions})
}

func (s *Server) handleDeviations(w http.ResponseWriter, r *http.Request) {
	runID, ok := s.runIDFromPath(w, r)
	if !ok {
		return
	}
	deviations, err := s.store.Deviations(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "deviations": deviations})
}

type hitlRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// handleHITL records a human decision on the run's pending approval. The
// caller must present a bearer token whose role satisfies the approval's
// required_role.
func (s *Server) handleHITL(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, err.Error())
		return
	}

	runID, ok := s.runIDFromPath(w, r)
	if !ok {
		return
	}

	var req hitlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid request body")
		return
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		writeError(w, http.StatusBadRequest, codeBadRequest, `decision must be "approve" or "deny"`)
		return
	}

	approval, err := s.store.PendingApprovalForRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "no pending approval for run")
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	if !claims.satisfiesRole(approval.RequiredRole) {
		writeError(w, http.StatusForbidden, codeForbidden,
			"approval requires role "+approval.RequiredRole)
		return
	}

	now := s.now()
	if approval.Expired(now) {
		writeError(w, http.StatusConflict, codeConflict, "approval window expired")
		return
	}

	approval.Status = run.ApprovalApproved
	if req.Decision == "deny" {
		approval.Status = run.ApprovalDenied
	}
	approval.DecidedAt = &now
	approval.Actor = claims.Subject
	approval.Comment = req.Comment
	if err := s.store.UpdateApproval(r.Context(), approval); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}

	_ = s.audit.Record(r.Context(), store.AuditMutation, "hitl_decision",
		strconv.FormatInt(runID, 10), claims.Subject, map[string]any{
			"approval_id": approval.ID,
			"decision":    req.Decision,
			"step_index":  approval.StepIndex,
		})
	if s.metrics != nil && approval.Status == run.ApprovalApproved {
		s.metrics.RecordApprovalGranted()
	}

	writeJSON(w, http.StatusOK, approval)
}

// runIDFromPath parses and existence-checks the numeric run id.
func (s *Server) runIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("run_id")
	runID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "run id must be numeric")
		return 0, false
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.runError(w, err, raw)
		return 0, false
	}
	return runID, true
}

func (s *Server) runError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "unknown run "+id)
		return
	}
	writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
}
