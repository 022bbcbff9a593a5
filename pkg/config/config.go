// Package config loads the core's configuration surfaces: the root
// runtime settings from the environment, and the web_engine, schedules,
// and orchestrator YAML files. The policy and trust_store files have
// their own loaders next to their engines.
package config

import (
	"os"
	"strings"
)

// Environment variable names recognized by the core.
const (
	EnvDB       = "PLANCORE_DB"
	EnvHTTPAddr = "PLANCORE_HTTP_ADDR"
	EnvRedis    = "PLANCORE_REDIS_ADDR"
	EnvJWT      = "PLANCORE_JWT_SECRET"
	EnvLogLevel = "PLANCORE_LOG_LEVEL"
	EnvEvidence = "PLANCORE_EVIDENCE"
	EnvConfig   = "PLANCORE_CONFIG_DIR"
)

// Config holds the root runtime settings.
type Config struct {
	// DBDSN selects the run store: a SQLite path or a postgres:// URL.
	DBDSN string
	// HTTPAddr is the listen address for the read-only facade.
	HTTPAddr string
	// RedisAddr enables Redis-backed webhook dedup when set.
	RedisAddr string
	// JWTSecret signs and verifies HITL bearer tokens.
	JWTSecret string
	// LogLevel is debug, info, warn, or error.
	LogLevel string
	// EvidenceLocation picks the artifact backend by URL scheme.
	EvidenceLocation string
	// ConfigDir is where the YAML surfaces live.
	ConfigDir string
	// AuditLogPath is the JSON-lines audit file.
	AuditLogPath string
	// DraftsDir is where the local OS adapter stages mail drafts.
	DraftsDir string
}

// Load reads the root settings from the environment with local-dev
// defaults.
func Load() *Config {
	return &Config{
		DBDSN:            envOr(EnvDB, "file:plancore.db"),
		HTTPAddr:         envOr(EnvHTTPAddr, ":8335"),
		RedisAddr:        os.Getenv(EnvRedis),
		JWTSecret:        os.Getenv(EnvJWT),
		LogLevel:         envOr(EnvLogLevel, "info"),
		EvidenceLocation: envOr(EnvEvidence, "artifacts"),
		ConfigDir:        envOr(EnvConfig, "config"),
		AuditLogPath:     "logs/policy_audit.log",
		DraftsDir:        "drafts",
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
