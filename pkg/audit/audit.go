// Package audit records the append-only compliance trail: a JSON-lines
// file (logs/policy_audit.log by default) plus mirrored rows in the run
// store. Policy decisions, HITL decisions, patch adoptions, secrets
// access, and trust changes all land here.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axion-labs/plancore/pkg/store"
)

// DefaultLogPath is where the JSON-lines trail goes when unconfigured.
const DefaultLogPath = "logs/policy_audit.log"

// Logger is the audit recording contract.
type Logger interface {
	Record(ctx context.Context, t store.AuditEventType, action, resource, actor string, metadata map[string]any) error
}

// FileLogger appends JSON lines to a writer and mirrors every event into
// the run store when one is attached. Writes are mutex-serialized; a
// partial line is never emitted.
type FileLogger struct {
	mu     sync.Mutex
	writer io.Writer
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewFileLogger opens (or creates) the JSON-lines file for appending.
func NewFileLogger(path string, st *store.Store, logger *slog.Logger) (*FileLogger, error) {
	if path == "" {
		path = DefaultLogPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewWithWriter(f, st, logger), nil
}

// NewWithWriter wires an arbitrary sink; tests pass a buffer.
func NewWithWriter(w io.Writer, st *store.Store, logger *slog.Logger) *FileLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileLogger{writer: w, store: st, logger: logger, now: time.Now}
}

// WithClock overrides the timestamp source for deterministic tests.
func (l *FileLogger) WithClock(clock func() time.Time) *FileLogger {
	l.now = clock
	return l
}

func (l *FileLogger) Record(ctx context.Context, t store.AuditEventType, action, resource, actor string, metadata map[string]any) error {
	ev := store.AuditEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Action:    action,
		Resource:  resource,
		Actor:     actor,
		Metadata:  metadata,
		Timestamp: l.now(),
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	l.mu.Lock()
	_, writeErr := l.writer.Write(append(line, '\n'))
	l.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("append audit line: %w", writeErr)
	}

	if l.store != nil {
		if err := l.store.AppendAudit(ctx, ev); err != nil {
			// The file line is already durable; log and keep going.
			l.logger.Warn("audit store mirror failed", "action", action, "error", err)
		}
	}
	return nil
}

// Nop discards every event; tests that don't assert on audit use it.
type Nop struct{}

func (Nop) Record(context.Context, store.AuditEventType, string, string, string, map[string]any) error {
	return nil
}
