package trigger

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/axion-labs/plancore/pkg/config"
)

// DefaultDebounce collapses bursts of filesystem events per file.
const DefaultDebounce = 5000 * time.Millisecond

// Watcher turns create/write events in watched folders into runs. Events
// are debounced per {watch, path, op}: a burst collapses to its last
// event, firing once the folder goes quiet.
type Watcher struct {
	entries []config.WatchEntry
	enq     Enqueuer
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher validates the watch entries.
func NewWatcher(entries []config.WatchEntry, enq Enqueuer, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		entries: entries,
		enq:     enq,
		logger:  logger,
		now:     time.Now,
		pending: map[string]*time.Timer{},
	}
}

// Run blocks watching all configured paths until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	for _, e := range w.entries {
		if err := fsw.Add(e.Path); err != nil {
			return err
		}
		w.logger.Info("watching folder", "id", e.ID, "path", e.Path, "patterns", e.Patterns)
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.dispatch(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, ev fsnotify.Event) {
	for i := range w.entries {
		e := &w.entries[i]
		if filepath.Dir(ev.Name) != filepath.Clean(e.Path) {
			continue
		}
		if !w.matches(e, filepath.Base(ev.Name)) {
			continue
		}
		w.debounce(ctx, e, ev)
	}
}

// matches applies the include patterns (empty means everything) and then
// the ignore patterns.
func (w *Watcher) matches(e *config.WatchEntry, name string) bool {
	if len(e.Patterns) > 0 {
		hit := false
		for _, p := range e.Patterns {
			if ok, _ := filepath.Match(p, name); ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, p := range e.Ignore {
		if ok, _ := filepath.Match(p, name); ok {
			return false
		}
	}
	return true
}

// debounce resets the per-key timer; the last event in a burst wins.
func (w *Watcher) debounce(ctx context.Context, e *config.WatchEntry, ev fsnotify.Event) {
	delay := DefaultDebounce
	if e.DebounceMS > 0 {
		delay = time.Duration(e.DebounceMS) * time.Millisecond
	}
	key := e.ID + "|" + ev.Name + "|" + ev.Op.String()

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[key]; ok {
		t.Stop()
	}
	w.pending[key] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.pending, key)
		w.mu.Unlock()
		w.fire(ctx, e, ev)
	})
}

func (w *Watcher) fire(ctx context.Context, e *config.WatchEntry, ev fsnotify.Event) {
	queue := e.Queue
	if queue == "" {
		queue = "default"
	}
	priority := e.Priority
	if priority == 0 {
		priority = 5
	}
	vars := map[string]any{
		"trigger_file":     ev.Name,
		"trigger_event":    opName(ev.Op),
		"trigger_time":     w.now().UTC().Format(time.RFC3339),
		"trigger_filename": filepath.Base(ev.Name),
		"trigger_dirname":  filepath.Dir(ev.Name),
	}
	if err := w.enq.EnqueueTemplate(ctx, e.Template, queue, priority, vars); err != nil {
		w.logger.Error("watch enqueue failed", "id", e.ID, "file", ev.Name, "error", err)
		return
	}
	w.logger.Info("watch fired", "id", e.ID, "file", ev.Name, "event", opName(ev.Op))
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.pending {
		t.Stop()
		delete(w.pending, key)
	}
}

func opName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	default:
		return "other"
	}
}
