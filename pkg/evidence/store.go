// Package evidence stores run artifacts: screenshots, captured DOM
// schemas, and downloaded files. Artifacts are keyed by
// `{category}/{run_id}_step_{i}.{ext}` and written exactly once; the run
// store only ever references keys returned from here.
package evidence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Categories under the store root.
const (
	CategoryScreenshots = "screenshots"
	CategorySchemas     = "schemas"
	CategoryDownloads   = "downloads"
)

// Key builds the canonical artifact key for a step.
func Key(category string, runID int64, stepIndex int, ext string) string {
	return fmt.Sprintf("%s/%d_step_%d.%s", category, runID, stepIndex, ext)
}

// Store is the artifact backend contract.
type Store interface {
	// Put persists data under the key. Re-putting an existing key is a
	// no-op: the first write wins.
	Put(ctx context.Context, key string, data []byte) error
	// Get retrieves the artifact bytes.
	Get(ctx context.Context, key string) ([]byte, error)
	// URL returns a location string for display and audit records.
	URL(key string) string
}

// FileStore keeps artifacts under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid evidence key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("evidence subdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write evidence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit evidence: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("evidence not found: %s", key)
		}
		return nil, fmt.Errorf("open evidence: %w", err)
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *FileStore) URL(key string) string {
	return "file://" + filepath.Join(s.baseDir, filepath.Clean(key))
}
