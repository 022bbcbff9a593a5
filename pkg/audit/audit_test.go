package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/store"
)

func TestRecordWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, nil, nil).WithClock(func() time.Time {
		return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	})

	require.NoError(t, l.Record(context.Background(), store.AuditPolicy,
		"policy.block", "run/7", "", map[string]any{"reasons": []string{"domain_violation"}}))

	line := strings.TrimSpace(buf.String())
	var ev store.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	assert.Equal(t, store.AuditPolicy, ev.Type)
	assert.Equal(t, "policy.block", ev.Action)
	assert.Equal(t, "run/7", ev.Resource)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 2026, ev.Timestamp.Year())
}

func TestRecordMirrorsToStore(t *testing.T) {
	st, err := store.Open("file:" + t.TempDir() + "/audit.db")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	var buf bytes.Buffer
	l := NewWithWriter(&buf, st, nil)
	require.NoError(t, l.Record(context.Background(), store.AuditMutation,
		"patch.adopt", "run/3", "planner", nil))

	rows, err := st.AuditSince(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "patch.adopt", rows[0].Action)
}

func TestConcurrentRecordsStayWholeLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(context.Background(), store.AuditAccess, "secrets.read", "secrets://API_KEY", "", nil)
		}()
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var ev store.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "every line is valid JSON")
		count++
	}
	assert.Equal(t, 50, count)
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "policy_audit.log")
	l, err := NewFileLogger(path, nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Record(context.Background(), store.AuditSystem, "core.start", "", "", nil))
	require.NoError(t, l.Record(context.Background(), store.AuditSystem, "core.stop", "", "", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}
