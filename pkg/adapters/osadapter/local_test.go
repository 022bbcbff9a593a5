package osadapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFindFilesSubstringAndGlob(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "Report_Jan.pdf", "x")
	writeFile(t, dir, "report_feb.PDF", "x")
	writeFile(t, dir, "notes.txt", "x")
	sub := filepath.Join(dir, "inner")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeFile(t, sub, "report_mar.pdf", "x")

	l := NewLocal(t.TempDir())
	ctx := context.Background()

	got, err := l.FindFiles(ctx, "report", []string{dir})
	require.NoError(t, err)
	assert.Len(t, got, 3, "substring match is case-insensitive and recursive")

	got, err = l.FindFiles(ctx, "*.txt", []string{dir})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "notes.txt", filepath.Base(got[0]))

	_, err = l.FindFiles(ctx, "x", []string{filepath.Join(dir, "missing")})
	assert.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))
}

func TestRenamePattern(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "invoice.pdf", "x")

	l := NewLocal(t.TempDir()).WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	})

	newPath, err := l.Rename(context.Background(), path, "{date}_{name}.{ext}")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14_invoice.pdf", filepath.Base(newPath))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
}

func TestMoveToRequiresDestination(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "x")
	l := NewLocal(t.TempDir())

	_, err := l.MoveTo(context.Background(), path, filepath.Join(dir, "archive"))
	require.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))
	newPath, err := l.MoveTo(context.Background(), path, filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archive", "a.txt"), newPath)
}

func TestPDFPageCount(t *testing.T) {
	dir := t.TempDir()
	pdf := writeFile(t, dir, "doc.pdf",
		"%PDF-1.4\n1 0 obj << /Type /Pages /Kids [2 0 R 3 0 R] >> endobj\n"+
			"2 0 obj << /Type /Page >> endobj\n3 0 obj << /Type /Page >> endobj\n%%EOF")
	notPDF := writeFile(t, dir, "doc.txt", "hello")

	l := NewLocal(t.TempDir())
	ctx := context.Background()

	n, err := l.PDFPageCount(ctx, pdf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.PDFPageCount(ctx, notPDF)
	assert.Equal(t, fault.CodePDFParseError, fault.CodeOf(err))

	_, err = l.PDFPageCount(ctx, filepath.Join(dir, "missing.pdf"))
	assert.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))
}

func TestComposeAndSaveDraft(t *testing.T) {
	drafts := t.TempDir()
	attachDir := t.TempDir()
	attachment := writeFile(t, attachDir, "report.pdf", "x")

	l := NewLocal(drafts)
	ctx := context.Background()

	require.NoError(t, l.ComposeMail(ctx, Mail{
		To:          []string{"boss@example.com"},
		Subject:     "Weekly report",
		Body:        "attached",
		Attachments: []string{attachment},
	}))
	path, err := l.SaveDraft(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "To: boss@example.com")
	assert.Contains(t, string(data), "Subject: Weekly report")

	_, err = l.SaveDraft(ctx)
	assert.Error(t, err, "stage is cleared after save")
}

func TestComposeMailValidation(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	err := l.ComposeMail(ctx, Mail{Subject: "no recipients"})
	assert.Equal(t, fault.CodeValidationFailed, fault.CodeOf(err))

	err = l.ComposeMail(ctx, Mail{To: []string{"a@b.c"}, Attachments: []string{"/no/such/file"}})
	assert.Equal(t, fault.CodeFileNotFound, fault.CodeOf(err))
}

func TestUnavailableCapabilities(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	_, err := l.TakeScreenshot(ctx, "out.png")
	assert.Equal(t, fault.CodeOSCapabilityMiss, fault.CodeOf(err))

	err = l.MergePDF(ctx, []string{"a.pdf"}, "out.pdf")
	assert.Equal(t, fault.CodeOSCapabilityMiss, fault.CodeOf(err))

	caps := l.Capabilities()
	assert.True(t, caps[CapFS].Available)
	assert.False(t, caps[CapScreenshot].Available)
}
