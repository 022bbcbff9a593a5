package osadapter

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// StrictPermissionsEnv blocks execution on any permission miss instead of
// degrading to per-capability fallbacks.
const StrictPermissionsEnv = "PERMISSIONS_STRICT"

// Local implements the file, PDF page-count, and draft-file capabilities
// directly. Screenshots and PDF transforms need a desktop-side helper and
// are declared unavailable.
type Local struct {
	draftsDir string
	now       func() time.Time

	mu    sync.Mutex
	draft *Mail
}

// NewLocal stores mail drafts under draftsDir (created lazily).
func NewLocal(draftsDir string) *Local {
	if draftsDir == "" {
		draftsDir = "drafts"
	}
	return &Local{draftsDir: draftsDir, now: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (l *Local) WithClock(clock func() time.Time) *Local {
	l.now = clock
	return l
}

func (l *Local) Capabilities() map[string]Capability {
	return map[string]Capability{
		CapFS:         {Available: true, Concurrency: 4},
		CapPDFCount:   {Available: true, Concurrency: 2},
		CapPDFMerge:   {Available: false},
		CapPDFExtract: {Available: false},
		CapMailDraft:  {Available: true, Concurrency: 1},
		CapScreenshot: {Available: false},
	}
}

func (l *Local) TakeScreenshot(ctx context.Context, path string) ([]byte, error) {
	return nil, fault.New(fault.CodeOSCapabilityMiss, "screenshot capability is not available locally").
		Hint("run with a desktop helper that provides the screenshot capability")
}

func (l *Local) FindFiles(ctx context.Context, query string, roots []string) ([]string, error) {
	needle := strings.ToLower(query)
	isGlob := strings.ContainsAny(query, "*?[")
	var out []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == root {
					return fault.New(fault.CodeFileNotFound, "search root %q does not exist", root)
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			name := d.Name()
			if isGlob {
				if ok, _ := filepath.Match(query, name); ok {
					out = append(out, path)
				}
				return nil
			}
			if strings.Contains(strings.ToLower(name), needle) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	sort.Strings(out)
	return out, nil
}

var datePlaceholder = regexp.MustCompile(`\{date(?::([^}]+))?\}`)

func (l *Local) Rename(ctx context.Context, path, pattern string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fault.New(fault.CodeFileNotFound, "rename source %q: %v", path, err)
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)

	newName := strings.ReplaceAll(pattern, "{name}", name)
	newName = strings.ReplaceAll(newName, "{ext}", strings.TrimPrefix(ext, "."))
	newName = datePlaceholder.ReplaceAllStringFunc(newName, func(m string) string {
		layout := "2006-01-02"
		if sub := datePlaceholder.FindStringSubmatch(m); sub[1] != "" {
			layout = sub[1]
		}
		return l.now().Format(layout)
	})

	newPath := filepath.Join(filepath.Dir(path), newName)
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("rename %q: %w", path, err)
	}
	return newPath, nil
}

func (l *Local) MoveTo(ctx context.Context, path, dest string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fault.New(fault.CodeFileNotFound, "move source %q: %v", path, err)
	}
	info, err := os.Stat(dest)
	if err != nil || !info.IsDir() {
		return "", fault.New(fault.CodeFileNotFound, "destination directory %q does not exist", dest).
			Hint("create the destination directory first")
	}
	newPath := filepath.Join(dest, filepath.Base(path))
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("move %q: %w", path, err)
	}
	return newPath, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fault.New(fault.CodeFileNotFound, "delete %q: no such file", path)
		}
		return fmt.Errorf("delete %q: %w", path, err)
	}
	return nil
}

func (l *Local) MergePDF(ctx context.Context, inputs []string, out string) error {
	return fault.New(fault.CodeOSCapabilityMiss, "pdf_merge capability is not available locally")
}

func (l *Local) ExtractPDFPages(ctx context.Context, path, ranges, out string) error {
	return fault.New(fault.CodeOSCapabilityMiss, "pdf_extract capability is not available locally")
}

// PDFPageCount counts page objects in the document's object tree. It
// understands classic uncompressed cross-reference documents; compressed
// object streams report a parse error rather than a wrong count.
func (l *Local) PDFPageCount(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fault.New(fault.CodeFileNotFound, "pdf %q: no such file", path)
		}
		return 0, fmt.Errorf("read pdf %q: %w", path, err)
	}
	if !strings.HasPrefix(string(data), "%PDF-") {
		return 0, fault.New(fault.CodePDFParseError, "%q is not a PDF document", path)
	}
	content := string(data)
	pages := strings.Count(content, "/Type /Page") - strings.Count(content, "/Type /Pages")
	pages += strings.Count(content, "/Type/Page") - strings.Count(content, "/Type/Pages")
	if pages <= 0 {
		return 0, fault.New(fault.CodePDFParseError, "no page objects found in %q", path).
			Hint("compressed object streams are not supported by the local counter")
	}
	return pages, nil
}

func (l *Local) ComposeMail(ctx context.Context, m Mail) error {
	if len(m.To) == 0 {
		return fault.New(fault.CodeValidationFailed, "mail has no recipients")
	}
	for _, a := range m.Attachments {
		if _, err := os.Stat(a); err != nil {
			return fault.New(fault.CodeFileNotFound, "attachment %q: no such file", a)
		}
	}
	if m.ComposedAt.IsZero() {
		m.ComposedAt = l.now()
	}
	l.mu.Lock()
	l.draft = &m
	l.mu.Unlock()
	return nil
}

// SaveDraft writes the staged draft as an .eml file and clears the stage.
func (l *Local) SaveDraft(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.draft == nil {
		return "", fault.New(fault.CodeValidationFailed, "no draft staged; compose_mail must run first")
	}
	if err := os.MkdirAll(l.draftsDir, 0o755); err != nil {
		return "", fmt.Errorf("drafts dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(l.draft.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", l.draft.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", l.draft.ComposedAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Attachments: %s\r\n", strings.Join(l.draft.Attachments, "; "))
	b.WriteString("\r\n")
	b.WriteString(l.draft.Body)

	path := filepath.Join(l.draftsDir, fmt.Sprintf("draft_%d.eml", l.now().UnixNano()))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("save draft: %w", err)
	}
	l.draft = nil
	return path, nil
}

func (l *Local) CheckPermissions(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	for id, c := range l.Capabilities() {
		out[id] = c.Available
	}
	// Draft directory must be creatable for the mail capability.
	if err := os.MkdirAll(l.draftsDir, 0o755); err != nil {
		out[CapMailDraft] = false
	}
	return out, nil
}

// StrictPermissions reports whether a capability miss must block instead
// of falling back.
func StrictPermissions() bool {
	v := strings.ToLower(os.Getenv(StrictPermissionsEnv))
	return v == "1" || v == "true" || v == "yes"
}
