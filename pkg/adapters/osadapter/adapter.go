// Package osadapter defines the desktop-side capability contract the
// executor dispatches file, PDF, and mail actions through. Capabilities
// are declared, not probed per call: a missing capability surfaces as
// OS_CAPABILITY_MISS before the action runs.
package osadapter

import (
	"context"
	"time"
)

// Capability ids.
const (
	CapFS         = "fs"
	CapPDFCount   = "pdf_count"
	CapPDFMerge   = "pdf_merge"
	CapPDFExtract = "pdf_extract"
	CapMailDraft  = "mail_draft"
	CapScreenshot = "screenshot"
)

// Capability describes one declared capability. Concurrency is the
// maximum number of in-flight calls the adapter supports for it.
type Capability struct {
	Available   bool `json:"available"`
	Concurrency int  `json:"concurrency"`
}

// Mail is a draft message handed to the mail capability.
type Mail struct {
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	ComposedAt  time.Time `json:"composed_at"`
}

// Adapter is the OS-side contract.
type Adapter interface {
	// Capabilities returns the declared capability table.
	Capabilities() map[string]Capability

	// TakeScreenshot captures the screen to path and returns the bytes.
	TakeScreenshot(ctx context.Context, path string) ([]byte, error)

	// FindFiles returns files under roots whose name matches the query
	// (case-insensitive substring or glob).
	FindFiles(ctx context.Context, query string, roots []string) ([]string, error)

	// Rename applies the pattern to the file's name and returns the new
	// path. Pattern placeholders: {name}, {ext}, {date}.
	Rename(ctx context.Context, path, pattern string) (string, error)

	// MoveTo moves the file into dest and returns the new path. The
	// destination directory must exist.
	MoveTo(ctx context.Context, path, dest string) (string, error)

	// Delete removes the file.
	Delete(ctx context.Context, path string) error

	// MergePDF concatenates inputs into out.
	MergePDF(ctx context.Context, inputs []string, out string) error

	// ExtractPDFPages copies the 1-based page ranges ("1-3,7") into out.
	ExtractPDFPages(ctx context.Context, path, ranges, out string) error

	// PDFPageCount returns the page count of the document.
	PDFPageCount(ctx context.Context, path string) (int, error)

	// ComposeMail validates and stages a draft.
	ComposeMail(ctx context.Context, m Mail) error

	// SaveDraft persists the staged draft and returns its location.
	SaveDraft(ctx context.Context) (string, error)

	// CheckPermissions reports per-capability permission status.
	CheckPermissions(ctx context.Context) (map[string]bool, error)
}
