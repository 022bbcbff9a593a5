// Package webengine is the narrow browser surface the executor consumes.
// The core never touches the DOM itself: operations are issued as batch
// JSON-RPC 2.0 calls to an external engine process, and any batch with a
// network-observable action is validated against the plan's host
// allowlist first.
package webengine

import (
	"context"
	"time"
)

// Target addresses an element by visible label, text, or CSS selector,
// optionally scoped to a frame.
type Target struct {
	Label    string `json:"label,omitempty"`
	Text     string `json:"text,omitempty"`
	Selector string `json:"selector,omitempty"`
	Role     string `json:"role,omitempty"`
	Frame    string `json:"frame,omitempty"`
}

// Element is one entry in a captured screen schema. The planner's synonym
// matching reads Label, Placeholder, and Aria.
type Element struct {
	Role        string `json:"role"`
	Label       string `json:"label,omitempty"`
	Text        string `json:"text,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Aria        string `json:"aria,omitempty"`
}

// Schema is a structural snapshot of the visible page.
type Schema struct {
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
	Elements   []Element `json:"elements"`
}

// Cookie is a single browser cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Engine is the contract the executor dispatches web actions through.
type Engine interface {
	Open(ctx context.Context, url string) error
	Fill(ctx context.Context, target Target, text string) error
	Click(ctx context.Context, target Target) error
	Upload(ctx context.Context, target Target, path string) error
	WaitForDownload(ctx context.Context, to string, timeout time.Duration) (string, error)
	CaptureDOMSchema(ctx context.Context, target string) (*Schema, error)
	ElementCount(ctx context.Context, target Target) (int, error)
	PageText(ctx context.Context) (string, error)
	GetCookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	SelectFrame(ctx context.Context, frame string) error
	ClearFrame(ctx context.Context) error
	PierceShadow(ctx context.Context, selector string) error
}
