package webengine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// Fake is a scripted in-memory engine for tests. It records every call
// and answers from a configured page schema; elements are matched by
// label, text, selector, placeholder, or aria, case-insensitively.
type Fake struct {
	mu sync.Mutex

	// Page is the schema the fake answers from.
	Page Schema
	// Text is the page text returned by PageText.
	Text string
	// DownloadPath, when set, is returned by WaitForDownload; empty
	// means the download times out.
	DownloadPath string
	// FailUploads makes every Upload fail.
	FailUploads bool
	// VisibleAfter delays element visibility: targets listed here miss
	// until the given number of lookups has happened.
	VisibleAfter map[string]int

	calls   []string
	lookups map[string]int
	cookies []Cookie
	frame   string
	opened  []string
}

// NewFake starts with an empty page.
func NewFake() *Fake {
	return &Fake{lookups: map[string]int{}}
}

// Calls returns the recorded call log ("method arg" strings).
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Opened returns every URL passed to Open.
func (f *Fake) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

func targetKey(t Target) string {
	for _, s := range []string{t.Label, t.Text, t.Selector} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (f *Fake) matches(t Target) []Element {
	key := strings.ToLower(targetKey(t))
	if key == "" {
		return nil
	}
	var out []Element
	for _, el := range f.Page.Elements {
		for _, field := range []string{el.Label, el.Text, el.Selector, el.Placeholder, el.Aria} {
			if field != "" && strings.Contains(strings.ToLower(field), key) {
				if t.Role == "" || t.Role == el.Role {
					out = append(out, el)
				}
				break
			}
		}
	}
	return out
}

func (f *Fake) find(t Target) (Element, error) {
	key := targetKey(t)
	f.lookups[key]++
	if after, ok := f.VisibleAfter[key]; ok && f.lookups[key] <= after {
		return Element{}, fault.New(fault.CodeWebElementNotFound, "element %q not found", key)
	}
	els := f.matches(t)
	if len(els) == 0 {
		return Element{}, fault.New(fault.CodeWebElementNotFound, "element %q not found", key)
	}
	return els[0], nil
}

func (f *Fake) Open(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("open " + url)
	f.opened = append(f.opened, url)
	f.Page.URL = url
	return nil
}

func (f *Fake) Fill(ctx context.Context, target Target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("fill " + targetKey(target))
	_, err := f.find(target)
	return err
}

func (f *Fake) Click(ctx context.Context, target Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("click " + targetKey(target))
	_, err := f.find(target)
	return err
}

func (f *Fake) Upload(ctx context.Context, target Target, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("upload " + path)
	if f.FailUploads {
		return fault.New(fault.CodeWebUploadFailed, "upload of %q rejected", path)
	}
	_, err := f.find(target)
	return err
}

func (f *Fake) WaitForDownload(ctx context.Context, to string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("wait_for_download " + to)
	if f.DownloadPath == "" {
		return "", fault.New(fault.CodeDownloadTimeout, "no download arrived within %s", timeout)
	}
	return f.DownloadPath, nil
}

func (f *Fake) CaptureDOMSchema(ctx context.Context, target string) (*Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("capture_dom_schema")
	snapshot := f.Page
	snapshot.CapturedAt = time.Now()
	snapshot.Elements = append([]Element(nil), f.Page.Elements...)
	return &snapshot, nil
}

func (f *Fake) ElementCount(ctx context.Context, target Target) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := targetKey(target)
	f.record("element_count " + key)
	f.lookups[key]++
	if after, ok := f.VisibleAfter[key]; ok && f.lookups[key] <= after {
		return 0, nil
	}
	return len(f.matches(target)), nil
}

func (f *Fake) PageText(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("page_text")
	return f.Text, nil
}

func (f *Fake) GetCookies(ctx context.Context) ([]Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cookie(nil), f.cookies...), nil
}

func (f *Fake) SetCookies(ctx context.Context, cookies []Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cookies = append(f.cookies, cookies...)
	return nil
}

func (f *Fake) SelectFrame(ctx context.Context, frame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("frame_select " + frame)
	f.frame = frame
	return nil
}

func (f *Fake) ClearFrame(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = ""
	return nil
}

func (f *Fake) PierceShadow(ctx context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pierce_shadow " + selector)
	return nil
}
