package webengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/axion-labs/plancore/pkg/fault"
)

// rpcRequest is one JSON-RPC 2.0 call inside a batch.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// networkObservable methods cannot be issued to a host outside the
// allowlist.
var networkObservable = map[string]bool{
	"open":   true,
	"upload": true,
}

// Client speaks batch JSON-RPC 2.0 to an external engine endpoint.
type Client struct {
	endpoint  string
	http      *http.Client
	allowlist []string
	nextID    atomic.Int64
	current   atomic.Value // last opened URL host
}

// NewClient points at the engine endpoint. Timeout applies per batch.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{endpoint: endpoint, http: &http.Client{Timeout: timeout}}
}

// SetAllowlist installs the plan's declared host allowlist. An empty list
// blocks every network-observable batch.
func (c *Client) SetAllowlist(hosts []string) { c.allowlist = hosts }

func (c *Client) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range c.allowlist {
		allowed = strings.ToLower(allowed)
		if wild, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(host, "."+wild) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// call issues a single-element batch and decodes the one result.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	results, err := c.Do(ctx, []rpcRequest{{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}})
	if err != nil {
		return err
	}
	if out != nil && len(results) > 0 && results[0].Result != nil {
		if err := json.Unmarshal(results[0].Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Do posts a batch. Allowlist validation happens before anything reaches
// the wire: one blocked call blocks the whole batch.
func (c *Client) Do(ctx context.Context, batch []rpcRequest) ([]rpcResponse, error) {
	for _, req := range batch {
		if !networkObservable[req.Method] {
			continue
		}
		host, err := hostOfParams(req.Params)
		if err != nil {
			return nil, err
		}
		if host == "" {
			if v := c.current.Load(); v != nil {
				host = v.(string)
			}
		}
		if !c.hostAllowed(host) {
			return nil, fault.New(fault.CodePolicyBlocked, "host %q is not on the plan's allowlist", host).
				Hint("declare the host under the plan's allowed domains")
		}
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fault.New(fault.CodeTimeout, "web engine unreachable: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.CodeInternal, "web engine returned HTTP %d", resp.StatusCode)
	}

	var results []rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	for _, r := range results {
		if r.Error != nil {
			return nil, engineFault(r.Error)
		}
	}
	return results, nil
}

// hostOfParams pulls the URL host from open/upload params.
func hostOfParams(params any) (string, error) {
	m, ok := params.(map[string]any)
	if !ok {
		return "", nil
	}
	raw, ok := m["url"].(string)
	if !ok || raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fault.New(fault.CodeValidationFailed, "invalid url %q: %v", raw, err)
	}
	return u.Hostname(), nil
}

// engineFault maps JSON-RPC error codes onto the fault taxonomy.
func engineFault(e *rpcError) error {
	switch e.Code {
	case -32001:
		return fault.New(fault.CodeWebElementNotFound, "%s", e.Message)
	case -32002:
		return fault.New(fault.CodeWebUploadFailed, "%s", e.Message)
	case -32003:
		return fault.New(fault.CodeDownloadTimeout, "%s", e.Message)
	case -32004:
		return fault.New(fault.CodeDownloadIncomplete, "%s", e.Message)
	default:
		return fault.New(fault.CodeInternal, "engine error %d: %s", e.Code, e.Message)
	}
}

func (c *Client) Open(ctx context.Context, rawURL string) error {
	if err := c.call(ctx, "open", map[string]any{"url": rawURL}, nil); err != nil {
		return err
	}
	if u, err := url.Parse(rawURL); err == nil {
		c.current.Store(u.Hostname())
	}
	return nil
}

func (c *Client) Fill(ctx context.Context, target Target, text string) error {
	return c.call(ctx, "fill", map[string]any{"target": target, "text": text}, nil)
}

func (c *Client) Click(ctx context.Context, target Target) error {
	return c.call(ctx, "click", map[string]any{"target": target}, nil)
}

func (c *Client) Upload(ctx context.Context, target Target, path string) error {
	return c.call(ctx, "upload", map[string]any{"target": target, "path": path}, nil)
}

func (c *Client) WaitForDownload(ctx context.Context, to string, timeout time.Duration) (string, error) {
	var result struct {
		Path string `json:"path"`
	}
	err := c.call(ctx, "wait_for_download",
		map[string]any{"to": to, "timeout_ms": timeout.Milliseconds()}, &result)
	if err != nil {
		return "", err
	}
	return result.Path, nil
}

func (c *Client) CaptureDOMSchema(ctx context.Context, target string) (*Schema, error) {
	var schema Schema
	if err := c.call(ctx, "capture_dom_schema", map[string]any{"target": target}, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

func (c *Client) ElementCount(ctx context.Context, target Target) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.call(ctx, "element_count", map[string]any{"target": target}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (c *Client) PageText(ctx context.Context) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	if err := c.call(ctx, "page_text", nil, &result); err != nil {
		return "", err
	}
	return result.Text, nil
}

func (c *Client) GetCookies(ctx context.Context) ([]Cookie, error) {
	var cookies []Cookie
	if err := c.call(ctx, "cookies_get", nil, &cookies); err != nil {
		return nil, err
	}
	return cookies, nil
}

func (c *Client) SetCookies(ctx context.Context, cookies []Cookie) error {
	return c.call(ctx, "cookies_set", map[string]any{"cookies": cookies}, nil)
}

func (c *Client) SelectFrame(ctx context.Context, frame string) error {
	return c.call(ctx, "frame_select", map[string]any{"frame": frame}, nil)
}

func (c *Client) ClearFrame(ctx context.Context) error {
	return c.call(ctx, "frame_clear", nil, nil)
}

func (c *Client) PierceShadow(ctx context.Context, selector string) error {
	return c.call(ctx, "pierce_shadow", map[string]any{"selector": selector}, nil)
}
