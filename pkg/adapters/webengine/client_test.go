package webengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/fault"
)

func engineStub(t *testing.T, handler func(batch []rpcRequest) []rpcResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var batch []rpcRequest
		require.NoError(t, json.Unmarshal(body, &batch))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		for _, req := range batch {
			assert.Equal(t, "2.0", req.JSONRPC)
		}
		_ = json.NewEncoder(w).Encode(handler(batch))
	}))
}

func TestOpenIssuesBatchAndTracksHost(t *testing.T) {
	var gotMethod string
	srv := engineStub(t, func(batch []rpcRequest) []rpcResponse {
		gotMethod = batch[0].Method
		return []rpcResponse{{ID: batch[0].ID}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetAllowlist([]string{"portal.example.com"})

	require.NoError(t, c.Open(context.Background(), "https://portal.example.com/login"))
	assert.Equal(t, "open", gotMethod)
}

func TestAllowlistBlocksBeforeWire(t *testing.T) {
	reached := false
	srv := engineStub(t, func(batch []rpcRequest) []rpcResponse {
		reached = true
		return []rpcResponse{{ID: batch[0].ID}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetAllowlist([]string{"portal.example.com"})

	err := c.Open(context.Background(), "https://evil.example.net/")
	require.Equal(t, fault.CodePolicyBlocked, fault.CodeOf(err))
	assert.False(t, reached, "blocked batch never reaches the engine")
}

func TestAllowlistSubdomainWildcard(t *testing.T) {
	srv := engineStub(t, func(batch []rpcRequest) []rpcResponse {
		return []rpcResponse{{ID: batch[0].ID}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.SetAllowlist([]string{"*.example.com"})

	assert.NoError(t, c.Open(context.Background(), "https://app.example.com/"))
	err := c.Open(context.Background(), "https://example.com/")
	assert.Equal(t, fault.CodePolicyBlocked, fault.CodeOf(err), "wildcard covers subdomains only")
}

func TestEngineErrorMapping(t *testing.T) {
	srv := engineStub(t, func(batch []rpcRequest) []rpcResponse {
		return []rpcResponse{{ID: batch[0].ID, Error: &rpcError{Code: -32001, Message: "no such element"}}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Click(context.Background(), Target{Text: "Submit"})
	assert.Equal(t, fault.CodeWebElementNotFound, fault.CodeOf(err))
}

func TestResultDecoding(t *testing.T) {
	srv := engineStub(t, func(batch []rpcRequest) []rpcResponse {
		result, _ := json.Marshal(map[string]any{"count": 3})
		return []rpcResponse{{ID: batch[0].ID, Result: result}}
	})
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	n, err := c.ElementCount(context.Background(), Target{Selector: ".row"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFakeVisibilityAndUploads(t *testing.T) {
	f := NewFake()
	f.Page.Elements = []Element{
		{Role: "button", Label: "Submit"},
		{Role: "textbox", Placeholder: "Search files"},
	}
	f.VisibleAfter = map[string]int{"Submit": 1}
	ctx := context.Background()

	err := f.Click(ctx, Target{Text: "Submit"})
	assert.Equal(t, fault.CodeWebElementNotFound, fault.CodeOf(err), "hidden until second lookup")
	assert.NoError(t, f.Click(ctx, Target{Text: "Submit"}))

	assert.NoError(t, f.Fill(ctx, Target{Label: "Search"}, "report"), "placeholder text matches")

	f.FailUploads = true
	err = f.Upload(ctx, Target{Selector: "#file"}, "a.pdf")
	assert.Equal(t, fault.CodeWebUploadFailed, fault.CodeOf(err))

	_, err = f.WaitForDownload(ctx, "downloads", time.Second)
	assert.Equal(t, fault.CodeDownloadTimeout, fault.CodeOf(err))
}
