// ABOUTME: Tests for the MCP endpoint using the SDK client over streamable HTTP
// ABOUTME: Uses MockStore for the catalog and a recording fake router

package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/router"
	"github.com/2389/tool-gateway/internal/store"
)

type fakeRouter struct {
	mu    sync.Mutex
	calls []router.CallRequest
	out   any
	err   error
}

func (f *fakeRouter) Call(_ context.Context, req router.CallRequest) (*router.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return &router.CallResult{Output: f.out}, nil
}

func (f *fakeRouter) requests() []router.CallRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]router.CallRequest(nil), f.calls...)
}

func seedCatalog(t *testing.T) *store.MockStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMockStore()

	require.NoError(t, s.CreateServer(ctx, &store.ToolServer{ID: "srv-search", Name: "search", Transport: "stdio", Status: store.ServerConnected}))
	require.NoError(t, s.CreateServer(ctx, &store.ToolServer{ID: "srv-blog", Name: "my blog", Transport: "sse", Status: store.ServerConnected}))
	require.NoError(t, s.CreateServer(ctx, &store.ToolServer{ID: "srv-down", Name: "down", Transport: "stdio"}))

	search := &store.Tool{ServerID: "srv-search", Name: "web_search", Description: "Search the web", Enabled: true,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`)}
	post := &store.Tool{ServerID: "srv-blog", Name: "create_post", Enabled: true}
	stale := &store.Tool{ServerID: "srv-blog", Name: "old_tool", Enabled: false}
	offline := &store.Tool{ServerID: "srv-down", Name: "ping", Enabled: true}
	for _, tool := range []*store.Tool{search, post, stale, offline} {
		s.AddTool(tool)
		_, err := s.SetPermission(ctx, tool.ID, store.WildcardCaller, true)
		require.NoError(t, err)
	}
	_, err := s.SetPermission(ctx, post.ID, store.WildcardCaller, false)
	require.NoError(t, err)
	_, err = s.SetPermission(ctx, post.ID, "editor", true)
	require.NoError(t, err)
	return s
}

// headerTransport stamps caller headers onto every request.
type headerTransport struct {
	headers map[string]string
}

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range h.headers {
		r.Header.Set(k, v)
	}
	return http.DefaultTransport.RoundTrip(r)
}

func connect(t *testing.T, srv *Server, headers map[string]string) *sdk.ClientSession {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	transport := &sdk.StreamableClientTransport{
		Endpoint:   ts.URL,
		HTTPClient: &http.Client{Transport: headerTransport{headers: headers}},
	}
	cs, err := client.Connect(context.Background(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func newTestServer(t *testing.T, r Caller) *Server {
	t.Helper()
	srv, err := NewServer(Config{
		Catalog: seedCatalog(t),
		Router:  r,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return srv
}

func toolNames(t *testing.T, cs *sdk.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Router: &fakeRouter{}})
	assert.ErrorContains(t, err, "catalog is required")

	_, err = NewServer(Config{Catalog: store.NewMockStore()})
	assert.ErrorContains(t, err, "router is required")
}

func TestListTools_FiltersByCallerType(t *testing.T) {
	srv := newTestServer(t, &fakeRouter{})

	agent := connect(t, srv, nil)
	assert.Equal(t, []string{"search__web_search"}, toolNames(t, agent))

	editor := connect(t, srv, map[string]string{HeaderCallerType: "editor"})
	assert.Equal(t, []string{"my_blog__create_post", "search__web_search"}, toolNames(t, editor))
}

func TestListTools_SchemaIsObject(t *testing.T) {
	srv := newTestServer(t, &fakeRouter{})
	cs := connect(t, srv, map[string]string{HeaderCallerType: "editor"})

	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	for _, tool := range res.Tools {
		raw, err := json.Marshal(tool.InputSchema)
		require.NoError(t, err)
		var schema map[string]any
		require.NoError(t, json.Unmarshal(raw, &schema))
		assert.Equal(t, "object", schema["type"], tool.Name)
	}
}

func TestCallTool_RoutesWithCaller(t *testing.T) {
	fr := &fakeRouter{out: map[string]any{"results": []any{"cats"}}}
	srv := newTestServer(t, fr)
	cs := connect(t, srv, map[string]string{HeaderCallerID: "agent-7", HeaderCallerType: "agent"})

	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{
		Name:      "search__web_search",
		Arguments: map[string]any{"query": "cats"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.JSONEq(t, `{"results":["cats"]}`, text.Text)

	calls := fr.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, router.CallRequest{
		ServerID:   "srv-search",
		ToolName:   "web_search",
		Arguments:  map[string]any{"query": "cats"},
		CallerID:   "agent-7",
		CallerType: "agent",
	}, calls[0])
}

func TestCallTool_RouterErrorsAreToolErrors(t *testing.T) {
	fr := &fakeRouter{err: gwerr.New(gwerr.ErrTransport, "upstream exploded")}
	srv := newTestServer(t, fr)
	cs := connect(t, srv, nil)

	res, err := cs.CallTool(context.Background(), &sdk.CallToolParams{Name: "search__web_search"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text, ok := res.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "upstream exploded")
}

func TestExposedName(t *testing.T) {
	assert.Equal(t, "search__web_search", ExposedName("search", "web_search"))
	assert.Equal(t, "my_blog__post_v1.2", ExposedName("my blog", "post/v1.2"))
}
