package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tool-gateway/internal/gwerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoInput struct {
	Text string `json:"text"`
}

type echoOutput struct {
	Text string `json:"text"`
}

type emptyInput struct{}

// newTestServer starts an in-process MCP server and returns a connected
// session adapter talking to it.
func newTestServer(t *testing.T, opts *mcp.ServerOptions, register func(*mcp.Server)) *session {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0.0.1"}, opts)
	register(server)

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	s := newSession("memory", func() (mcp.Transport, error) { return clientTransport, nil }, testLogger())
	require.NoError(t, s.Connect(ctx))

	t.Cleanup(func() {
		_ = s.Close()
		_ = ss.Close()
	})
	return s
}

func registerEcho(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, echoOutput, error) {
			return nil, echoOutput{Text: in.Text}, nil
		})
}

func TestSession_InvokeStructured(t *testing.T) {
	s := newTestServer(t, nil, registerEcho)

	out, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "cats are great"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "cats are great"}, out)
}

func TestSession_InvokeContentOnly(t *testing.T) {
	s := newTestServer(t, nil, func(server *mcp.Server) {
		mcp.AddTool(server, &mcp.Tool{Name: "plain"},
			func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
				return &mcp.CallToolResult{
					Content: []mcp.Content{&mcp.TextContent{Text: "hello"}},
				}, nil, nil
			})
	})

	out, err := s.Invoke(context.Background(), "plain", nil)
	require.NoError(t, err)

	items, ok := out.([]any)
	require.True(t, ok, "content output should be an array, got %T", out)
	require.Len(t, items, 1)
	block := items[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "hello", block["text"])
}

func TestSession_InvokeToolError(t *testing.T) {
	s := newTestServer(t, nil, func(server *mcp.Server) {
		mcp.AddTool(server, &mcp.Tool{Name: "fail"},
			func(ctx context.Context, req *mcp.CallToolRequest, in emptyInput) (*mcp.CallToolResult, any, error) {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: "upstream exploded"}},
				}, nil, nil
			})
	})

	_, err := s.Invoke(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrTransport)
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestSession_InvokeUnknownTool(t *testing.T) {
	s := newTestServer(t, nil, registerEcho)

	_, err := s.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrTransport)
}

func TestSession_ListToolsPaginates(t *testing.T) {
	s := newTestServer(t, &mcp.ServerOptions{PageSize: 1}, func(server *mcp.Server) {
		for _, name := range []string{"alpha", "beta", "gamma"} {
			mcp.AddTool(server, &mcp.Tool{Name: name, Description: name + " tool"},
				func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, echoOutput, error) {
					return nil, echoOutput{Text: in.Text}, nil
				})
		}
	})

	tools, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 3)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
		require.NotEmpty(t, tool.InputSchema)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(tool.InputSchema, &schema))
		assert.Equal(t, "object", schema["type"])
	}
	assert.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, names)
}

func TestSession_NotConnected(t *testing.T) {
	s := newSession("idle", func() (mcp.Transport, error) { return nil, fmt.Errorf("unused") }, testLogger())

	_, err := s.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = s.Invoke(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, gwerr.ErrTransport)

	assert.NoError(t, s.Close())
}

func TestSession_InvokeAfterClose(t *testing.T) {
	s := newTestServer(t, nil, registerEcho)
	require.NoError(t, s.Close())

	_, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSession_ConnectDialError(t *testing.T) {
	s := newSession("broken", func() (mcp.Transport, error) { return nil, fmt.Errorf("no route") }, testLogger())

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
}

func TestNew_Kinds(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		config  string
		wantErr error
	}{
		{name: "stdio", kind: "stdio", config: `{"command":"npx","args":["-y","server"],"env":{"TOKEN":"x"}}`},
		{name: "sse", kind: "sse", config: `{"url":"https://tools.example.com/sse","env":{"Authorization":"Bearer x"}}`},
		{name: "http", kind: "http", config: `{"url":"http://localhost:9000/mcp","headers":{"X-Key":"k"}}`},
		{name: "kind is case insensitive", kind: "SSE", config: `{"url":"https://tools.example.com/sse"}`},
		{name: "unknown kind", kind: "websocket", config: `{}`, wantErr: ErrUnsupportedTransport},
		{name: "stdio missing command", kind: "stdio", config: `{"args":["x"]}`, wantErr: gwerr.ErrValidation},
		{name: "sse missing url", kind: "sse", config: `{"env":{}}`, wantErr: gwerr.ErrValidation},
		{name: "http bad scheme", kind: "http", config: `{"url":"ftp://example.com"}`, wantErr: gwerr.ErrValidation},
		{name: "malformed json", kind: "stdio", config: `{"command":`, wantErr: gwerr.ErrValidation},
		{name: "empty config", kind: "http", config: ``, wantErr: gwerr.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := New(tt.kind, json.RawMessage(tt.config), testLogger())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, adapter)
				assert.ErrorIs(t, ValidateConfig(tt.kind, json.RawMessage(tt.config)), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, adapter)
			assert.NoError(t, adapter.Close(), "closing an unconnected adapter is a no-op")
		})
	}
}

func TestBuildCommand_MergesEnv(t *testing.T) {
	t.Setenv("TOOL_GATEWAY_TEST_BASE", "base")
	t.Setenv("TOOL_GATEWAY_TEST_OVERRIDE", "old")

	cmd := buildCommand(StdioConfig{
		Command: "server-bin",
		Args:    []string{"--flag"},
		Env:     map[string]string{"TOOL_GATEWAY_TEST_OVERRIDE": "new", "EXTRA": "1"},
	})

	assert.Equal(t, []string{"server-bin", "--flag"}, cmd.Args)
	assert.Contains(t, cmd.Env, "TOOL_GATEWAY_TEST_BASE=base")
	assert.Contains(t, cmd.Env, "EXTRA=1")

	// os/exec keeps the last value for duplicate keys
	last := ""
	for _, kv := range cmd.Env {
		if len(kv) > len("TOOL_GATEWAY_TEST_OVERRIDE=") && kv[:len("TOOL_GATEWAY_TEST_OVERRIDE=")] == "TOOL_GATEWAY_TEST_OVERRIDE=" {
			last = kv
		}
	}
	assert.Equal(t, "TOOL_GATEWAY_TEST_OVERRIDE=new", last)
}

func TestHeaderTransport_InjectsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &headerTransport{
		base:    http.DefaultTransport,
		headers: map[string]string{"Authorization": "Bearer secret", "X-Tenant": "acme"},
	}}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer secret", got.Get("Authorization"))
	assert.Equal(t, "acme", got.Get("X-Tenant"))
	assert.Empty(t, req.Header.Get("Authorization"), "caller's request is not mutated")
}

func TestAutoConnect(t *testing.T) {
	assert.True(t, AutoConnect(json.RawMessage(`{"command":"x"}`)))
	assert.True(t, AutoConnect(json.RawMessage(`{"auto_connect":true}`)))
	assert.False(t, AutoConnect(json.RawMessage(`{"auto_connect":false}`)))
	assert.True(t, AutoConnect(json.RawMessage(`not json`)))
}
