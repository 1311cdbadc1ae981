package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/tool-gateway/internal/cache"
	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAdapter struct {
	mu      sync.Mutex
	invokes int
	output  any
	err     error
	block   bool
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) ListTools(ctx context.Context) ([]transport.ToolInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.invokes++
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.output, f.err
}

func (f *fakeAdapter) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invokes
}

// fakeConns reports a single server as connected.
type fakeConns struct {
	serverID  string
	adapter   *fakeAdapter
	connected bool
}

func (c *fakeConns) Status(serverID string) store.ServerStatus {
	if serverID == c.serverID && c.connected {
		return store.ServerConnected
	}
	return store.ServerDisconnected
}

func (c *fakeConns) Adapter(serverID string) (transport.Adapter, bool) {
	if serverID == c.serverID && c.connected {
		return c.adapter, true
	}
	return nil, false
}

type harness struct {
	store   *store.MockStore
	adapter *fakeAdapter
	conns   *fakeConns
	usage   *UsageLog
	router  *Router
	tool    *store.Tool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		store:   store.NewMockStore(),
		adapter: &fakeAdapter{output: map[string]any{"ok": true}},
	}
	h.conns = &fakeConns{serverID: "srv", adapter: h.adapter, connected: true}
	h.tool = &store.Tool{ServerID: "srv", Name: "upload", Enabled: true}
	h.store.AddTool(h.tool)

	h.usage = NewUsageLog(h.store, 16, logger)
	h.router = New(h.store, h.conns, h.usage, logger, opts...)
	t.Cleanup(func() { _ = h.usage.Close(context.Background()) })
	return h
}

func (h *harness) allow(t *testing.T, callerType string, allowed bool) {
	t.Helper()
	_, err := h.store.SetPermission(context.Background(), h.tool.ID, callerType, allowed)
	require.NoError(t, err)
}

// flushUsage drains the queue and returns records oldest first.
func (h *harness) flushUsage(t *testing.T) []*store.UsageRecord {
	t.Helper()
	require.NoError(t, h.usage.Close(context.Background()))
	recs, err := h.store.ListUsage(context.Background(), store.UsageFilter{})
	require.NoError(t, err)
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}

func call(h *harness, callerType string, args map[string]any) (*CallResult, error) {
	return h.router.Call(context.Background(), CallRequest{
		ServerID:   "srv",
		ToolName:   "upload",
		Arguments:  args,
		CallerID:   "caller-1",
		CallerType: callerType,
	})
}

func TestCall_Success(t *testing.T) {
	h := newHarness(t)
	h.allow(t, "agentA", true)

	res, err := call(h, "agentA", map[string]any{"file": "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
	assert.False(t, res.Cached)

	recs := h.flushUsage(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.UsageSuccess, recs[0].Status)
	assert.Equal(t, h.tool.ID, recs[0].ToolID)
	assert.Equal(t, "caller-1", recs[0].CallerID)
	assert.Equal(t, "agentA", recs[0].CallerType)
	assert.JSONEq(t, `{"file":"a.txt"}`, string(recs[0].Input))
	assert.JSONEq(t, `{"ok":true}`, string(recs[0].Output))
	assert.NotEmpty(t, recs[0].ID)
}

func TestCall_CallerTypePermission(t *testing.T) {
	h := newHarness(t)
	h.allow(t, "agentA", true)

	_, err := call(h, "agentA", nil)
	require.NoError(t, err)

	_, err = call(h, "agentB", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gwerr.ErrPermissionDenied)
	assert.Equal(t, 403, gwerr.HTTPStatus(err))
	assert.Equal(t, 1, h.adapter.invokeCount())

	recs := h.flushUsage(t)
	require.Len(t, recs, 2, "denied attempts are logged too")
	assert.Equal(t, store.UsageError, recs[1].Status)
	assert.Contains(t, string(recs[1].Output), "permission")
}

func TestCall_WildcardPermission(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness)
		allowed bool
	}{
		{
			name:    "wildcard grants every caller",
			setup:   func(t *testing.T, h *harness) { h.allow(t, store.WildcardCaller, true) },
			allowed: true,
		},
		{
			name:    "no rows denies",
			setup:   func(t *testing.T, h *harness) {},
			allowed: false,
		},
		{
			name:    "explicit deny",
			setup:   func(t *testing.T, h *harness) { h.allow(t, "anyone", false) },
			allowed: false,
		},
		{
			name:    "disallowed wildcard",
			setup:   func(t *testing.T, h *harness) { h.allow(t, store.WildcardCaller, false) },
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(t, h)

			_, err := call(h, "anyone", nil)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, gwerr.ErrPermissionDenied)
			}
		})
	}
}

func TestCall_ToolNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.router.Call(context.Background(), CallRequest{ServerID: "srv", ToolName: "missing", CallerType: "agentA"})
	assert.ErrorIs(t, err, gwerr.ErrNotFound)

	assert.Empty(t, h.flushUsage(t), "unknown tools leave no usage record")
}

func TestCall_Disabled(t *testing.T) {
	h := newHarness(t)
	disabled := &store.Tool{ServerID: "srv", Name: "old", Enabled: false}
	h.store.AddTool(disabled)
	_, err := h.store.SetPermission(context.Background(), disabled.ID, store.WildcardCaller, true)
	require.NoError(t, err)

	_, err = h.router.Call(context.Background(), CallRequest{ServerID: "srv", ToolName: "old", CallerType: "agentA"})
	assert.ErrorIs(t, err, gwerr.ErrDisabled)
	assert.NotErrorIs(t, err, gwerr.ErrPermissionDenied)
	assert.Equal(t, 0, h.adapter.invokeCount())

	recs := h.flushUsage(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.UsageError, recs[0].Status)
}

func TestCall_NotConnected(t *testing.T) {
	h := newHarness(t)
	h.allow(t, store.WildcardCaller, true)
	h.conns.connected = false

	_, err := call(h, "agentA", nil)
	assert.ErrorIs(t, err, gwerr.ErrConnection)
	assert.Equal(t, 503, gwerr.HTTPStatus(err))
	assert.Equal(t, 0, h.adapter.invokeCount())
}

func TestCall_InvokeFailure(t *testing.T) {
	h := newHarness(t)
	h.allow(t, store.WildcardCaller, true)
	h.adapter.err = errors.New("boom")

	_, err := call(h, "agentA", nil)
	assert.ErrorIs(t, err, gwerr.ErrTransport)
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 502, gwerr.HTTPStatus(err))

	recs := h.flushUsage(t)
	require.Len(t, recs, 1)
	assert.Equal(t, store.UsageError, recs[0].Status)
	assert.JSONEq(t, `{"error":"invoking upload: boom"}`, string(recs[0].Output))
}

func TestCall_Timeout(t *testing.T) {
	h := newHarness(t, WithInvokeTimeout(20*time.Millisecond))
	h.allow(t, store.WildcardCaller, true)
	h.adapter.block = true

	_, err := call(h, "agentA", nil)
	assert.ErrorIs(t, err, gwerr.ErrTransport)
	assert.ErrorContains(t, err, "timed out")
}

func TestCall_IdempotentCache(t *testing.T) {
	mem := cache.NewMemoryStore(10)
	rc := cache.NewResponseCache(mem, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rc.Close()

	h := newHarness(t, WithCache(rc))
	h.allow(t, store.WildcardCaller, true)

	first, err := call(h, "agentA", map[string]any{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Same arguments in a different key order hit the cache.
	second, err := call(h, "agentA", map[string]any{"b": "x", "a": 1})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, map[string]any{"ok": true}, second.Output)

	assert.Equal(t, 1, h.adapter.invokeCount(), "invoke runs at most once per key")

	recs := h.flushUsage(t)
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Cached)
	assert.True(t, recs[1].Cached)
}

func TestCall_OmittedArgumentsShareEmptyObjectKey(t *testing.T) {
	mem := cache.NewMemoryStore(10)
	rc := cache.NewResponseCache(mem, time.Minute, nil)
	defer rc.Close()

	h := newHarness(t, WithCache(rc))
	h.allow(t, store.WildcardCaller, true)

	first, err := call(h, "agentA", nil)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := call(h, "agentA", map[string]any{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, h.adapter.invokeCount())
	assert.Equal(t, 1, mem.Len())

	recs := h.flushUsage(t)
	require.Len(t, recs, 2)
	assert.JSONEq(t, `{}`, string(recs[0].Input))
}

func TestCall_FailuresAreNotCached(t *testing.T) {
	mem := cache.NewMemoryStore(10)
	rc := cache.NewResponseCache(mem, time.Minute, nil)
	defer rc.Close()

	h := newHarness(t, WithCache(rc))
	h.allow(t, store.WildcardCaller, true)
	h.adapter.err = errors.New("flaky")

	_, err := call(h, "agentA", nil)
	require.Error(t, err)
	assert.Equal(t, 0, mem.Len())
}
