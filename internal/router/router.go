// ABOUTME: Invocation router, the single entry point for a tool call
// ABOUTME: Runs lookup, enable and permission checks, cache, live invoke, and usage logging

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

// DefaultInvokeTimeout bounds one live invocation.
const DefaultInvokeTimeout = 30 * time.Second

// Connections resolves live adapters for connected servers.
type Connections interface {
	Status(serverID string) store.ServerStatus
	Adapter(serverID string) (transport.Adapter, bool)
}

// Cache memoizes tool outputs. Implementations must not fail the call.
type Cache interface {
	Get(ctx context.Context, serverID, tool string, args any) (any, bool)
	Set(ctx context.Context, serverID, tool string, args, output any)
}

// Catalog is the read side of the capability catalog used by Call.
type Catalog interface {
	GetToolByName(ctx context.Context, serverID, name string) (*store.Tool, error)
	ListPermissions(ctx context.Context, toolID string) ([]*store.Permission, error)
}

// CallRequest identifies one invocation and its caller.
type CallRequest struct {
	ServerID   string
	ToolName   string
	Arguments  map[string]any
	CallerID   string
	CallerType string
}

// CallResult is the output of a successful call.
type CallResult struct {
	Output any
	Cached bool
}

// Option configures a Router.
type Option func(*Router)

// WithInvokeTimeout sets the per-invocation deadline.
func WithInvokeTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithCache enables response caching.
func WithCache(c Cache) Option {
	return func(r *Router) {
		r.cache = c
	}
}

// Router dispatches tool calls to connected servers.
type Router struct {
	catalog Catalog
	conns   Connections
	cache   Cache
	usage   *UsageLog
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Router. usage may be nil to disable usage logging.
func New(catalog Catalog, conns Connections, usage *UsageLog, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		catalog: catalog,
		conns:   conns,
		usage:   usage,
		timeout: DefaultInvokeTimeout,
		logger:  logger.With("component", "router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Call routes one tool invocation. Every attempt that gets past the tool
// lookup produces exactly one usage record, whatever its outcome.
func (r *Router) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	// Omitted arguments reach the provider as {}, so they share its cache key.
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	tool, err := r.catalog.GetToolByName(ctx, req.ServerID, req.ToolName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gwerr.New(gwerr.ErrNotFound, "tool %s not found on server %s", req.ToolName, req.ServerID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tool %s: %w", req.ToolName, err)
	}

	start := time.Now()
	result, err := r.call(ctx, tool, req)
	r.record(tool, req, result, err, time.Since(start))

	if err != nil {
		r.logger.Warn("tool call failed",
			"server_id", req.ServerID,
			"tool_name", req.ToolName,
			"caller_type", req.CallerType,
			"error", err)
		return nil, err
	}
	return result, nil
}

func (r *Router) call(ctx context.Context, tool *store.Tool, req CallRequest) (*CallResult, error) {
	if !tool.Enabled {
		return nil, gwerr.New(gwerr.ErrDisabled, "tool %s is currently disabled", req.ToolName)
	}

	allowed, err := r.permitted(ctx, tool.ID, req.CallerType)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, gwerr.New(gwerr.ErrPermissionDenied, "caller %s does not have permission to execute %s", req.CallerType, req.ToolName)
	}

	if r.cache != nil {
		if out, ok := r.cache.Get(ctx, req.ServerID, req.ToolName, req.Arguments); ok {
			r.logger.Info("tool call answered from cache", "server_id", req.ServerID, "tool_name", req.ToolName)
			return &CallResult{Output: out, Cached: true}, nil
		}
	}

	out, err := r.invoke(ctx, req)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(ctx, req.ServerID, req.ToolName, req.Arguments, out)
	}
	return &CallResult{Output: out}, nil
}

// permitted reports whether a grant for callerType, or the wildcard, allows the call.
func (r *Router) permitted(ctx context.Context, toolID, callerType string) (bool, error) {
	perms, err := r.catalog.ListPermissions(ctx, toolID)
	if err != nil {
		return false, fmt.Errorf("list permissions: %w", err)
	}
	return store.Permits(perms, callerType), nil
}

func (r *Router) invoke(ctx context.Context, req CallRequest) (any, error) {
	if r.conns.Status(req.ServerID) != store.ServerConnected {
		return nil, gwerr.New(gwerr.ErrConnection, "server %s is not connected", req.ServerID)
	}
	adapter, ok := r.conns.Adapter(req.ServerID)
	if !ok {
		return nil, gwerr.New(gwerr.ErrConnection, "server %s is not connected", req.ServerID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.logger.Debug("executing live tool call", "server_id", req.ServerID, "tool_name", req.ToolName)
	out, err := adapter.Invoke(callCtx, req.ToolName, req.Arguments)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, gwerr.Wrap(gwerr.ErrTransport, err, "tool %s timed out after %s", req.ToolName, r.timeout)
		}
		if errors.Is(err, gwerr.ErrTransport) {
			return nil, err
		}
		return nil, gwerr.Wrap(gwerr.ErrTransport, err, "invoking %s", req.ToolName)
	}
	return out, nil
}

func (r *Router) record(tool *store.Tool, req CallRequest, result *CallResult, callErr error, elapsed time.Duration) {
	if r.usage == nil {
		return
	}

	rec := &store.UsageRecord{
		ToolID:     tool.ID,
		CallerID:   req.CallerID,
		CallerType: req.CallerType,
		Input:      marshalOrNil(req.Arguments),
		DurationMs: elapsed.Milliseconds(),
		Status:     store.UsageSuccess,
	}
	if callErr != nil {
		rec.Status = store.UsageError
		rec.Output = marshalOrNil(map[string]string{"error": callErr.Error()})
	} else {
		rec.Output = marshalOrNil(result.Output)
		rec.Cached = result.Cached
	}
	r.usage.Enqueue(rec)
}

func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
