// ABOUTME: HTTP API handlers for tool calls, server management, usage and health
// ABOUTME: Translates gateway and store errors into JSON error responses

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tool-gateway/internal/auth"
	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/registry"
	"github.com/2389/tool-gateway/internal/router"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 4 << 20

// CallToolRequest is the JSON request body for POST /tools/{serverId}/{toolName}/call.
type CallToolRequest struct {
	Arguments  map[string]any `json:"arguments"`
	CallerID   string         `json:"callerId"`
	CallerType string         `json:"callerType"`
}

// CreateServerRequest is the JSON request body for POST /servers.
type CreateServerRequest struct {
	Name      string          `json:"name"`
	Transport string          `json:"transport"`
	Config    json.RawMessage `json:"config"`
}

// SetPermissionRequest is the JSON request body for PUT /tools/{serverId}/{toolName}/permissions.
type SetPermissionRequest struct {
	CallerType string `json:"callerType"`
	Allowed    *bool  `json:"allowed"`
}

// ServerResponse is a persisted server with its live registry status.
type ServerResponse struct {
	*store.ToolServer
	Live *registry.ConnectionInfo `json:"live,omitempty"`
}

// handleCallTool routes one tool invocation and returns the raw tool output.
func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req CallToolRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Authenticated callers may omit their identity from the body
	if id := auth.FromContext(r.Context()); id != nil {
		if req.CallerID == "" {
			req.CallerID = id.CallerID
		}
		if req.CallerType == "" {
			req.CallerType = id.CallerType
		}
	}
	if req.CallerID == "" || req.CallerType == "" {
		g.sendJSONError(w, http.StatusBadRequest, "callerId and callerType are required")
		return
	}

	serverID, err := g.resolveServerID(r, r.PathValue("serverId"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	result, err := g.router.Call(r.Context(), router.CallRequest{
		ServerID:   serverID,
		ToolName:   r.PathValue("toolName"),
		Arguments:  req.Arguments,
		CallerID:   req.CallerID,
		CallerType: req.CallerType,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}

	if result.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	g.writeJSON(w, http.StatusOK, result.Output)
}

// resolveServerID accepts either a server id or a server name in the path.
// Unknown references pass through so the router reports the missing tool.
func (g *Gateway) resolveServerID(r *http.Request, ref string) (string, error) {
	_, err := g.store.GetServer(r.Context(), ref)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("loading server %s: %w", ref, err)
	}

	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		return "", fmt.Errorf("listing servers: %w", err)
	}
	for _, srv := range servers {
		if srv.Name == ref {
			return srv.ID, nil
		}
	}
	return ref, nil
}

// handleSetPermission grants or denies one caller type access to a tool.
func (g *Gateway) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req SetPermissionRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CallerType == "" || req.Allowed == nil {
		g.sendJSONError(w, http.StatusBadRequest, "callerType and allowed are required")
		return
	}

	serverID, err := g.resolveServerID(r, r.PathValue("serverId"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	toolName := r.PathValue("toolName")
	tool, err := g.store.GetToolByName(r.Context(), serverID, toolName)
	if err != nil {
		g.writeError(w, fmt.Errorf("tool %s on server %s: %w", toolName, serverID, err))
		return
	}

	perm, err := g.store.SetPermission(r.Context(), tool.ID, req.CallerType, *req.Allowed)
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.logger.Info("permission updated",
		"server_id", serverID,
		"tool_name", toolName,
		"caller_type", req.CallerType,
		"allowed", *req.Allowed)
	g.writeJSON(w, http.StatusOK, perm)
}

// handleListServers returns every registered server.
func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := g.store.ListServers(r.Context())
	if err != nil {
		g.writeError(w, err)
		return
	}

	out := make([]ServerResponse, 0, len(servers))
	for _, srv := range servers {
		out = append(out, g.serverResponse(srv))
	}
	g.writeJSON(w, http.StatusOK, out)
}

// handleCreateServer registers a new tool server. It is not connected until
// the next start (with auto_connect) or an explicit connect call.
func (g *Gateway) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	kind, err := transport.ParseKind(req.Transport)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if err := transport.ValidateConfig(string(kind), req.Config); err != nil {
		g.writeError(w, err)
		return
	}

	srv := &store.ToolServer{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Transport: string(kind),
		Config:    req.Config,
		Status:    store.ServerDisconnected,
	}
	if err := g.store.CreateServer(r.Context(), srv); err != nil {
		g.writeError(w, err)
		return
	}

	g.logger.Info("tool server registered", "server_id", srv.ID, "name", srv.Name, "transport", srv.Transport)
	g.writeJSON(w, http.StatusCreated, srv)
}

// handleGetServer returns one server with its live status.
func (g *Gateway) handleGetServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	srv, err := g.store.GetServer(r.Context(), id)
	if err != nil {
		g.writeError(w, fmt.Errorf("server %s: %w", id, err))
		return
	}
	g.writeJSON(w, http.StatusOK, g.serverResponse(srv))
}

// handleDeleteServer removes a server that no longer has tools.
func (g *Gateway) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.store.DeleteServer(r.Context(), id); err != nil {
		g.writeError(w, fmt.Errorf("server %s: %w", id, err))
		return
	}
	if err := g.registry.Disconnect(r.Context(), id); err != nil {
		g.logger.Warn("disconnecting deleted server", "server_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleConnectServer connects a server and syncs its catalog.
func (g *Gateway) handleConnectServer(w http.ResponseWriter, r *http.Request) {
	conn, err := g.registry.Connect(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conn.Info())
}

// handleDisconnectServer closes a server's connection.
func (g *Gateway) handleDisconnectServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetServer(r.Context(), id); err != nil {
		g.writeError(w, fmt.Errorf("server %s: %w", id, err))
		return
	}
	if err := g.registry.Disconnect(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, registry.ConnectionInfo{ServerID: id, Status: store.ServerDisconnected})
}

// handleListTools returns the catalog of one server, disabled tools included.
func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.store.GetServer(r.Context(), id); err != nil {
		g.writeError(w, fmt.Errorf("server %s: %w", id, err))
		return
	}
	tools, err := g.store.ListTools(r.Context(), id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if tools == nil {
		tools = []*store.Tool{}
	}
	g.writeJSON(w, http.StatusOK, tools)
}

// handleListUsage returns usage records, newest first.
// Query params: toolId, callerType, since (RFC3339), limit.
func (g *Gateway) handleListUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.UsageFilter{
		ToolID:     q.Get("toolId"),
		CallerType: q.Get("callerType"),
		Limit:      100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = &since
	}

	records, err := g.store.ListUsage(r.Context(), filter)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if records == nil {
		records = []*store.UsageRecord{}
	}
	g.writeJSON(w, http.StatusOK, records)
}

// handleHealth pings the database and the cache backend.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeErr := g.store.Ping(r.Context())
	cacheErr := g.cache.Ping(r.Context())
	if storeErr != nil || cacheErr != nil {
		g.logger.Error("health check failed", "store_error", storeErr, "cache_error", cacheErr)
		g.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"reason": "Dependencies unavailable",
		})
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (g *Gateway) serverResponse(srv *store.ToolServer) ServerResponse {
	resp := ServerResponse{ToolServer: srv}
	if conn, ok := g.registry.Get(srv.ID); ok {
		info := conn.Info()
		resp.Live = &info
	}
	return resp
}

// decodeJSON decodes a bounded request body into dst. An empty body leaves
// dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusFor maps gateway error kinds and raw store sentinels to a status code.
func statusFor(err error) int {
	if status := gwerr.HTTPStatus(err); status != http.StatusInternalServerError {
		return status
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrInUse), errors.Is(err, store.ErrTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err with its mapped status. Internal faults are logged
// and hidden from the caller.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	g.sendJSONError(w, status, msg)
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
