// ABOUTME: MCP endpoint that re-exposes every registered tool to external agents
// ABOUTME: Builds a per-request SDK server filtered by the caller's permissions

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/tool-gateway/internal/auth"
	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/router"
	"github.com/2389/tool-gateway/internal/store"
)

// Implementation details advertised in initialize responses.
const (
	ServerName    = "tool-gateway"
	ServerVersion = "1.0.0"
)

// ToolSeparator joins server and tool names into one exposed tool name.
const ToolSeparator = "__"

// Headers identifying the caller when no bearer token is present.
const (
	HeaderCallerID   = "X-Caller-Id"
	HeaderCallerType = "X-Caller-Type"
)

// Catalog is the read side of the store the endpoint lists tools from.
type Catalog interface {
	ListServers(ctx context.Context) ([]*store.ToolServer, error)
	ListTools(ctx context.Context, serverID string) ([]*store.Tool, error)
	ListPermissions(ctx context.Context, toolID string) ([]*store.Permission, error)
}

// Caller routes one tool invocation.
type Caller interface {
	Call(ctx context.Context, req router.CallRequest) (*router.CallResult, error)
}

// Config holds configuration for the MCP server.
type Config struct {
	Catalog Catalog
	Router  Caller
	Logger  *slog.Logger

	// Used when neither a token nor the caller headers identify the caller.
	DefaultCallerID   string
	DefaultCallerType string
}

// Server serves the MCP streamable HTTP transport on top of the router.
type Server struct {
	catalog           Catalog
	router            Caller
	logger            *slog.Logger
	defaultCallerID   string
	defaultCallerType string
}

type caller struct {
	id  string
	typ string
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("catalog is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		catalog:           cfg.Catalog,
		router:            cfg.Router,
		logger:            logger.With("component", "mcp"),
		defaultCallerID:   cfg.DefaultCallerID,
		defaultCallerType: cfg.DefaultCallerType,
	}
	if s.defaultCallerID == "" {
		s.defaultCallerID = "mcp-client"
	}
	if s.defaultCallerType == "" {
		s.defaultCallerType = "agent"
	}
	return s, nil
}

// Handler returns the stateless streamable HTTP handler. Each request sees
// the catalog as it is at that moment.
func (s *Server) Handler() http.Handler {
	return sdk.NewStreamableHTTPHandler(s.serverFor, &sdk.StreamableHTTPOptions{Stateless: true})
}

func (s *Server) serverFor(r *http.Request) *sdk.Server {
	c := s.callerFor(r)
	server := sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: ServerVersion}, nil)

	exposed, err := s.visibleTools(r.Context(), c.typ)
	if err != nil {
		s.logger.Error("listing tools for MCP client", "caller_type", c.typ, "error", err)
	}
	for _, e := range exposed {
		server.AddTool(e.tool, s.callHandler(e.serverID, e.toolName, c))
	}
	return server
}

// callerFor prefers the verified token, then the caller headers.
func (s *Server) callerFor(r *http.Request) caller {
	if id := auth.FromContext(r.Context()); id != nil {
		c := caller{id: id.CallerID, typ: id.CallerType}
		if c.typ == "" {
			c.typ = s.defaultCallerType
		}
		return c
	}
	c := caller{id: r.Header.Get(HeaderCallerID), typ: r.Header.Get(HeaderCallerType)}
	if c.id == "" {
		c.id = s.defaultCallerID
	}
	if c.typ == "" {
		c.typ = s.defaultCallerType
	}
	return c
}

type exposedTool struct {
	serverID string
	toolName string
	tool     *sdk.Tool
}

// visibleTools returns enabled tools on connected servers that callerType
// is allowed to call.
func (s *Server) visibleTools(ctx context.Context, callerType string) ([]exposedTool, error) {
	servers, err := s.catalog.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	var out []exposedTool
	for _, srv := range servers {
		if srv.Status != store.ServerConnected {
			continue
		}
		tools, err := s.catalog.ListTools(ctx, srv.ID)
		if err != nil {
			return out, err
		}
		for _, t := range tools {
			if !t.Enabled {
				continue
			}
			ok, err := s.permitted(ctx, t.ID, callerType)
			if err != nil {
				return out, err
			}
			if !ok {
				continue
			}
			out = append(out, exposedTool{
				serverID: srv.ID,
				toolName: t.Name,
				tool: &sdk.Tool{
					Name:        ExposedName(srv.Name, t.Name),
					Description: t.Description,
					InputSchema: objectSchema(t.InputSchema),
				},
			})
		}
	}
	return out, nil
}

func (s *Server) permitted(ctx context.Context, toolID, callerType string) (bool, error) {
	perms, err := s.catalog.ListPermissions(ctx, toolID)
	if err != nil {
		return false, err
	}
	return store.Permits(perms, callerType), nil
}

func (s *Server) callHandler(serverID, toolName string, c caller) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		var args map[string]any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult("arguments must be a JSON object"), nil
			}
		}

		res, err := s.router.Call(ctx, router.CallRequest{
			ServerID:   serverID,
			ToolName:   toolName,
			Arguments:  args,
			CallerID:   c.id,
			CallerType: c.typ,
		})
		if err != nil {
			msg := err.Error()
			if gwerr.HTTPStatus(err) == http.StatusInternalServerError {
				msg = "internal error"
			}
			return errorResult(msg), nil
		}

		text, err := json.Marshal(res.Output)
		if err != nil {
			return nil, err
		}
		result := &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: string(text)}}}
		if obj, ok := res.Output.(map[string]any); ok {
			result.StructuredContent = obj
		}
		return result, nil
	}
}

func errorResult(msg string) *sdk.CallToolResult {
	return &sdk.CallToolResult{
		IsError: true,
		Content: []sdk.Content{&sdk.TextContent{Text: msg}},
	}
}

// ExposedName is the tool name MCP clients see for a server's tool.
// Characters outside [A-Za-z0-9_.-] are replaced with underscores.
func ExposedName(serverName, toolName string) string {
	return sanitize(serverName) + ToolSeparator + sanitize(toolName)
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '_', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// objectSchema decodes a stored input schema, forcing the object type the
// SDK requires. Unreadable schemas fall back to an open object.
func objectSchema(raw json.RawMessage) *jsonschema.Schema {
	var schema jsonschema.Schema
	if len(raw) == 0 || json.Unmarshal(raw, &schema) != nil {
		return &jsonschema.Schema{Type: "object"}
	}
	if schema.Type != "object" {
		schema.Type = "object"
		schema.Types = nil
	}
	return &schema
}
