// ABOUTME: Shared MCP client session used by every adapter kind
// ABOUTME: Handles connect, paginated tool listing, and tool-call result decoding

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/tool-gateway/internal/gwerr"
)

// ClientName and ClientVersion identify the gateway to upstream servers.
var (
	ClientName    = "tool-gateway"
	ClientVersion = "dev"
)

// dialer produces a fresh MCP transport for one connection attempt.
type dialer func() (mcp.Transport, error)

// session is the MCP client core shared by the process and stream adapters.
type session struct {
	name   string
	dial   dialer
	logger *slog.Logger

	mu     sync.RWMutex
	cs     *mcp.ClientSession
	cancel context.CancelFunc
}

func newSession(name string, dial dialer, logger *slog.Logger) *session {
	return &session{
		name:   name,
		dial:   dial,
		logger: logger,
	}
}

type connectResult struct {
	cs  *mcp.ClientSession
	err error
}

// Connect performs the MCP handshake. ctx bounds the handshake only; the
// session itself lives until Close. Calling Connect on a live session is a no-op.
func (s *session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cs != nil {
		return nil
	}

	t, err := s.dial()
	if err != nil {
		return fmt.Errorf("%s: building transport: %w", s.name, err)
	}

	// Stream transports bind their connection to the connect context.
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))

	client := mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: ClientVersion}, nil)
	done := make(chan connectResult, 1)
	go func() {
		cs, err := client.Connect(life, t, nil)
		done <- connectResult{cs: cs, err: err}
	}()

	var res connectResult
	select {
	case res = <-done:
	case <-ctx.Done():
		cancel()
		res = <-done
		if res.err == nil {
			_ = res.cs.Close()
		}
		res.err = ctx.Err()
	}
	if res.err != nil {
		cancel()
		return fmt.Errorf("%s: connecting: %w", s.name, res.err)
	}

	s.cs = res.cs
	s.cancel = cancel
	s.logger.Debug("mcp session established", "adapter", s.name)
	return nil
}

func (s *session) current() (*mcp.ClientSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cs == nil {
		return nil, errNotConnected(s.name)
	}
	return s.cs, nil
}

// ListTools follows pagination cursors until the server reports no more pages.
func (s *session) ListTools(ctx context.Context) ([]ToolInfo, error) {
	cs, err := s.current()
	if err != nil {
		return nil, err
	}

	var (
		tools  []ToolInfo
		cursor string
	)
	for {
		res, err := cs.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("%s: listing tools: %w", s.name, err)
		}
		for _, t := range res.Tools {
			info := ToolInfo{Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				schema, err := json.Marshal(t.InputSchema)
				if err != nil {
					return nil, fmt.Errorf("%s: encoding schema of %s: %w", s.name, t.Name, err)
				}
				info.InputSchema = schema
			}
			tools = append(tools, info)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	return tools, nil
}

// Invoke calls a tool and returns its structured output when present,
// otherwise its content array, both decoded as generic JSON values.
func (s *session) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	cs, err := s.current()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.ErrTransport, err, "invoking %s", tool)
	}

	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, gwerr.Wrap(gwerr.ErrTransport, err, "invoking %s", tool)
	}

	if res.IsError {
		return nil, gwerr.New(gwerr.ErrTransport, "tool %s returned an error: %s", tool, contentText(res.Content))
	}

	if res.StructuredContent != nil {
		return toGeneric(res.StructuredContent)
	}
	if res.Content == nil {
		return []any{}, nil
	}
	return toGeneric(res.Content)
}

// Close ends the session. Closing an unconnected session is a no-op.
func (s *session) Close() error {
	s.mu.Lock()
	cs, cancel := s.cs, s.cancel
	s.cs, s.cancel = nil, nil
	s.mu.Unlock()

	if cs == nil {
		return nil
	}
	defer cancel()
	if err := cs.Close(); err != nil {
		return fmt.Errorf("%s: closing session: %w", s.name, err)
	}
	s.logger.Debug("mcp session closed", "adapter", s.name)
	return nil
}

// contentText joins the text blocks of a tool result.
func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, "\n")
}

// toGeneric round-trips v through JSON so callers only see maps, slices,
// strings, float64, bool, and nil.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.ErrTransport, err, "encoding tool output")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, gwerr.Wrap(gwerr.ErrTransport, err, "decoding tool output")
	}
	return out, nil
}
