// ABOUTME: HTTP client for the gateway's tool call endpoint
// ABOUTME: Used by the executor to run each skill step

package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GatewayClient calls a tool through the gateway.
type GatewayClient interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any, callerID, callerType string) (any, error)
}

// HTTPGatewayClient posts tool calls to a gateway base URL.
type HTTPGatewayClient struct {
	baseURL    string
	token      func() (string, error)
	httpClient *http.Client
}

// ClientOption configures an HTTPGatewayClient.
type ClientOption func(*HTTPGatewayClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(g *HTTPGatewayClient) {
		if c != nil {
			g.httpClient = c
		}
	}
}

// WithBearerToken sends token as an Authorization header.
func WithBearerToken(token string) ClientOption {
	return WithTokenSource(func() (string, error) { return token, nil })
}

// WithTokenSource calls source before every request for the bearer token.
func WithTokenSource(source func() (string, error)) ClientOption {
	return func(g *HTTPGatewayClient) {
		g.token = source
	}
}

// NewHTTPGatewayClient creates a client for the gateway at baseURL.
func NewHTTPGatewayClient(baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPGatewayClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	g := &HTTPGatewayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type callBody struct {
	Arguments  map[string]any `json:"arguments"`
	CallerID   string         `json:"callerId,omitempty"`
	CallerType string         `json:"callerType,omitempty"`
}

// CallTool posts to {base}/tools/{server}/{tool}/call and decodes the output.
func (g *HTTPGatewayClient) CallTool(ctx context.Context, serverName, toolName string, args map[string]any, callerID, callerType string) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(callBody{Arguments: args, CallerID: callerID, CallerType: callerType})
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	endpoint := fmt.Sprintf("%s/tools/%s/%s/call", g.baseURL, url.PathEscape(serverName), url.PathEscape(toolName))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != nil {
		token, err := g.token()
		if err != nil {
			return nil, fmt.Errorf("gateway token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out any
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return out, nil
}

var _ GatewayClient = (*HTTPGatewayClient)(nil)
