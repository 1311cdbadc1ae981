// ABOUTME: Event-stream adapter used by both the sse and http transport kinds
// ABOUTME: Static headers from the server config are injected by a wrapping RoundTripper

package transport

import (
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type streamAdapter struct {
	*session
}

func newStreamAdapter(kind Kind, endpoint string, headers map[string]string, logger *slog.Logger) *streamAdapter {
	logger = logger.With("transport", string(kind), "url", endpoint)
	client := &http.Client{
		Transport: &headerTransport{base: http.DefaultTransport, headers: headers},
	}
	dial := func() (mcp.Transport, error) {
		return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: client}, nil
	}
	return &streamAdapter{session: newSession(string(kind)+":"+endpoint, dial, logger)}
}

// headerTransport sets fixed headers on every outgoing request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(req)
}

var _ Adapter = (*streamAdapter)(nil)
