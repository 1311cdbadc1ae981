// ABOUTME: Adapter interface and transport kind registry for upstream tool servers
// ABOUTME: Decodes the kind-specific config shape and builds the matching MCP client adapter

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/2389/tool-gateway/internal/gwerr"
)

// Kind names a transport variant as persisted on a ToolServer.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindSSE   Kind = "sse"
	KindHTTP  Kind = "http"
)

// ErrUnsupportedTransport is returned for an unknown Kind.
var ErrUnsupportedTransport = gwerr.ErrUnsupportedTransport

// ErrNotConnected is returned when an adapter is used before Connect or after Close.
var ErrNotConnected = errors.New("adapter not connected")

// ToolInfo is a tool as reported by a live server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Adapter is a client connection to one upstream tool server.
// Adapters never reconnect on their own; after a session loss every call fails.
type Adapter interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
	Close() error
}

// Factory builds an adapter for a stored transport kind and config.
type Factory func(kind string, config json.RawMessage) (Adapter, error)

// StdioConfig launches the server as a child process.
// Env entries are layered over the gateway's own environment.
type StdioConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// SSEConfig reaches the server over an event stream.
// Env entries are sent as HTTP headers on every request.
type SSEConfig struct {
	URL string            `json:"url"`
	Env map[string]string `json:"env,omitempty"`
}

// HTTPConfig reaches the server over HTTP with static headers.
type HTTPConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ParseKind maps a stored kind string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindStdio, KindSSE, KindHTTP:
		return k, nil
	default:
		return "", gwerr.New(ErrUnsupportedTransport, "unsupported transport type: %s", s)
	}
}

// ValidateConfig checks that config decodes into the shape required by kind.
func ValidateConfig(kind string, config json.RawMessage) error {
	k, err := ParseKind(kind)
	if err != nil {
		return err
	}
	switch k {
	case KindStdio:
		_, err = decodeStdio(config)
	case KindSSE:
		_, err = decodeSSE(config)
	case KindHTTP:
		_, err = decodeHTTP(config)
	}
	return err
}

// New builds an unconnected adapter for the given kind and config.
func New(kind string, config json.RawMessage, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k, err := ParseKind(kind)
	if err != nil {
		return nil, err
	}

	switch k {
	case KindStdio:
		cfg, err := decodeStdio(config)
		if err != nil {
			return nil, err
		}
		return newProcessAdapter(cfg, logger), nil
	case KindSSE:
		cfg, err := decodeSSE(config)
		if err != nil {
			return nil, err
		}
		return newStreamAdapter(KindSSE, cfg.URL, cfg.Env, logger), nil
	default:
		cfg, err := decodeHTTP(config)
		if err != nil {
			return nil, err
		}
		return newStreamAdapter(KindHTTP, cfg.URL, cfg.Headers, logger), nil
	}
}

// NewFactory returns a Factory that logs through logger.
func NewFactory(logger *slog.Logger) Factory {
	return func(kind string, config json.RawMessage) (Adapter, error) {
		return New(kind, config, logger)
	}
}

// AutoConnect reports whether a server config opts into connecting at
// startup. Configs without an auto_connect key default to true.
func AutoConnect(config json.RawMessage) bool {
	var opts struct {
		AutoConnect *bool `json:"auto_connect"`
	}
	if err := json.Unmarshal(config, &opts); err != nil || opts.AutoConnect == nil {
		return true
	}
	return *opts.AutoConnect
}

func decodeStdio(raw json.RawMessage) (StdioConfig, error) {
	var cfg StdioConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return cfg, gwerr.New(gwerr.ErrValidation, "stdio config requires command")
	}
	return cfg, nil
}

func decodeSSE(raw json.RawMessage) (SSEConfig, error) {
	var cfg SSEConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, validateURL(cfg.URL)
}

func decodeHTTP(raw json.RawMessage) (HTTPConfig, error) {
	var cfg HTTPConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, validateURL(cfg.URL)
}

func decodeConfig(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return gwerr.New(gwerr.ErrValidation, "transport config is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return gwerr.Wrap(gwerr.ErrValidation, err, "malformed transport config")
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return gwerr.New(gwerr.ErrValidation, "transport config requires url")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return gwerr.New(gwerr.ErrValidation, "invalid url %q", raw)
	}
	return nil
}

// errNotConnected wraps ErrNotConnected with the adapter name.
func errNotConnected(name string) error {
	return fmt.Errorf("%s: %w", name, ErrNotConnected)
}
