// ABOUTME: Response cache for tool invocations keyed by server, tool, and canonical arguments
// ABOUTME: Store errors and undecodable entries degrade to cache misses

package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "mcp:cache:"

// DefaultTTL is how long a cached response stays valid.
const DefaultTTL = 300 * time.Second

// Backends accepted by Open.
const (
	BackendMemory  = "memory"
	BackendRedis   = "redis"
	BackendUpstash = "upstash"
)

// Store is a byte-oriented key/value store with per-entry expiry.
type Store interface {
	// Get returns the value and true on a hit, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a cache backend.
type Options struct {
	Backend    string
	RedisURL   string
	MaxEntries int
}

// Open builds the Store named by opts.Backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(opts.MaxEntries), nil
	case BackendRedis:
		return NewRedisStore(opts.RedisURL)
	case BackendUpstash:
		cfg, err := LoadUpstashConfig()
		if err != nil {
			return nil, err
		}
		return NewUpstashStore(cfg)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", opts.Backend)
	}
}

// Key builds the cache key for one invocation.
func Key(serverID, tool string, args any) (string, error) {
	canonical, err := Canonical(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return KeyPrefix + serverID + ":" + tool + ":" + hex.EncodeToString(sum[:]), nil
}

// Canonical encodes v as JSON with object keys sorted at every depth and
// numbers normalised, so equal argument sets always encode identically.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}

	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(normalize(generic))
	if err != nil {
		return nil, fmt.Errorf("encoding canonical arguments: %w", err)
	}
	return out, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			if f == float64(int64(f)) && f >= -(1<<53) && f <= 1<<53 {
				return int64(f)
			}
			return f
		}
		return x.String()
	default:
		return v
	}
}

// ResponseCache stores tool outputs. It never fails a caller: backend
// errors are logged and treated as misses.
type ResponseCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewResponseCache wraps store with a fixed TTL. A non-positive ttl uses DefaultTTL.
func NewResponseCache(store Store, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}
}

// Get returns the cached output for the invocation, if any.
func (c *ResponseCache) Get(ctx context.Context, serverID, tool string, args any) (any, bool) {
	key, err := Key(serverID, tool, args)
	if err != nil {
		c.logger.Warn("cache key failed", "server_id", serverID, "tool_name", tool, "error", err)
		return nil, false
	}

	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "server_id", serverID, "tool_name", tool, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		c.logger.Warn("discarding undecodable cache entry", "key", key, "error", err)
		return nil, false
	}
	return out, true
}

// Set stores the output for the invocation.
func (c *ResponseCache) Set(ctx context.Context, serverID, tool string, args, output any) {
	key, err := Key(serverID, tool, args)
	if err != nil {
		c.logger.Warn("cache key failed", "server_id", serverID, "tool_name", tool, "error", err)
		return
	}

	raw, err := json.Marshal(output)
	if err != nil {
		c.logger.Warn("cache encode failed", "server_id", serverID, "tool_name", tool, "error", err)
		return
	}

	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("cache write failed", "server_id", serverID, "tool_name", tool, "error", err)
	}
}

// Ping checks the backing store.
func (c *ResponseCache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close releases the backing store.
func (c *ResponseCache) Close() error {
	return c.store.Close()
}

// errClosed is returned by stores used after Close.
var errClosed = errors.New("cache store closed")
