// ABOUTME: Connection registry owning one live adapter per registered tool server
// ABOUTME: Collapses concurrent connects per server and persists status transitions

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/tool-gateway/internal/catalog"
	"github.com/2389/tool-gateway/internal/gwerr"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

// DefaultConnectTimeout bounds the MCP handshake of one Connect call.
const DefaultConnectTimeout = 30 * time.Second

// Syncer refreshes the catalog from a freshly connected server.
type Syncer interface {
	Sync(ctx context.Context, serverID string, lister catalog.Lister) (int, error)
}

// Connection is the registry entry for one server.
type Connection struct {
	ServerID string
	Name     string
	Adapter  transport.Adapter

	mu         sync.RWMutex
	status     store.ServerStatus
	lastPingAt time.Time
}

// Status returns the connection's current status.
func (c *Connection) Status() store.ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LastPingAt returns the time the connection last succeeded.
func (c *Connection) LastPingAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPingAt
}

func (c *Connection) setStatus(status store.ServerStatus, ping time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	if !ping.IsZero() {
		c.lastPingAt = ping
	}
}

// ConnectionInfo is a point-in-time view of a Connection.
type ConnectionInfo struct {
	ServerID   string             `json:"serverId"`
	Name       string             `json:"name"`
	Status     store.ServerStatus `json:"status"`
	LastPingAt *time.Time         `json:"lastPingAt,omitempty"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := ConnectionInfo{ServerID: c.ServerID, Name: c.Name, Status: c.status}
	if !c.lastPingAt.IsZero() {
		t := c.lastPingAt
		info.LastPingAt = &t
	}
	return info
}

// Option configures a Registry.
type Option func(*Registry)

// WithConnectTimeout sets the handshake timeout used by Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.connectTimeout = d
		}
	}
}

// WithConnectOnStart makes Init connect every server, ignoring auto_connect.
func WithConnectOnStart(all bool) Option {
	return func(r *Registry) {
		r.connectAll = all
	}
}

// Registry maps server IDs to live connections.
type Registry struct {
	store   store.ServerStore
	syncer  Syncer
	factory transport.Factory
	logger  *slog.Logger

	connectTimeout time.Duration
	connectAll     bool

	mu    sync.RWMutex
	conns map[string]*Connection
	group singleflight.Group
}

// New creates a Registry. Nothing is connected until Init or Connect.
func New(s store.ServerStore, syncer Syncer, factory transport.Factory, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:          s,
		syncer:         syncer,
		factory:        factory,
		logger:         logger.With("component", "registry"),
		connectTimeout: DefaultConnectTimeout,
		conns:          make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init connects every persisted server that opts into auto_connect, or all
// servers when connect-on-start is set. Individual failures are logged.
func (r *Registry) Init(ctx context.Context) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}

	connected := 0
	for _, srv := range servers {
		if !r.connectAll && !transport.AutoConnect(srv.Config) {
			continue
		}
		if _, err := r.Connect(ctx, srv.ID); err != nil {
			r.logger.Warn("startup connect failed", "server_id", srv.ID, "error", err)
			continue
		}
		connected++
	}

	r.logger.Info("registry initialized", "servers", len(servers), "connected", connected)
	return nil
}

// Connect returns the live connection for id, establishing it if needed.
// Concurrent calls for the same id share one connection attempt. The attempt
// outlives any single caller's ctx; each caller stops waiting when its own
// ctx is done.
func (r *Registry) Connect(ctx context.Context, id string) (*Connection, error) {
	if conn, ok := r.connected(id); ok {
		return conn, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id, func() (any, error) {
		return r.connect(flightCtx, id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) connected(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok || conn.Status() != store.ServerConnected {
		return nil, false
	}
	return conn, true
}

// connect runs detached from callers, so every step is bounded by connectTimeout.
func (r *Registry) connect(ctx context.Context, id string) (*Connection, error) {
	// A previous flight may have finished between the fast path and here.
	if conn, ok := r.connected(id); ok {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()

	srv, err := r.store.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gwerr.New(gwerr.ErrNotFound, "server %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading server %s: %w", id, err)
	}

	adapter, err := r.factory(srv.Transport, srv.Config)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ServerID: id,
		Name:     srv.Name,
		Adapter:  adapter,
		status:   store.ServerConnecting,
	}

	r.mu.Lock()
	stale := r.conns[id]
	r.conns[id] = conn
	r.persist(ctx, id, store.ServerConnecting, nil)
	r.mu.Unlock()

	if stale != nil {
		if err := stale.Adapter.Close(); err != nil {
			r.logger.Debug("closing stale adapter", "server_id", id, "error", err)
		}
	}

	r.logger.Info("connecting to tool server", "server_id", id, "name", srv.Name, "transport", srv.Transport)

	connectErr := adapter.Connect(ctx)

	// Status is only written while conn is still the registered entry, so a
	// Disconnect during the handshake wins.
	r.mu.Lock()
	current := r.conns[id] == conn
	if current {
		if connectErr != nil {
			conn.setStatus(store.ServerError, time.Time{})
			r.persist(ctx, id, store.ServerError, nil)
		} else {
			now := time.Now().UTC()
			conn.setStatus(store.ServerConnected, now)
			r.persist(ctx, id, store.ServerConnected, &now)
		}
	}
	r.mu.Unlock()

	if connectErr != nil || !current {
		if cerr := adapter.Close(); cerr != nil {
			r.logger.Debug("closing abandoned adapter", "server_id", id, "error", cerr)
		}
	}
	if connectErr != nil {
		r.logger.Error("failed to connect to tool server", "server_id", id, "error", connectErr)
		return nil, gwerr.Wrap(gwerr.ErrConnection, connectErr, "connecting to server %s", id)
	}
	if !current {
		r.logger.Warn("server disconnected during connect", "server_id", id)
		return nil, gwerr.New(gwerr.ErrConnection, "server %s was disconnected while connecting", id)
	}
	r.logger.Info("tool server connected", "server_id", id)

	if _, err := r.syncer.Sync(ctx, id, adapter); err != nil {
		r.logger.Error("failed to sync tools for server", "server_id", id, "error", err)
	}

	return conn, nil
}

// Disconnect closes and forgets the connection. Unknown ids are a no-op.
func (r *Registry) Disconnect(ctx context.Context, id string) error {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.logger.Info("disconnecting tool server", "server_id", id)
	if err := conn.Adapter.Close(); err != nil {
		r.logger.Warn("error closing adapter", "server_id", id, "error", err)
	}
	conn.setStatus(store.ServerDisconnected, time.Time{})

	if err := r.store.UpdateServerStatus(ctx, id, store.ServerDisconnected, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("persisting disconnect of %s: %w", id, err)
	}
	return nil
}

// Get returns the registry entry for id, whatever its status.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Status reports the live status of id; servers without an entry are disconnected.
func (r *Registry) Status(id string) store.ServerStatus {
	if conn, ok := r.Get(id); ok {
		return conn.Status()
	}
	return store.ServerDisconnected
}

// Adapter returns the adapter of a connected server.
func (r *Registry) Adapter(id string) (transport.Adapter, bool) {
	conn, ok := r.Get(id)
	if !ok || conn.Status() != store.ServerConnected {
		return nil, false
	}
	return conn.Adapter, true
}

// List returns a snapshot of every entry ordered by server id.
func (r *Registry) List() []ConnectionInfo {
	r.mu.RLock()
	infos := make([]ConnectionInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		infos = append(infos, conn.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ServerID < infos[j].ServerID })
	return infos
}

// Shutdown closes every adapter and persists each server as disconnected.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	var errs []error
	for id, conn := range conns {
		if err := conn.Adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
		conn.setStatus(store.ServerDisconnected, time.Time{})
		r.persist(ctx, id, store.ServerDisconnected, nil)
	}

	r.logger.Info("registry shut down", "closed", len(conns))
	return errors.Join(errs...)
}

// persist writes a status transition; failures are logged, not returned.
func (r *Registry) persist(ctx context.Context, id string, status store.ServerStatus, ping *time.Time) {
	if err := r.store.UpdateServerStatus(ctx, id, status, ping); err != nil {
		r.logger.Warn("failed to persist server status", "server_id", id, "status", status, "error", err)
	}
}
