// ABOUTME: Gateway orchestrator that wires store, cache, registry, router and skills
// ABOUTME: Owns the HTTP server lifecycle and the ordered shutdown of every component

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/tool-gateway/internal/auth"
	"github.com/2389/tool-gateway/internal/cache"
	"github.com/2389/tool-gateway/internal/catalog"
	"github.com/2389/tool-gateway/internal/config"
	"github.com/2389/tool-gateway/internal/mcp"
	"github.com/2389/tool-gateway/internal/registry"
	"github.com/2389/tool-gateway/internal/router"
	"github.com/2389/tool-gateway/internal/skills"
	"github.com/2389/tool-gateway/internal/store"
	"github.com/2389/tool-gateway/internal/transport"
)

// executorTokenTTL bounds the self-issued tokens the skill executor presents.
const executorTokenTTL = 5 * time.Minute

// Gateway orchestrates the tool-gateway components behind one HTTP server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	cache      *cache.ResponseCache
	registry   *registry.Registry
	usage      *router.UsageLog
	router     *router.Router
	skills     *skills.Service
	mcp        *mcp.Server
	verifier   *auth.JWTVerifier
	httpServer *http.Server
	logger     *slog.Logger
}

// components are the pluggable backends New builds from config.
type components struct {
	store   store.Store
	cache   cache.Store
	factory transport.Factory
}

// New creates a Gateway from cfg, opening the database and cache backends.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cacheStore, err := cache.Open(cache.Options{
		Backend:    cfg.Cache.Backend,
		RedisURL:   cfg.Cache.RedisURL,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	gw, err := newGateway(cfg, components{
		store:   s,
		cache:   cacheStore,
		factory: transport.NewFactory(logger),
	}, logger)
	if err != nil {
		cacheStore.Close()
		s.Close()
		return nil, err
	}
	return gw, nil
}

func newGateway(cfg *config.Config, c components, logger *slog.Logger) (*Gateway, error) {
	gw := &Gateway{
		config: cfg,
		store:  c.store,
		logger: logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
	}

	gw.cache = cache.NewResponseCache(c.cache, cfg.Cache.TTL, logger)
	gw.registry = registry.New(c.store, catalog.NewSyncer(c.store, logger), c.factory, logger,
		registry.WithConnectOnStart(cfg.Registry.ConnectOnStart))
	gw.usage = router.NewUsageLog(c.store, cfg.Router.UsageQueueSize, logger)
	gw.router = router.New(c.store, gw.registry, gw.usage, logger,
		router.WithInvokeTimeout(cfg.Router.InvokeTimeout),
		router.WithCache(gw.cache))

	client := skills.NewHTTPGatewayClient(executorBaseURL(cfg), cfg.Skills.RequestTimeout, gw.executorClientOptions()...)
	executor := skills.NewExecutor(client, cfg.Skills.CallerID, cfg.Skills.CallerType, logger)
	gw.skills = skills.NewService(c.store, executor, logger)

	mcpServer, err := mcp.NewServer(mcp.Config{
		Catalog: c.store,
		Router:  gw.router,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MCP server: %w", err)
	}
	gw.mcp = mcpServer

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// executorBaseURL is where the skill executor reaches the tool-call route.
func executorBaseURL(cfg *config.Config) string {
	if cfg.Skills.GatewayURL != "" {
		return cfg.Skills.GatewayURL
	}
	addr := cfg.Server.HTTPAddr
	if host, port, err := net.SplitHostPort(addr); err == nil && (host == "" || host == "0.0.0.0" || host == "::") {
		addr = net.JoinHostPort("127.0.0.1", port)
	}
	return "http://" + addr
}

// executorClientOptions lets the executor pass the auth middleware when it is on.
func (g *Gateway) executorClientOptions() []skills.ClientOption {
	if g.verifier == nil {
		return nil
	}
	callerID, callerType := g.config.Skills.CallerID, g.config.Skills.CallerType
	return []skills.ClientOption{
		skills.WithTokenSource(func() (string, error) {
			return g.verifier.Generate(callerID, callerType, executorTokenTTL)
		}),
	}
}

// Handler returns the HTTP handler serving the whole API.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health - never behind auth
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /tools/{serverId}/{toolName}/call", g.handleCallTool)
	mux.HandleFunc("PUT /tools/{serverId}/{toolName}/permissions", g.handleSetPermission)

	mux.HandleFunc("GET /servers", g.handleListServers)
	mux.HandleFunc("POST /servers", g.handleCreateServer)
	mux.HandleFunc("GET /servers/{id}", g.handleGetServer)
	mux.HandleFunc("DELETE /servers/{id}", g.handleDeleteServer)
	mux.HandleFunc("POST /servers/{id}/connect", g.handleConnectServer)
	mux.HandleFunc("POST /servers/{id}/disconnect", g.handleDisconnectServer)
	mux.HandleFunc("GET /servers/{id}/tools", g.handleListTools)
	mux.HandleFunc("GET /usage", g.handleListUsage)

	g.registerSkillRoutes(mux)

	// MCP streamable HTTP for external agents
	mux.Handle("/mcp", g.mcp.Handler())

	if g.verifier == nil {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return mux
	}
	g.logger.Info("HTTP auth middleware enabled")
	return auth.HTTPAuthMiddleware(g.verifier, "/health")(mux)
}

// Run connects startup servers, serves HTTP until ctx is cancelled, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if err := g.registry.Init(ctx); err != nil {
		ln.Close()
		g.gracefulShutdown()
		return fmt.Errorf("initializing registry: %w", err)
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, then closes connections, drains the
// usage queue and releases the cache and store, in that order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "registry shutdown", g.registry.Shutdown(ctx))
	errs = appendCloseError(errs, "usage drain", g.usage.Close(ctx))
	errs = appendCloseError(errs, "cache close", g.cache.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("shutdown errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}
