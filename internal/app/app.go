// Package app wires all dealdesk subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore, WithMCPHost,
// etc.). When an option is not provided, New creates real implementations from
// the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dealdesk/internal/api"
	"github.com/MrWong99/dealdesk/internal/config"
	"github.com/MrWong99/dealdesk/internal/dispatch"
	"github.com/MrWong99/dealdesk/internal/docreader"
	"github.com/MrWong99/dealdesk/internal/gateway"
	"github.com/MrWong99/dealdesk/internal/health"
	"github.com/MrWong99/dealdesk/internal/mcp"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/orchestrator"
	"github.com/MrWong99/dealdesk/internal/prompts"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/internal/tools/builtin"
	"github.com/MrWong99/dealdesk/pkg/provider/llm"
)

// shutdownGrace bounds how long Run waits for in-flight requests after its
// context is cancelled.
const shutdownGrace = 10 * time.Second

// healthReporter is implemented by providers that can report their own
// availability, such as the resilience fallback chain.
type healthReporter interface {
	Healthy(ctx context.Context) error
}

// App owns all subsystem lifetimes and serves the copilot API.
type App struct {
	cfg *config.Config
	llm llm.Provider

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	mcpHost  *mcp.Host
	docs     docreader.TextReader
	metrics  *observe.Metrics
	registry *tools.Registry
	handler  http.Handler

	// metricsHandler serves GET /metrics when non-nil.
	metricsHandler http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a data store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMCPHost injects an MCP host instead of creating one from config. The
// configured servers are still connected to it.
func WithMCPHost(h *mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithDocReader injects the document reader used by get_project_documents.
func WithDocReader(r docreader.TextReader) Option {
	return func(a *App) { a.docs = r }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. llmProvider comes from
// main.go (built via the config registry, usually wrapped in a fallback chain).
//
// New performs all initialisation synchronously: store connection and
// migration, MCP server registration, tool registry assembly and HTTP routing.
// MCP servers that fail to connect are logged and skipped.
func New(ctx context.Context, cfg *config.Config, llmProvider llm.Provider, opts ...Option) (*App, error) {
	if llmProvider == nil {
		return nil, errors.New("app: llm provider is required")
	}
	a := &App{
		cfg: cfg,
		llm: llmProvider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Data store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. MCP host ─────────────────────────────────────────────────────
	a.initMCP(ctx)

	// ── 3. Tool registry ─────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Gateway, dispatcher, orchestrator, routes ─────────────────────
	a.initHandler()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the PostgreSQL store when a DSN is configured and falls back
// to the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("store.postgres_dsn is empty, using in-memory store")
		a.store = store.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	a.store = pg
	slog.Info("postgres store ready")
	return nil
}

// initMCP creates the MCP host and connects every configured server.
func (a *App) initMCP(ctx context.Context) {
	if a.mcpHost == nil {
		a.mcpHost = mcp.New()
	}
	a.closers = append(a.closers, a.mcpHost.Close)

	if len(a.cfg.MCP.Servers) == 0 {
		return
	}
	cfgs := make([]mcp.ServerConfig, len(a.cfg.MCP.Servers))
	for i, srv := range a.cfg.MCP.Servers {
		cfgs[i] = srv.ServerConfig()
	}
	if err := a.mcpHost.ConnectAll(ctx, cfgs); err != nil {
		slog.Warn("some MCP servers failed to connect", "err", err)
	}
	slog.Info("mcp host ready", "servers", len(a.mcpHost.Servers()))
}

// initTools builds the registry from the built-in tools and the MCP catalogue,
// restricted to the configured allow-list.
func (a *App) initTools() error {
	if a.docs == nil {
		opts := []docreader.Option{
			docreader.WithBaseURL(a.cfg.Documents.BaseURL),
			docreader.WithToken(a.cfg.Documents.Token),
		}
		if d := a.cfg.Documents.Timeout; d > 0 {
			opts = append(opts, docreader.WithTimeout(d))
		}
		a.docs = docreader.New(opts...)
	}

	all := builtin.New(builtin.Deps{
		Store: a.store,
		LLM:   a.llm,
		Docs:  a.docs,
	})
	all = append(all, a.mcpHost.Tools()...)

	selected := filterTools(all, a.cfg.Copilot.Tools)
	reg, err := tools.NewRegistry(selected...)
	if err != nil {
		return err
	}
	a.registry = reg
	slog.Info("tool registry ready", "tools", reg.Len())
	return nil
}

// filterTools keeps the tools named in allow, in registration order. An empty
// allow-list keeps everything. Unknown names are logged.
func filterTools(all []tools.Tool, allow []string) []tools.Tool {
	if len(allow) == 0 {
		return all
	}
	var out []tools.Tool
	found := make(map[string]bool, len(allow))
	for _, t := range all {
		if slices.Contains(allow, t.Spec.Name) {
			out = append(out, t)
			found[t.Spec.Name] = true
		}
	}
	for _, name := range allow {
		if !found[name] {
			slog.Warn("copilot.tools names an unknown tool", "tool", name)
		}
	}
	return out
}

// initHandler assembles the request path and the HTTP routes.
func (a *App) initHandler() {
	gw := gateway.New(
		a.llm,
		prompts.NewGrounder(a.store),
		gateway.Config{
			Temperature: a.cfg.Copilot.Temperature,
			MaxTokens:   a.cfg.Copilot.MaxTokens,
			Timeout:     a.cfg.Copilot.GatewayTimeout,
		},
		gateway.WithProviderName(a.cfg.Providers.LLM.Name),
		gateway.WithMetrics(a.metrics),
	)
	disp := dispatch.New(a.registry, dispatch.WithMetrics(a.metrics))

	orchOpts := []orchestrator.Option{orchestrator.WithMetrics(a.metrics)}
	if n := a.cfg.Copilot.MaxToolRounds; n > 0 {
		orchOpts = append(orchOpts, orchestrator.WithMaxToolRounds(n))
	}
	orch := orchestrator.New(gw, disp, orchOpts...)

	mux := http.NewServeMux()
	api.New(api.Deps{
		Gateway:        gw,
		Orchestrator:   orch,
		Dispatcher:     disp,
		Store:          a.store,
		Metrics:        a.metrics,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	}).Register(mux)
	health.New(a.checkers()...).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// checkers returns the readiness checks. Only the store is required; the LLM
// chain and MCP servers degrade readiness when unavailable.
func (a *App) checkers() []health.Checker {
	out := []health.Checker{health.Ping("store", a.store)}
	if hr, ok := a.llm.(healthReporter); ok {
		out = append(out, health.Checker{Name: "llm", Check: hr.Healthy, Optional: true})
	}
	if len(a.cfg.MCP.Servers) > 0 {
		out = append(out, health.Checker{Name: "mcp", Check: a.mcpHost.Ping, Optional: true})
	}
	return out
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the tool registry offered to the model.
func (a *App) Registry() *tools.Registry { return a.registry }

// Store returns the data store.
func (a *App) Store() store.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled. In-flight requests get a grace period to complete. When ctx is
// done, Run returns context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll releases whatever New had opened before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}
