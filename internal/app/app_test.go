package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dealdesk/internal/app"
	"github.com/MrWong99/dealdesk/internal/config"
	"github.com/MrWong99/dealdesk/internal/mcp"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	llmmock "github.com/MrWong99/dealdesk/pkg/provider/llm/mock"
)

// testConfig returns a minimal config using the in-memory store.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "mock", Model: "test"},
		},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, p llm.Provider, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// healthyProvider adds a Healthy method to the mock LLM.
type healthyProvider struct {
	*llmmock.Provider
	err error
}

func (p *healthyProvider) Healthy(context.Context) error { return p.err }

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_InMemory(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &llmmock.Provider{})
	if _, ok := a.Store().(*store.MemStore); !ok {
		t.Fatalf("Store() = %T, want *store.MemStore", a.Store())
	}
	if got := a.Registry().Len(); got != 10 {
		t.Errorf("Registry().Len() = %d, want 10 (names %v)", got, a.Registry().Names())
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}

	var ready readiness
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", code)
	}
	if ready.Status != "ok" || ready.Checks["store"] != "ok" {
		t.Errorf("readiness = %+v, want ok with store check", ready)
	}

	var defs []map[string]any
	if code := getJSON(t, srv.URL+"/api/tools", &defs); code != http.StatusOK {
		t.Fatalf("GET /api/tools = %d, want 200", code)
	}
	if len(defs) != 10 {
		t.Errorf("tool definitions = %d, want 10", len(defs))
	}
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("New(nil provider) returned nil error")
	}
}

func TestNew_ToolAllowList(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Copilot.Tools = []string{"find_project_by_name", "check_the_weather", "no_such_tool"}
	a := newApp(t, cfg, &llmmock.Provider{})

	names := a.Registry().Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 tools", names)
	}
	for _, n := range names {
		if n != "find_project_by_name" && n != "check_the_weather" {
			t.Errorf("unexpected tool %q", n)
		}
	}
}

func TestNew_InjectedStore(t *testing.T) {
	t.Parallel()

	s := store.NewMemStore()
	if err := s.CreateProject(context.Background(), &store.Project{ProjectName: "Harbor Bridge"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	a := newApp(t, testConfig(), &llmmock.Provider{}, app.WithStore(s))

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	var projects []store.Project
	if code := getJSON(t, srv.URL+"/api/projects", &projects); code != http.StatusOK {
		t.Fatalf("GET /api/projects = %d, want 200", code)
	}
	if len(projects) != 1 || projects[0].ProjectName != "Harbor Bridge" {
		t.Errorf("projects = %+v, want Harbor Bridge", projects)
	}
}

func TestNew_MCPFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MCP.Servers = []config.MCPServerConfig{{
		Name:      "broken",
		Transport: mcp.TransportStdio,
		Command:   "/nonexistent/dealdesk-mcp-server",
	}}
	host := mcp.New()
	a := newApp(t, cfg, &llmmock.Provider{}, app.WithMCPHost(host))

	if n := len(host.Servers()); n != 0 {
		t.Errorf("connected servers = %d, want 0", n)
	}
	if got := a.Registry().Len(); got != 10 {
		t.Errorf("Registry().Len() = %d, want 10", got)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	var ready readiness
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", code)
	}
	if _, ok := ready.Checks["mcp"]; !ok {
		t.Errorf("checks = %v, want mcp entry", ready.Checks)
	}
}

func TestReadiness_DegradedLLM(t *testing.T) {
	t.Parallel()

	p := &healthyProvider{Provider: &llmmock.Provider{}, err: errors.New("all breakers open")}
	a := newApp(t, testConfig(), p)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	var ready readiness
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", code)
	}
	if ready.Status != "degraded" {
		t.Errorf("status = %q, want degraded", ready.Status)
	}
	if got := ready.Checks["llm"]; got != "degraded: all breakers open" {
		t.Errorf("llm check = %q", got)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# HELP dealdesk_up\n")
	})
	a := newApp(t, testConfig(), &llmmock.Provider{}, app.WithMetricsHandler(metrics))

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "# HELP dealdesk_up\n" {
		t.Errorf("GET /metrics = %d %q", resp.StatusCode, body)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &llmmock.Provider{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	if code := getJSON(t, "http://"+ln.Addr().String()+"/healthz", nil); code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", code)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &llmmock.Provider{})
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), &llmmock.Provider{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}
