// Package mcp connects to Model Context Protocol servers and exposes their
// tools to the copilot's tool registry.
//
// Servers are reached over stdio or streamable HTTP using the official MCP Go
// SDK (github.com/modelcontextprotocol/go-sdk). Every discovered tool is
// wrapped as a [tools.Tool] whose executor forwards to CallTool; a result the
// server flags with IsError becomes an executor error.
//
// Lifecycle:
//
//  1. Create a [Host] with [New].
//  2. Call [Host.RegisterServer] per server, or [Host.ConnectAll].
//  3. Add [Host.Tools] to the registry before it is built.
//  4. Call [Host.Close] on shutdown.
package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// defaultWindowSize is the capacity of each tool's latency window.
const defaultWindowSize = 100

// toolEntry holds the metadata of one discovered tool.
type toolEntry struct {
	def     types.ToolDefinition
	server  string
	latency *latencyWindow
}

// Host manages MCP server sessions and their tool catalogue. All methods are
// safe for concurrent use. The zero value is not usable; create instances
// with [New].
type Host struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry               // key: tool name
	sessions map[string]*mcpsdk.ClientSession // key: server name

	// client is shared by all sessions.
	client *mcpsdk.Client
}

// New returns a Host with no servers.
func New() *Host {
	return &Host{
		tools:    make(map[string]toolEntry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "dealdesk", Version: "1.0.0"},
			nil,
		),
	}
}

// ConnectAll registers every server in cfgs concurrently. Servers that fail
// are reported in the joined error; the others stay connected.
func (h *Host) ConnectAll(ctx context.Context, cfgs []ServerConfig) error {
	errs := make([]error, len(cfgs))
	var eg errgroup.Group
	for i, cfg := range cfgs {
		eg.Go(func() error {
			errs[i] = h.RegisterServer(ctx, cfg)
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

// RegisterServer connects to the server described by cfg and imports its
// tool catalogue. A server with the same name is replaced.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClient(ctx, cfg),
		}

	default:
		return fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
	return h.Connect(ctx, cfg.Name, transport)
}

// Connect opens a session over transport and imports the server's tools under
// name. A tool whose name is already provided by another server is rejected.
func (h *Host) Connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range discovered {
		if cur, ok := h.tools[t.Name]; ok && cur.server != name {
			_ = session.Close()
			return fmt.Errorf("mcp: tool %q of server %q is already provided by server %q", t.Name, name, cur.server)
		}
	}

	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
		for tn, e := range h.tools {
			if e.server == name {
				delete(h.tools, tn)
			}
		}
	}
	h.sessions[name] = session
	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			server:  name,
			latency: newLatencyWindow(defaultWindowSize),
		}
	}
	slog.Info("mcp server connected", "server", name, "tools", len(discovered))
	return nil
}

// Definitions returns the definitions of all discovered tools, sorted by name.
func (h *Host) Definitions() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, e.def)
	}
	slices.SortFunc(out, func(a, b types.ToolDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Tools adapts every discovered tool into a [tools.Tool], sorted by name.
func (h *Host) Tools() []tools.Tool {
	defs := h.Definitions()
	out := make([]tools.Tool, len(defs))
	for i, def := range defs {
		out[i] = tools.Tool{
			Spec: tools.Spec{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.Parameters,
			},
			Execute: h.executor(def.Name),
		}
	}
	return out
}

// executor returns a [tools.Executor] forwarding to the named remote tool.
// JSON object or array results are passed through unchanged; any other
// content is returned as a string.
func (h *Host) executor(name string) tools.Executor {
	return func(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
		res, err := h.ExecuteTool(ctx, name, in)
		if err != nil {
			return nil, err
		}
		if res.IsError {
			return nil, errors.New(res.Content)
		}
		trimmed := strings.TrimSpace(res.Content)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			if json.Valid([]byte(trimmed)) {
				return json.RawMessage(trimmed), nil
			}
		}
		return res.Content, nil
	}
}

// ExecuteTool calls the named tool. A Go error is returned only on transport
// or protocol failure; application errors set [ToolResult.IsError].
func (h *Host) ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = h.sessions[entry.server]
	}
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("mcp: tool %q not found", name)
	}
	if session == nil {
		return nil, fmt.Errorf("mcp: server %q not connected for tool %q", entry.server, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	elapsed := time.Since(start)
	entry.latency.Record(elapsed, err != nil || (res != nil && res.IsError))
	if err != nil {
		return nil, fmt.Errorf("mcp: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{Content: sb.String(), IsError: res.IsError, Duration: elapsed}, nil
}

// Health returns latency and error statistics per tool, sorted by name.
func (h *Host) Health() []ToolHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		s := e.latency.Snapshot()
		out = append(out, ToolHealth{
			Name:      name,
			Server:    e.server,
			P50:       s.P50,
			P99:       s.P99,
			CallCount: s.Count,
			ErrorRate: s.ErrorRate,
		})
	}
	slices.SortFunc(out, func(a, b ToolHealth) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Servers returns the names of the connected servers, sorted.
func (h *Host) Servers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for name := range h.sessions {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Ping round-trips every connected session and joins the failures. A host
// with no servers is healthy.
func (h *Host) Ping(ctx context.Context) error {
	h.mu.RLock()
	sessions := make(map[string]*mcpsdk.ClientSession, len(h.sessions))
	for name, s := range h.sessions {
		sessions[name] = s
	}
	h.mu.RUnlock()

	var errs []error
	for name, s := range sessions {
		if err := s.Ping(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("mcp: ping server %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down all sessions. The Host must not be used afterwards.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp: close server %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	h.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}

// schemaToMap converts an SDK schema value to a map, defaulting to an empty
// object schema.
func schemaToMap(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	if schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			var m map[string]any
			if json.Unmarshal(data, &m) == nil && m != nil {
				return m
			}
		}
	}
	return map[string]any{"type": "object"}
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
