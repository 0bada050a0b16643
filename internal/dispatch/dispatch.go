// Package dispatch executes model-requested tool uses against the tool
// registry and turns their outcomes into toolResult content blocks.
//
// Dispatch never fails: malformed input, unknown tools, executor errors and
// executor panics all become toolResult blocks with error status, so the
// model can see what went wrong and recover.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/dealdesk/internal/inference"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// ErrToolNotFound is returned (wrapped) by [Dispatcher.Execute] when no tool
// with the requested name is registered.
var ErrToolNotFound = errors.New("dispatch: tool not found")

// ExecutionError reports that a tool ran and failed, either by returning an
// error or by panicking.
type ExecutionError struct {
	Tool  string
	Err   error
	Panic bool
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("dispatch: tool %q: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics records tool calls on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger used for per-call log lines. By default the
// context logger from [observe.Logger] is used.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher runs tools from a registry. It is safe for concurrent use.
type Dispatcher struct {
	registry *tools.Registry
	metrics  *observe.Metrics
	log      *slog.Logger
}

// New returns a Dispatcher backed by reg.
func New(reg *tools.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: reg}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Registry returns the registry the dispatcher executes against.
func (d *Dispatcher) Registry() *tools.Registry { return d.registry }

// Dispatch parses tu's raw input, runs the tool and returns the toolResult
// block for it. Empty or whitespace-only input is treated as {}.
func (d *Dispatcher) Dispatch(ctx context.Context, tu inference.ToolUse, tc tools.Context) types.ContentBlock {
	in, err := ParseInput(tu.Input)
	if err != nil {
		d.record(ctx, tu.Name, "invalid_input", 0, err)
		return types.ToolResultContentBlock(tu.ID, "invalid tool input: "+err.Error(), types.ToolResultError)
	}

	content, err := d.Execute(ctx, tu.Name, in, tc)
	if err != nil {
		var execErr *ExecutionError
		switch {
		case errors.Is(err, ErrToolNotFound):
			return types.ToolResultContentBlock(tu.ID, fmt.Sprintf("tool '%s' not found", tu.Name), types.ToolResultError)
		case errors.As(err, &execErr):
			return types.ToolResultContentBlock(tu.ID, execErr.Err.Error(), types.ToolResultError)
		default:
			return types.ToolResultContentBlock(tu.ID, err.Error(), types.ToolResultError)
		}
	}
	return types.ToolResultContentBlock(tu.ID, content, types.ToolResultSuccess)
}

// Execute runs the named tool with an already-parsed input and returns the
// JSON serialization of its payload. A missing tool yields an error wrapping
// [ErrToolNotFound]; a failing or panicking tool yields an [*ExecutionError].
func (d *Dispatcher) Execute(ctx context.Context, name string, in tools.Input, tc tools.Context) (string, error) {
	tool, ok := d.registry.Lookup(name)
	if !ok {
		err := fmt.Errorf("%w: %q", ErrToolNotFound, name)
		d.record(ctx, name, "not_found", 0, err)
		return "", err
	}
	if in == nil {
		in = tools.Input{}
	}

	ctx, span := observe.StartToolSpan(ctx, name)
	defer span.End()

	start := time.Now()
	payload, err := run(ctx, tool, in, tc)
	elapsed := time.Since(start)
	if err != nil {
		observe.FailSpan(span, err)
		d.record(ctx, name, "error", elapsed, err)
		return "", err
	}

	out, err := json.Marshal(payload)
	if err != nil {
		execErr := &ExecutionError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}
		observe.FailSpan(span, execErr)
		d.record(ctx, name, "error", elapsed, execErr)
		return "", execErr
	}
	d.record(ctx, name, "ok", elapsed, nil)
	return string(out), nil
}

// run invokes the executor, converting panics into an [*ExecutionError].
func run(ctx context.Context, tool tools.Tool, in tools.Input, tc tools.Context) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: tool panicked", "tool", tool.Spec.Name, "panic", r, "stack", string(debug.Stack()))
			payload = nil
			err = &ExecutionError{Tool: tool.Spec.Name, Err: fmt.Errorf("tool panicked: %v", r), Panic: true}
		}
	}()
	payload, err = tool.Execute(ctx, in, tc)
	if err != nil {
		return nil, &ExecutionError{Tool: tool.Spec.Name, Err: err}
	}
	return payload, nil
}

func (d *Dispatcher) record(ctx context.Context, name, status string, elapsed time.Duration, err error) {
	d.metrics.RecordToolCall(ctx, name, status)
	if elapsed > 0 {
		d.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.AttrTool.String(name)))
	}

	log := d.log
	if log == nil {
		log = observe.Logger(ctx)
	}
	attrs := []slog.Attr{
		slog.String("tool", name),
		slog.String("status", status),
		slog.Duration("duration", elapsed),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
		log.LogAttrs(ctx, slog.LevelWarn, "tool call failed", attrs...)
		return
	}
	log.LogAttrs(ctx, slog.LevelInfo, "tool call", attrs...)
}

// ParseInput decodes a raw tool input as a JSON object. Empty or
// whitespace-only input yields an empty object.
func ParseInput(raw string) (tools.Input, error) {
	if strings.TrimSpace(raw) == "" {
		return tools.Input{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", jsonKind(v))
	}
	return tools.Input(obj), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
