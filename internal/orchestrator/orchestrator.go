// Package orchestrator runs the copilot conversation loop: invoke the model,
// fold its stream into an assistant turn, execute any requested tools, append
// their results and re-invoke until the model answers without tool use.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/dealdesk/internal/dispatch"
	"github.com/MrWong99/dealdesk/internal/gateway"
	"github.com/MrWong99/dealdesk/internal/inference"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/stream"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// DefaultMaxToolRounds bounds how many tool rounds a single Run may execute.
const DefaultMaxToolRounds = 8

// ErrTooManyToolRounds is returned when the model still requests tools after
// the round cap was reached.
var ErrTooManyToolRounds = errors.New("orchestrator: too many tool rounds")

// TransportError reports a failure to obtain or read a model stream.
type TransportError struct {
	// Round is the 1-based invocation that failed.
	Round int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("orchestrator: round %d: %v", e.Round, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Invoker opens model streams. [*gateway.Gateway] satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.Request) (*gateway.RawStream, error)
}

// Request is one user-facing chat turn.
type Request struct {
	// Messages is the conversation so far, ending with the latest user turn.
	Messages []types.Message

	SystemMessages []string

	// UseTools offers the registry's tools to the model.
	UseTools bool

	Context tools.Context
}

// Result is the outcome of a completed Run.
type Result struct {
	// Text is the final assistant answer.
	Text string

	// Messages is the full history including every assistant and tool-result
	// turn produced by this Run.
	Messages []types.Message

	// Rounds is the number of model invocations.
	Rounds int

	StopReason string
}

// Observer receives progress while a Run is in flight. Any callback may be nil.
type Observer struct {
	OnEvent func(ev stream.Event)

	// OnToolUse is called once the model finished streaming a tool use, with
	// its input fully assembled, before any tool of the round executes.
	OnToolUse func(tu inference.ToolUse)

	OnToolResult func(tu inference.ToolUse, result *types.ToolResultBlock)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMaxToolRounds overrides [DefaultMaxToolRounds]. Values < 1 are ignored.
func WithMaxToolRounds(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRounds = n
		}
	}
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger handed to each round's [inference.State].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator drives the tool loop. It holds no per-conversation state and is
// safe for concurrent use.
type Orchestrator struct {
	invoker    Invoker
	dispatcher *dispatch.Dispatcher
	maxRounds  int
	metrics    *observe.Metrics
	log        *slog.Logger
}

// New returns an Orchestrator invoking models through inv and executing tools
// through d.
func New(inv Invoker, d *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:    inv,
		dispatcher: d,
		maxRounds:  DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Run executes the loop for req. On error the returned Result, when non-nil,
// holds the history committed so far.
func (o *Orchestrator) Run(ctx context.Context, req Request, obs Observer) (*Result, error) {
	history := append([]types.Message(nil), req.Messages...)

	var defs []types.ToolDefinition
	if req.UseTools {
		defs = o.dispatcher.Registry().Definitions()
	}

	res := &Result{}
	toolRounds := 0
	for {
		if err := ctx.Err(); err != nil {
			res.Messages = history
			o.metrics.RecordRounds(ctx, res.Rounds, "canceled")
			return res, err
		}
		res.Rounds++

		st, err := o.round(ctx, res.Rounds, gateway.Request{
			Messages:       history,
			SystemMessages: req.SystemMessages,
			Tools:          defs,
			Context:        req.Context,
		}, obs)
		if err != nil {
			res.Messages = history
			outcome := "transport"
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				outcome = "canceled"
			}
			o.metrics.RecordRounds(ctx, res.Rounds, outcome)
			return res, err
		}

		uses := st.ToolUses()
		if len(uses) == 0 {
			history = append(history, st.AssistantMessage())
			res.Text = st.Text()
			res.StopReason = st.StopReason()
			res.Messages = history
			o.metrics.RecordRounds(ctx, res.Rounds, "ok")
			return res, nil
		}

		if toolRounds >= o.maxRounds {
			res.Messages = history
			o.metrics.RecordRounds(ctx, res.Rounds, "too_many_tool_rounds")
			return res, fmt.Errorf("%w: limit %d", ErrTooManyToolRounds, o.maxRounds)
		}
		toolRounds++

		history = append(history, st.AssistantMessage())
		results := make([]types.ContentBlock, 0, len(uses))
		for _, tu := range uses {
			block := o.dispatcher.Dispatch(ctx, tu, req.Context)
			results = append(results, block)
			if obs.OnToolResult != nil {
				obs.OnToolResult(tu, block.ToolResult)
			}
		}
		history = append(history, types.Message{Role: types.RoleUser, Content: results})
	}
}

// round performs one invocation and folds its stream into a fresh State.
func (o *Orchestrator) round(ctx context.Context, n int, greq gateway.Request, obs Observer) (*inference.State, error) {
	ctx, span := observe.StartRoundSpan(ctx, n, len(greq.Messages))
	defer span.End()

	fail := func(err error) (*inference.State, error) {
		observe.FailSpan(span, err)
		return nil, err
	}

	start := time.Now()
	rs, err := o.invoker.Invoke(ctx, greq)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidConversation) {
			return fail(err)
		}
		return fail(&TransportError{Round: n, Err: err})
	}
	defer rs.Close()

	outputSeen := false
	firstOutput := func() {
		if outputSeen {
			return
		}
		outputSeen = true
		o.metrics.TimeToFirstOutput.Record(ctx, time.Since(start).Seconds())
	}
	st := inference.New(inference.Observer{
		OnTextDelta: func(string) { firstOutput() },
		OnToolStart: func(string, string) { firstOutput() },
		OnToolComplete: func(tu inference.ToolUse) {
			observe.ToolUseEvent(span, tu.ID, tu.Name)
			if obs.OnToolUse != nil {
				obs.OnToolUse(tu)
			}
		},
	}, o.log)
	for ev, err := range stream.Events(ctx, rs.Chunks()) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return fail(err)
			}
			return fail(&TransportError{Round: n, Err: err})
		}
		st.Apply(ev)
		if obs.OnEvent != nil {
			obs.OnEvent(ev)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	observe.EndRound(span, len(st.ToolUses()), st.StopReason(), time.Since(start))
	return st, nil
}
