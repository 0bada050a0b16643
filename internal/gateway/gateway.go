// Package gateway is the single entry point for model invocations. It
// validates the conversation, applies the grounding system prompt and
// generation settings, and hands back the provider's raw chunk stream under a
// whole-stream timeout.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// Defaults applied when [Config] fields are zero.
const (
	DefaultTemperature = 0.25
	DefaultMaxTokens   = 4192
	DefaultTimeout     = 120 * time.Second
)

var (
	// ErrInvalidConversation is returned by [Gateway.Invoke] for an empty or
	// structurally invalid message history.
	ErrInvalidConversation = errors.New("gateway: invalid conversation")

	// ErrTimeout is delivered as the Err of the final chunk when the
	// whole-stream timeout elapses.
	ErrTimeout = errors.New("gateway: inference timed out")
)

// Grounder produces the system prompt for tool-enabled invocations.
type Grounder interface {
	Ground(ctx context.Context, tc tools.Context) (string, error)
}

// Config holds generation settings.
type Config struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Request is one model invocation.
type Request struct {
	Messages []types.Message

	// SystemMessages are appended after the grounding prompt.
	SystemMessages []string

	// Tools offered to the model. When non-empty the grounding prompt is
	// prepended to the system prompt.
	Tools []types.ToolDefinition

	// Context is passed to the grounder.
	Context tools.Context
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithProviderName labels provider metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(g *Gateway) { g.providerName = name }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway invokes an [llm.Provider]. It is safe for concurrent use.
type Gateway struct {
	provider     llm.Provider
	grounder     Grounder
	cfg          Config
	providerName string
	metrics      *observe.Metrics
}

// New returns a Gateway for p. grounder may be nil, in which case tool-enabled
// requests get no grounding prompt.
func New(p llm.Provider, grounder Grounder, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		provider:     p,
		grounder:     grounder,
		cfg:          cfg.withDefaults(),
		providerName: "llm",
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Config returns the effective generation settings.
func (g *Gateway) Config() Config { return g.cfg }

// Invoke validates req, opens a provider stream and returns it. Failing to
// open the stream is returned as an error; failures after that arrive as the
// final chunk's Err. The caller must Close the returned stream.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*RawStream, error) {
	if err := types.ValidateConversation(req.Messages); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConversation, err)
	}

	var system []string
	if len(req.Tools) > 0 && g.grounder != nil {
		grounding, err := g.grounder.Ground(ctx, req.Context)
		if err != nil {
			return nil, fmt.Errorf("gateway: grounding: %w", err)
		}
		system = append(system, grounding)
	}
	for _, s := range req.SystemMessages {
		if strings.TrimSpace(s) != "" {
			system = append(system, s)
		}
	}

	creq := llm.CompletionRequest{
		Messages:     req.Messages,
		Tools:        req.Tools,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
		SystemPrompt: strings.Join(system, "\n\n"),
	}

	sctx, cancel := context.WithTimeoutCause(ctx, g.cfg.Timeout, ErrTimeout)
	src, err := g.provider.StreamCompletion(sctx, creq)
	if err != nil {
		cancel()
		g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "error")
		g.metrics.RecordProviderError(ctx, g.providerName, "llm")
		return nil, fmt.Errorf("gateway: open stream: %w", err)
	}
	g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", "ok")

	rs := &RawStream{
		out:    make(chan llm.Chunk),
		closed: make(chan struct{}),
		cancel: cancel,
	}
	go rs.forward(sctx, src, g.onDone(ctx, time.Now()))
	return rs, nil
}

// onDone returns the completion hook recording latency and stream errors.
func (g *Gateway) onDone(ctx context.Context, start time.Time) func(err error) {
	return func(err error) {
		g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", g.providerName)))
		if err != nil {
			g.metrics.RecordProviderError(ctx, g.providerName, "llm_stream")
			observe.Logger(ctx).LogAttrs(ctx, slog.LevelWarn, "inference stream failed",
				slog.String("provider", g.providerName),
				slog.String("err", err.Error()),
			)
		}
	}
}

// RawStream is an open provider stream.
type RawStream struct {
	out       chan llm.Chunk
	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// Chunks returns the raw chunk channel. It is closed when the stream ends.
func (s *RawStream) Chunks() <-chan llm.Chunk { return s.out }

// Close cancels the invocation and drains the stream. It is safe to call more
// than once.
func (s *RawStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
	})
	for range s.out {
	}
}

// forward relays src to s.out. When the stream context ends before the
// provider reported message_stop, a final chunk carrying the cause is sent
// unless the stream was closed by its consumer.
func (s *RawStream) forward(ctx context.Context, src <-chan llm.Chunk, done func(error)) {
	defer close(s.out)
	defer s.cancel()

	var streamErr error
	defer func() { done(streamErr) }()

	stopped := false
	send := func(c llm.Chunk) bool {
		select {
		case s.out <- c:
			return true
		case <-s.closed:
			return false
		}
	}
	fail := func() {
		select {
		case <-s.closed:
			return
		default:
		}
		streamErr = context.Cause(ctx)
		send(llm.Chunk{Err: streamErr})
	}

	for {
		select {
		case c, ok := <-src:
			if !ok {
				if !stopped && ctx.Err() != nil {
					fail()
				}
				return
			}
			if c.Err != nil {
				streamErr = c.Err
			}
			if c.MessageStop != nil {
				stopped = true
			}
			if !send(c) || c.Err != nil {
				return
			}
		case <-ctx.Done():
			if !stopped {
				fail()
			}
			return
		}
	}
}
