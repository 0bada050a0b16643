// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the gateway sends correct
// CompletionRequests and to feed controlled raw chunk streams without a live
// LLM backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Scripts: [][]llm.Chunk{mock.TextStream("Hello!")},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Scripts holds one chunk sequence per StreamCompletion call, consumed in
	// order. Once exhausted, the last script is replayed.
	Scripts [][]llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// opening a channel.
	StreamErr error

	// BlockAfter, when > 0, makes the stream block after that many chunks until
	// the context is cancelled. Used to exercise timeouts and cancellation.
	BlockAfter int

	// CompleteResponses is consumed in order by Complete; once exhausted, the
	// last response is repeated. May be empty (returns nil, nil).
	CompleteResponses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	StreamCalls   []StreamCall
	CompleteCalls []CompleteCall
}

// StreamCompletion records the call and returns a channel that emits the next
// script's chunks.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	idx := len(p.StreamCalls)
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	var chunks []llm.Chunk
	if n := len(p.Scripts); n > 0 {
		chunks = append(chunks, p.Scripts[min(idx, n-1)]...)
	}
	blockAfter := p.BlockAfter
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if blockAfter > 0 && i == blockAfter {
				<-ctx.Done()
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the next configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if n := len(p.CompleteResponses); n > 0 {
		return p.CompleteResponses[min(idx, n-1)], nil
	}
	return nil, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a snapshot of the recorded StreamCompletion calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// TextStream returns a complete raw stream containing a single text block made
// of the given deltas and an end_turn stop.
func TextStream(deltas ...string) []llm.Chunk {
	out := []llm.Chunk{
		{MessageStart: &llm.MessageStart{Role: types.RoleAssistant}},
		{ContentBlockStart: &llm.ContentBlockStart{Index: 0}},
	}
	for _, d := range deltas {
		out = append(out, llm.Chunk{ContentBlockDelta: &llm.ContentBlockDelta{Text: d}})
	}
	return append(out,
		llm.Chunk{ContentBlockStop: &llm.ContentBlockStop{Index: 0}},
		llm.Chunk{MessageStop: &llm.MessageStop{StopReason: llm.StopReasonEndTurn}},
	)
}

// ToolCall describes one tool invocation for [ToolStream].
type ToolCall struct {
	ID        string
	Name      string
	Fragments []string
}

// ToolStream returns a complete raw stream with optional leading text followed
// by one tool_use block per call and a tool_use stop.
func ToolStream(text string, calls ...ToolCall) []llm.Chunk {
	out := []llm.Chunk{{MessageStart: &llm.MessageStart{Role: types.RoleAssistant}}}
	idx := 0
	if text != "" {
		out = append(out,
			llm.Chunk{ContentBlockStart: &llm.ContentBlockStart{Index: idx}},
			llm.Chunk{ContentBlockDelta: &llm.ContentBlockDelta{Index: idx, Text: text}},
			llm.Chunk{ContentBlockStop: &llm.ContentBlockStop{Index: idx}},
		)
		idx++
	}
	for _, c := range calls {
		out = append(out, llm.Chunk{ContentBlockStart: &llm.ContentBlockStart{
			Index:   idx,
			ToolUse: &llm.ToolUseStart{ID: c.ID, Name: c.Name},
		}})
		for _, f := range c.Fragments {
			out = append(out, llm.Chunk{ContentBlockDelta: &llm.ContentBlockDelta{
				Index:   idx,
				ToolUse: &llm.ToolUseDelta{Input: f},
			}})
		}
		out = append(out, llm.Chunk{ContentBlockStop: &llm.ContentBlockStop{Index: idx}})
		idx++
	}
	return append(out, llm.Chunk{MessageStop: &llm.MessageStop{StopReason: llm.StopReasonToolUse}})
}
