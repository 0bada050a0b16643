package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy provider. Only opening
// the stream participates in failover; an error delivered later inside the
// stream is the caller's to handle.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Capabilities returns the capabilities of the primary. Capabilities are
// static metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}

// Status reports the breaker state of every backend, primary first.
func (f *LLMFallback) Status() []EntryStatus {
	return f.group.Status()
}

// Healthy returns an error when every backend's breaker is open. It suits an
// optional readiness check.
func (f *LLMFallback) Healthy(context.Context) error {
	status := f.Status()
	for _, s := range status {
		if s.State != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("resilience: all %d llm backends have an open circuit", len(status))
}
