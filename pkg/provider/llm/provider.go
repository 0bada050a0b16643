// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., Anthropic Claude,
// OpenAI GPT-4o, or a local Ollama instance) and exposes a uniform interface
// for the inference gateway and the built-in tools without coupling to any
// specific SDK.
//
// Streaming responses are surfaced as a channel of provider-native [Chunk]
// values shaped after the Converse stream: message start, content block
// start/delta/stop, message stop and metadata. Each backend translates its
// SDK's event stream into that shape; turning chunks into normalized events is
// the job of the stream package, not of the provider.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/dealdesk/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages must
// be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model. Empty means the
	// model is not allowed to call tools.
	Tools []types.ToolDefinition

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction injected before the
	// conversation history. Providers without a dedicated system field prepend
	// it as a "system"-role message.
	SystemPrompt string
}

// Chunk is one provider-native stream element. At most one of the pointer
// fields is set; a chunk with none set (or only unknown content) must be
// tolerated by consumers.
type Chunk struct {
	MessageStart      *MessageStart
	ContentBlockStart *ContentBlockStart
	ContentBlockDelta *ContentBlockDelta
	ContentBlockStop  *ContentBlockStop
	MessageStop       *MessageStop
	Metadata          *Metadata

	// Err is set when the stream failed after it was opened (network error,
	// provider error event, timeout). It is always the last chunk sent.
	Err error
}

// MessageStart opens an assistant message.
type MessageStart struct {
	Role types.Role
}

// ContentBlockStart opens a content block. ToolUse is nil for text blocks.
type ContentBlockStart struct {
	Index   int
	ToolUse *ToolUseStart
}

// ToolUseStart identifies the tool invocation a content block carries.
type ToolUseStart struct {
	ID   string
	Name string
}

// ContentBlockDelta carries incremental block content: either Text or a
// fragment of the tool's JSON input.
type ContentBlockDelta struct {
	Index   int
	Text    string
	ToolUse *ToolUseDelta
}

// ToolUseDelta is a raw fragment of a tool's JSON input. Fragments are only
// valid JSON once concatenated.
type ToolUseDelta struct {
	Input string
}

// ContentBlockStop closes the content block at Index.
type ContentBlockStop struct {
	Index int
}

// MessageStop closes the assistant message.
type MessageStop struct {
	// StopReason is normalized to the Converse vocabulary: "end_turn",
	// "tool_use", "max_tokens", "stop_sequence" or a provider-specific value.
	StopReason string
}

// Metadata carries trailing usage information.
type Metadata struct {
	Usage Usage
}

// Stop reasons shared by all backends.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines. Each
// method should propagate context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits raw Chunk values as they arrive. The channel is closed when
	// generation finishes or when ctx is cancelled.
	//
	// The initial error return is non-nil only for failures that prevent the
	// stream from starting (invalid credentials, malformed request). Later
	// failures are delivered as a final Chunk with Err set.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full text response.
	// Tools in req are ignored.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing what this provider's
	// underlying model supports.
	Capabilities() types.ModelCapabilities
}
