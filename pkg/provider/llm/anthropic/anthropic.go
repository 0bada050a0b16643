// Package anthropic provides an LLM provider backed by the Anthropic Messages
// API via github.com/anthropics/anthropic-sdk-go.
//
// The Messages stream already carries explicit content-block boundaries, so
// events map one-to-one onto [llm.Chunk] values without reassembly.
package anthropic

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// defaultMaxTokens is used when a request does not set MaxTokens; the
// Messages API requires an explicit value.
const defaultMaxTokens = 4192

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default Anthropic API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a new Anthropic LLM Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: sdk.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		send := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var stopReason string
		for stream.Next() {
			ev := stream.Current()
			var out llm.Chunk
			switch ev.Type {
			case "message_start":
				out.MessageStart = &llm.MessageStart{Role: types.RoleAssistant}
			case "content_block_start":
				start := &llm.ContentBlockStart{Index: int(ev.Index)}
				if ev.ContentBlock.Type == "tool_use" {
					start.ToolUse = &llm.ToolUseStart{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				}
				out.ContentBlockStart = start
			case "content_block_delta":
				delta := &llm.ContentBlockDelta{Index: int(ev.Index)}
				switch ev.Delta.Type {
				case "text_delta":
					delta.Text = ev.Delta.Text
				case "input_json_delta":
					delta.ToolUse = &llm.ToolUseDelta{Input: ev.Delta.PartialJSON}
				default:
					// thinking and citation deltas are not surfaced.
					continue
				}
				out.ContentBlockDelta = delta
			case "content_block_stop":
				out.ContentBlockStop = &llm.ContentBlockStop{Index: int(ev.Index)}
			case "message_delta":
				stopReason = string(ev.Delta.StopReason)
				out.Metadata = &llm.Metadata{Usage: llm.Usage{
					CompletionTokens: int(ev.Usage.OutputTokens),
				}}
			case "message_stop":
				if stopReason == "" {
					stopReason = llm.StopReasonEndTurn
				}
				out.MessageStop = &llm.MessageStop{StopReason: stopReason}
			default:
				continue
			}
			if !send(out) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(llm.Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)})
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	req.Tools = nil
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)
	return &llm.CompletionResponse{
		Content: text.String(),
		Usage:   llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	caps := types.ModelCapabilities{
		ContextWindow:       200_000,
		MaxOutputTokens:     8_192,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
	lower := strings.ToLower(p.model)
	if strings.Contains(lower, "-4-") || strings.Contains(lower, "-4.") {
		caps.MaxOutputTokens = 64_000
	}
	return caps
}

// buildParams converts a CompletionRequest into Messages API params.
func (p *Provider) buildParams(req llm.CompletionRequest) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, td := range req.Tools {
		params.Tools = append(params.Tools, sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
			Name:        td.Name,
			Description: sdk.String(td.Description),
			InputSchema: inputSchema(td.Parameters),
		}})
	}
	return params
}

// inputSchema splits a JSON Schema object into the SDK's schema param.
func inputSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	out := sdk.ToolInputSchemaParam{Properties: schema["properties"]}
	switch req := schema["required"].(type) {
	case []string:
		out.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	return out
}

// convertMessages maps conversation turns onto Messages API params. The block
// model is the same, so only the constructors differ.
func convertMessages(msgs []types.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []sdk.ContentBlockParamUnion
		for _, b := range m.Content {
			switch {
			case b.ToolUse != nil:
				var input any = b.ToolUse.Input
				if len(b.ToolUse.Input) == 0 {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(b.ToolUse.ToolUseID, input, b.ToolUse.Name))
			case b.ToolResult != nil:
				blocks = append(blocks, sdk.NewToolResultBlock(
					b.ToolResult.ToolUseID,
					b.ToolResult.ResultText(),
					b.ToolResult.Status == types.ToolResultError,
				))
			case b.Text != "":
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		}
		if m.Role == types.RoleAssistant {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}
