// Package types defines the conversation types shared across all dealdesk
// packages.
//
// These types form the lingua franca between providers, the gateway, the tool
// dispatcher and the orchestrator. The JSON shape follows the Converse message
// format: a message is a role plus an ordered list of content blocks, and each
// block is exactly one of text, toolUse or toolResult.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ToolResultStatus marks the outcome of a tool invocation. The zero value means
// success and is omitted on the wire.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = ""
	ToolResultError   ToolResultStatus = "error"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one unit of turn content. Exactly one field must be set.
type ContentBlock struct {
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"toolUse,omitempty"`
	ToolResult *ToolResultBlock `json:"toolResult,omitempty"`
}

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`

	// Input is the JSON object the model supplied as arguments.
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock carries the outcome of one tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    ToolResultStatus    `json:"status,omitempty"`
}

// ToolResultContent is a text payload inside a [ToolResultBlock].
type ToolResultContent struct {
	Text string `json:"text"`
}

// TextBlock returns a content block holding text.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: text}
}

// ToolUseContent returns a content block holding a tool invocation.
func ToolUseContent(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{ToolUse: &ToolUseBlock{ToolUseID: id, Name: name, Input: input}}
}

// ToolResultContentBlock returns a content block holding a tool result with a
// single text entry.
func ToolResultContentBlock(id, text string, status ToolResultStatus) ContentBlock {
	return ContentBlock{ToolResult: &ToolResultBlock{
		ToolUseID: id,
		Content:   []ToolResultContent{{Text: text}},
		Status:    status,
	}}
}

// UserText returns a user turn with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// kinds returns how many of the block's variants are populated.
func (b ContentBlock) kinds() int {
	n := 0
	if b.Text != "" {
		n++
	}
	if b.ToolUse != nil {
		n++
	}
	if b.ToolResult != nil {
		n++
	}
	return n
}

// IsError reports whether the block is a tool result with error status.
func (b ContentBlock) IsError() bool {
	return b.ToolResult != nil && b.ToolResult.Status == ToolResultError
}

// Text returns the concatenation of all text blocks in m.
func (m Message) Text() string {
	var s string
	for _, b := range m.Content {
		s += b.Text
	}
	return s
}

// ResultText returns the concatenated text entries of a tool result.
func (r *ToolResultBlock) ResultText() string {
	var s string
	for _, c := range r.Content {
		s += c.Text
	}
	return s
}

// ErrEmptyConversation is returned by [ValidateConversation] for an empty
// message list.
var ErrEmptyConversation = errors.New("types: conversation is empty")

// ValidateConversation checks the structural invariants of a message history:
// roles are known, each block holds exactly one variant, and every toolResult
// references a toolUse issued by an assistant turn strictly before it.
// All violations are reported as a joined error.
func ValidateConversation(msgs []Message) error {
	if len(msgs) == 0 {
		return ErrEmptyConversation
	}

	var errs []error
	issued := make(map[string]bool)
	for i, m := range msgs {
		if !m.Role.IsValid() {
			errs = append(errs, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role))
		}
		if len(m.Content) == 0 {
			errs = append(errs, fmt.Errorf("messages[%d]: content is empty", i))
		}
		// Ids issued in this turn only become referenceable from later turns.
		var pending []string
		for j, b := range m.Content {
			prefix := fmt.Sprintf("messages[%d].content[%d]", i, j)
			if b.kinds() != 1 {
				errs = append(errs, fmt.Errorf("%s: block must hold exactly one of text, toolUse, toolResult", prefix))
				continue
			}
			switch {
			case b.ToolUse != nil:
				if m.Role != RoleAssistant {
					errs = append(errs, fmt.Errorf("%s: toolUse only allowed in assistant turns", prefix))
				}
				if b.ToolUse.ToolUseID == "" {
					errs = append(errs, fmt.Errorf("%s: toolUse.toolUseId is required", prefix))
				}
				pending = append(pending, b.ToolUse.ToolUseID)
			case b.ToolResult != nil:
				if !issued[b.ToolResult.ToolUseID] {
					errs = append(errs, fmt.Errorf("%s: toolResult %q does not reference an earlier toolUse", prefix, b.ToolResult.ToolUseID))
				}
			}
		}
		for _, id := range pending {
			issued[id] = true
		}
	}
	return errors.Join(errs...)
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
