package llm

import (
	"strings"

	"github.com/MrWong99/dealdesk/pkg/types"
)

// FlatMessage is the role/content message shape used by chat-completion APIs,
// where tool results travel as separate "tool"-role messages.
type FlatMessage struct {
	// Role is one of "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []FlatToolCall

	// ToolCallID is set when Role is "tool".
	ToolCallID string
}

// FlatToolCall is a tool invocation in chat-completion form.
type FlatToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Flatten converts block-structured messages into chat-completion messages.
// Tool results in a user turn become one "tool" message each, emitted before
// any remaining user text. Failed results are prefixed with "Error: " since
// chat-completion APIs have no status field.
func Flatten(msgs []types.Message) []FlatMessage {
	var out []FlatMessage
	for _, m := range msgs {
		var text strings.Builder
		switch m.Role {
		case types.RoleAssistant:
			fm := FlatMessage{Role: "assistant"}
			for _, b := range m.Content {
				switch {
				case b.ToolUse != nil:
					args := string(b.ToolUse.Input)
					if args == "" {
						args = "{}"
					}
					fm.ToolCalls = append(fm.ToolCalls, FlatToolCall{
						ID:        b.ToolUse.ToolUseID,
						Name:      b.ToolUse.Name,
						Arguments: args,
					})
				default:
					text.WriteString(b.Text)
				}
			}
			fm.Content = text.String()
			out = append(out, fm)
		default:
			for _, b := range m.Content {
				switch {
				case b.ToolResult != nil:
					content := b.ToolResult.ResultText()
					if b.ToolResult.Status == types.ToolResultError {
						content = "Error: " + content
					}
					out = append(out, FlatMessage{
						Role:       "tool",
						Content:    content,
						ToolCallID: b.ToolResult.ToolUseID,
					})
				default:
					text.WriteString(b.Text)
				}
			}
			if text.Len() > 0 {
				out = append(out, FlatMessage{Role: "user", Content: text.String()})
			}
		}
	}
	return out
}
