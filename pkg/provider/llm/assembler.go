package llm

import "github.com/google/uuid"

// BlockAssembler converts chat-completion style stream deltas (text content
// plus indexed tool-call fragments, as produced by OpenAI-compatible APIs) into
// content-block [Chunk] values.
//
// Chat-completion streams have no explicit block boundaries: a tool call starts
// when a fragment with a new index or id appears, and everything ends with a
// finish reason. BlockAssembler tracks the single open block and emits the
// matching start/stop chunks. It is not safe for concurrent use; each stream
// owns one.
type BlockAssembler struct {
	index    int
	open     bool
	openTool bool
	toolKey  int
	toolID   string
	started  bool
	finished bool
}

// Start returns the MessageStart chunk on first call and nil afterwards.
func (a *BlockAssembler) Start() []Chunk {
	if a.started {
		return nil
	}
	a.started = true
	return []Chunk{{MessageStart: &MessageStart{Role: "assistant"}}}
}

// Text handles a text content delta.
func (a *BlockAssembler) Text(text string) []Chunk {
	if text == "" {
		return nil
	}
	out := a.Start()
	if a.open && a.openTool {
		out = append(out, a.closeBlock()...)
	}
	if !a.open {
		out = append(out, Chunk{ContentBlockStart: &ContentBlockStart{Index: a.index}})
		a.open = true
	}
	return append(out, Chunk{ContentBlockDelta: &ContentBlockDelta{Index: a.index, Text: text}})
}

// ToolCall handles one tool-call fragment. key is the provider's tool-call
// index; id and name are only present on the first fragment of a call for
// most providers. A missing id on a new call is replaced by a generated one.
func (a *BlockAssembler) ToolCall(key int, id, name, args string) []Chunk {
	out := a.Start()
	isNew := !a.open || !a.openTool || key != a.toolKey || (id != "" && id != a.toolID)
	if isNew {
		if a.open {
			out = append(out, a.closeBlock()...)
		}
		if id == "" {
			id = "tooluse_" + uuid.NewString()
		}
		a.open, a.openTool = true, true
		a.toolKey, a.toolID = key, id
		out = append(out, Chunk{ContentBlockStart: &ContentBlockStart{
			Index:   a.index,
			ToolUse: &ToolUseStart{ID: id, Name: name},
		}})
	}
	if args != "" {
		out = append(out, Chunk{ContentBlockDelta: &ContentBlockDelta{
			Index:   a.index,
			ToolUse: &ToolUseDelta{Input: args},
		}})
	}
	return out
}

// Finish closes any open block and emits MessageStop with the mapped stop
// reason. Calls after the first return nil.
func (a *BlockAssembler) Finish(finishReason string) []Chunk {
	if a.finished {
		return nil
	}
	a.finished = true
	out := a.Start()
	if a.open {
		out = append(out, a.closeBlock()...)
	}
	return append(out, Chunk{MessageStop: &MessageStop{StopReason: MapFinishReason(finishReason)}})
}

// Finished reports whether Finish has been called.
func (a *BlockAssembler) Finished() bool { return a.finished }

func (a *BlockAssembler) closeBlock() []Chunk {
	c := Chunk{ContentBlockStop: &ContentBlockStop{Index: a.index}}
	a.index++
	a.open, a.openTool = false, false
	a.toolID = ""
	return []Chunk{c}
}

// MapFinishReason translates chat-completion finish reasons into the stop
// reason vocabulary used by [MessageStop]. Unknown values pass through.
func MapFinishReason(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return StopReasonToolUse
	case "stop", "":
		return StopReasonEndTurn
	case "length":
		return StopReasonMaxTokens
	default:
		return reason
	}
}
