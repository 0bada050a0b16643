// Package inference folds normalized stream events into the state of one
// assistant turn: accumulated text, completed tool uses in arrival order and
// the stop reason.
//
// A [State] is used for exactly one model invocation and is not safe for
// concurrent use.
package inference

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/MrWong99/dealdesk/internal/stream"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// ToolUse is a completed tool invocation request. Input is the raw
// concatenation of all input fragments and may not be valid JSON.
type ToolUse struct {
	ID    string
	Name  string
	Input string
}

// Observer receives state transitions as they happen. Any callback may be nil.
type Observer struct {
	OnTextDelta    func(delta string)
	OnToolStart    func(id, name string)
	OnToolComplete func(tu ToolUse)
}

// State accumulates one assistant turn.
type State struct {
	obs Observer
	log *slog.Logger

	text strings.Builder

	// order keeps tool ids in arrival order; uses holds their values.
	order []string
	uses  map[string]ToolUse

	curID   string
	curName string
	curBuf  strings.Builder
	inTool  bool

	stopReason string
	done       bool
}

// New returns an empty State notifying obs. A nil logger uses slog.Default().
func New(obs Observer, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{obs: obs, log: logger, uses: make(map[string]ToolUse)}
}

// Apply folds ev into the state. Events after message_stop are ignored.
func (s *State) Apply(ev stream.Event) {
	if s.done {
		return
	}
	switch ev.Type {
	case stream.EventText:
		s.text.WriteString(ev.Text)
		if s.obs.OnTextDelta != nil {
			s.obs.OnTextDelta(ev.Text)
		}

	case stream.EventToolUseStart:
		if s.inTool {
			s.log.Warn("inference: tool start before previous tool stopped",
				"open_tool_use_id", s.curID, "tool_use_id", ev.ToolUseID)
			s.finalize()
		}
		s.curID, s.curName = ev.ToolUseID, ev.Name
		s.curBuf.Reset()
		s.inTool = true
		if s.obs.OnToolStart != nil {
			s.obs.OnToolStart(ev.ToolUseID, ev.Name)
		}

	case stream.EventToolUseDelta:
		if !s.inTool {
			s.log.Debug("inference: tool delta without current tool ignored")
			return
		}
		if ev.ToolUseID != "" && ev.ToolUseID != s.curID {
			s.log.Warn("inference: tool delta id mismatch",
				"current_tool_use_id", s.curID, "delta_tool_use_id", ev.ToolUseID)
		}
		s.curBuf.WriteString(ev.Input)

	case stream.EventContentBlockStop:
		if s.inTool {
			s.finalize()
		}

	case stream.EventMessageStop:
		if s.inTool {
			s.finalize()
		}
		s.stopReason = ev.StopReason
		s.done = true
	}
}

// finalize moves the current tool into the completed set.
func (s *State) finalize() {
	tu := ToolUse{ID: s.curID, Name: s.curName, Input: s.curBuf.String()}
	if _, dup := s.uses[tu.ID]; dup {
		s.log.Warn("inference: duplicate tool use id replaces earlier entry", "tool_use_id", tu.ID)
	} else {
		s.order = append(s.order, tu.ID)
	}
	s.uses[tu.ID] = tu

	s.curID, s.curName = "", ""
	s.curBuf.Reset()
	s.inTool = false

	if s.obs.OnToolComplete != nil {
		s.obs.OnToolComplete(tu)
	}
}

// Text returns the accumulated assistant text.
func (s *State) Text() string { return s.text.String() }

// ToolUses returns the completed tool uses in arrival order.
func (s *State) ToolUses() []ToolUse {
	out := make([]ToolUse, len(s.order))
	for i, id := range s.order {
		out[i] = s.uses[id]
	}
	return out
}

// StopReason returns the reason reported by message_stop, or "".
func (s *State) StopReason() string { return s.stopReason }

// Done reports whether message_stop has been applied.
func (s *State) Done() bool { return s.done }

// AssistantMessage renders the turn as a conversation message: an optional
// text block followed by one toolUse block per completed tool use. Input that
// is empty or not a JSON object is recorded as {}.
func (s *State) AssistantMessage() types.Message {
	msg := types.Message{Role: types.RoleAssistant}
	if s.text.Len() > 0 {
		msg.Content = append(msg.Content, types.TextBlock(s.text.String()))
	}
	for _, tu := range s.ToolUses() {
		msg.Content = append(msg.Content, types.ToolUseContent(tu.ID, tu.Name, objectOrEmpty(tu.Input)))
	}
	return msg
}

func objectOrEmpty(raw string) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
