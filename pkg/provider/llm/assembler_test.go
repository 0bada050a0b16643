package llm

import (
	"strings"
	"testing"
)

// describe renders a chunk sequence as a compact string for comparison.
func describe(chunks []Chunk) string {
	var parts []string
	for _, c := range chunks {
		switch {
		case c.MessageStart != nil:
			parts = append(parts, "msg_start")
		case c.ContentBlockStart != nil && c.ContentBlockStart.ToolUse != nil:
			parts = append(parts, "tool_start:"+c.ContentBlockStart.ToolUse.ID+":"+c.ContentBlockStart.ToolUse.Name)
		case c.ContentBlockStart != nil:
			parts = append(parts, "text_start")
		case c.ContentBlockDelta != nil && c.ContentBlockDelta.ToolUse != nil:
			parts = append(parts, "input:"+c.ContentBlockDelta.ToolUse.Input)
		case c.ContentBlockDelta != nil:
			parts = append(parts, "text:"+c.ContentBlockDelta.Text)
		case c.ContentBlockStop != nil:
			parts = append(parts, "stop")
		case c.MessageStop != nil:
			parts = append(parts, "msg_stop:"+c.MessageStop.StopReason)
		}
	}
	return strings.Join(parts, " ")
}

func TestBlockAssembler_TextThenTools(t *testing.T) {
	t.Parallel()
	var a BlockAssembler
	var got []Chunk
	got = append(got, a.Text("Let me check.")...)
	got = append(got, a.ToolCall(0, "call_1", "check_the_weather", `{"zip":`)...)
	got = append(got, a.ToolCall(0, "", "", `"90210"}`)...)
	got = append(got, a.ToolCall(1, "call_2", "get_project_details", `{"id":3}`)...)
	got = append(got, a.Finish("tool_calls")...)

	want := `msg_start text_start text:Let me check. stop ` +
		`tool_start:call_1:check_the_weather input:{"zip": input:"90210"} stop ` +
		`tool_start:call_2:get_project_details input:{"id":3} stop msg_stop:tool_use`
	if d := describe(got); d != want {
		t.Errorf("chunks =\n  %s\nwant\n  %s", d, want)
	}
}

func TestBlockAssembler_BlockIndicesIncrease(t *testing.T) {
	t.Parallel()
	var a BlockAssembler
	var got []Chunk
	got = append(got, a.Text("hi")...)
	got = append(got, a.ToolCall(0, "c1", "x", "{}")...)
	got = append(got, a.Finish("tool_calls")...)

	var starts []int
	for _, c := range got {
		if c.ContentBlockStart != nil {
			starts = append(starts, c.ContentBlockStart.Index)
		}
	}
	if len(starts) != 2 || starts[0] != 0 || starts[1] != 1 {
		t.Errorf("block start indices = %v, want [0 1]", starts)
	}
}

func TestBlockAssembler_MissingIDIsGenerated(t *testing.T) {
	t.Parallel()
	var a BlockAssembler
	got := a.ToolCall(0, "", "check_the_weather", "")
	var id string
	for _, c := range got {
		if c.ContentBlockStart != nil && c.ContentBlockStart.ToolUse != nil {
			id = c.ContentBlockStart.ToolUse.ID
		}
	}
	if !strings.HasPrefix(id, "tooluse_") {
		t.Errorf("generated id = %q, want tooluse_ prefix", id)
	}
}

func TestBlockAssembler_FinishOnce(t *testing.T) {
	t.Parallel()
	var a BlockAssembler
	first := a.Finish("stop")
	if d := describe(first); d != "msg_start msg_stop:end_turn" {
		t.Errorf("first Finish = %q", d)
	}
	if second := a.Finish("stop"); second != nil {
		t.Errorf("second Finish = %v, want nil", second)
	}
	if !a.Finished() {
		t.Error("Finished() = false after Finish")
	}
}

func TestMapFinishReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"tool_calls", StopReasonToolUse},
		{"function_call", StopReasonToolUse},
		{"stop", StopReasonEndTurn},
		{"", StopReasonEndTurn},
		{"length", StopReasonMaxTokens},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := MapFinishReason(tt.in); got != tt.want {
			t.Errorf("MapFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
