package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

type sseEvent struct {
	name string
	data string
}

func messagesServer(t *testing.T, events []sseEvent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion_ToolUse(t *testing.T) {
	srv := messagesServer(t, []sseEvent{
		{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}`},
		{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking."}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":0}`},
		{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"check_the_weather","input":{}}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"zip\":"}}`},
		{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"90210\"}"}}`},
		{"content_block_stop", `{"type":"content_block_stop","index":1}`},
		{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":25}}`},
		{"message_stop", `{"type":"message_stop"}`},
	})

	p, err := New("sk-ant-test", "claude-haiku-4-5", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{types.UserText("weather in 90210?")},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var (
		text       strings.Builder
		input      strings.Builder
		toolID     string
		stops      int
		stopReason string
	)
	for c := range ch {
		switch {
		case c.Err != nil:
			t.Fatalf("stream error: %v", c.Err)
		case c.ContentBlockStart != nil && c.ContentBlockStart.ToolUse != nil:
			toolID = c.ContentBlockStart.ToolUse.ID
		case c.ContentBlockDelta != nil && c.ContentBlockDelta.ToolUse != nil:
			input.WriteString(c.ContentBlockDelta.ToolUse.Input)
		case c.ContentBlockDelta != nil:
			text.WriteString(c.ContentBlockDelta.Text)
		case c.ContentBlockStop != nil:
			stops++
		case c.MessageStop != nil:
			stopReason = c.MessageStop.StopReason
		}
	}

	if text.String() != "Checking." {
		t.Errorf("text = %q", text.String())
	}
	if toolID != "toolu_1" {
		t.Errorf("tool id = %q, want toolu_1", toolID)
	}
	if input.String() != `{"zip":"90210"}` {
		t.Errorf("input = %q", input.String())
	}
	if stops != 2 {
		t.Errorf("block stops = %d, want 2", stops)
	}
	if stopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", stopReason)
	}
}

func TestConvertMessages_ToolRoundTrip(t *testing.T) {
	msgs := []types.Message{
		types.UserText("hi"),
		{Role: types.RoleAssistant, Content: []types.ContentBlock{
			types.ToolUseContent("toolu_1", "check_the_weather", json.RawMessage(`{"zip":"90210"}`)),
		}},
		{Role: types.RoleUser, Content: []types.ContentBlock{
			types.ToolResultContentBlock("toolu_1", "boom", types.ToolResultError),
		}},
	}

	got := convertMessages(msgs)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	raw, err := json.Marshal(got[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	if !strings.Contains(s, `"tool_use_id":"toolu_1"`) || !strings.Contains(s, `"is_error":true`) {
		t.Errorf("tool result param = %s", s)
	}
	raw, _ = json.Marshal(got[1])
	if !strings.Contains(string(raw), `"zip":"90210"`) {
		t.Errorf("tool use param = %s", raw)
	}
}

func TestInputSchema_RequiredFromAnySlice(t *testing.T) {
	s := inputSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"zip": map[string]any{"type": "string"}},
		"required":   []any{"zip"},
	})
	if len(s.Required) != 1 || s.Required[0] != "zip" {
		t.Errorf("Required = %v, want [zip]", s.Required)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "claude-haiku-4-5"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-ant", ""); err == nil {
		t.Error("expected error for empty model")
	}
}
