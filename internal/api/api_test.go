package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/dealdesk/internal/dispatch"
	"github.com/MrWong99/dealdesk/internal/gateway"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/orchestrator"
	"github.com/MrWong99/dealdesk/internal/prompts"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/provider/llm/mock"
)

// event is the union of every line shape the streaming endpoints emit.
type event struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	ToolUseID      string `json:"toolUseId"`
	Name           string `json:"name"`
	Input          string `json:"input"`
	Content        string `json:"content"`
	Status         string `json:"status"`
	UpdateRequired bool   `json:"updateRequired"`
	StopReason     string `json:"stopReason"`
	Rounds         int    `json:"rounds"`
	Error          string `json:"error"`
	Code           string `json:"code"`
}

type fixture struct {
	srv   *httptest.Server
	llm   *mock.Provider
	store *store.MemStore
}

func newFixture(t *testing.T, p *mock.Provider) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	reg, err := tools.NewRegistry(
		tools.Tool{
			Spec: tools.Spec{
				Name:   "check_the_weather",
				Params: []tools.Param{{Name: "zip", Required: true}},
			},
			Execute: func(_ context.Context, in tools.Input, _ tools.Context) (any, error) {
				return "sunny at " + in["zip"].(string), nil
			},
		},
		tools.Tool{
			Spec: tools.Spec{Name: "touch_project", Mutates: true},
			Execute: func(_ context.Context, _ tools.Input, tc tools.Context) (any, error) {
				return map[string]any{"success": true, "project": tc.ActiveProjectID}, nil
			},
		},
		tools.Tool{
			Spec: tools.Spec{Name: "broken", Mutates: true},
			Execute: func(context.Context, tools.Input, tools.Context) (any, error) {
				return nil, errors.New("database unavailable")
			},
		},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	gw := gateway.New(p, nil, gateway.Config{Timeout: 5 * time.Second}, gateway.WithMetrics(m))
	d := dispatch.New(reg, dispatch.WithMetrics(m))
	orch := orchestrator.New(gw, d, orchestrator.WithMetrics(m), orchestrator.WithMaxToolRounds(2))
	st := store.NewMemStore()

	mux := http.NewServeMux()
	New(Deps{
		Gateway:      gw,
		Orchestrator: orch,
		Dispatcher:   d,
		Store:        st,
		Metrics:      m,
	}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, llm: p, store: st}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readEvents(t *testing.T, resp *http.Response) []event {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q, want application/x-ndjson", ct)
	}
	var out []event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

const helloBody = `{"messages":[{"role":"user","content":[{"text":"hi"}]}]}`

// ─────────────────────────────────────────────────────────────────────────────
// /api/inference
// ─────────────────────────────────────────────────────────────────────────────

func TestInference_StreamsEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{Scripts: [][]llm.Chunk{mock.TextStream("Hel", "lo")}})

	resp := f.post(t, "/api/inference", helloBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := readEvents(t, resp)

	var text string
	for _, ev := range events {
		if ev.Type == "text" {
			text += ev.Text
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
	if last := events[len(events)-1]; last.Type != "message_stop" || last.StopReason != llm.StopReasonEndTurn {
		t.Errorf("last event = %+v, want message_stop end_turn", last)
	}
	if calls := f.llm.Calls(); len(calls) != 1 || len(calls[0].Req.Tools) != 0 {
		t.Errorf("calls = %d, want 1 without tools", len(calls))
	}
}

func TestInference_UseToolsOffersDefinitionsWithoutExecuting(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{mock.ToolStream("", mock.ToolCall{
		ID: "t1", Name: "check_the_weather", Fragments: []string{`{"zip":"10115"}`},
	})}}
	f := newFixture(t, p)

	resp := f.post(t, "/api/inference",
		`{"useTools":true,"messages":[{"role":"user","content":[{"text":"weather?"}]}]}`)
	events := readEvents(t, resp)

	var sawStart bool
	for _, ev := range events {
		if ev.Type == "tool_use_start" && ev.Name == "check_the_weather" && ev.ToolUseID == "t1" {
			sawStart = true
		}
		if ev.Type == EventToolResult {
			t.Errorf("unexpected tool_result event %+v", ev)
		}
	}
	if !sawStart {
		t.Errorf("events = %+v, want tool_use_start", events)
	}
	if calls := p.Calls(); len(calls) != 1 || len(calls[0].Req.Tools) != 3 {
		t.Errorf("want 1 call offering 3 tools, got %+v", calls)
	}
}

func TestInference_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{Scripts: [][]llm.Chunk{mock.TextStream("x")}})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"messages":`},
		{"empty conversation", `{"messages":[]}`},
		{"orphan tool result", `{"messages":[{"role":"user","content":[{"toolResult":{"toolUseId":"x","content":[{"text":"r"}]}}]}]}`},
		{"bad role", `{"messages":[{"role":"system","content":[{"text":"hi"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/api/inference", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if body := decodeBody[errorBody](t, resp); body.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
	if n := len(f.llm.Calls()); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestInference_OpenFailureIsBadGateway(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{StreamErr: errors.New("throttled")})

	resp := f.post(t, "/api/inference", helloBody)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body := decodeBody[errorBody](t, resp); !strings.Contains(body.Error, "throttled") {
		t.Errorf("error = %q, want it to mention throttled", body.Error)
	}
}

func TestInference_MidStreamFailure(t *testing.T) {
	t.Parallel()
	chunks := mock.TextStream("partial")
	chunks = append(chunks[:3], llm.Chunk{Err: errors.New("connection reset")})
	f := newFixture(t, &mock.Provider{Scripts: [][]llm.Chunk{chunks}})

	events := readEvents(t, f.post(t, "/api/inference", helloBody))
	last := events[len(events)-1]
	if last.Type != EventError || !strings.Contains(last.Error, "connection reset") {
		t.Fatalf("last event = %+v, want error mentioning connection reset", last)
	}
	if last.Code != CodeTransport {
		t.Errorf("code = %q, want %q", last.Code, CodeTransport)
	}
}

func TestBodyTooLarge(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	big := `{"messages":[{"role":"user","content":[{"text":"` + strings.Repeat("a", MaxBodyBytes) + `"}]}]}`
	resp := f.post(t, "/api/inference", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /api/chat
// ─────────────────────────────────────────────────────────────────────────────

func TestChat_ToolLoop(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{
		mock.ToolStream("Checking.",
			mock.ToolCall{ID: "t1", Name: "check_the_weather", Fragments: []string{`{"zip":`, `"10115"}`}},
			mock.ToolCall{ID: "t2", Name: "touch_project"},
		),
		mock.TextStream("It is sunny."),
	}}
	f := newFixture(t, p)

	events := readEvents(t, f.post(t, "/api/chat",
		`{"activeProjectId":7,"messages":[{"role":"user","content":[{"text":"weather?"}]}]}`))

	var results []event
	for _, ev := range events {
		if ev.Type == EventToolResult {
			results = append(results, ev)
		}
	}
	if len(results) != 2 {
		t.Fatalf("tool results = %+v, want 2", results)
	}
	if r := results[0]; r.ToolUseID != "t1" || r.Content != `"sunny at 10115"` || r.Status != "success" || r.UpdateRequired {
		t.Errorf("results[0] = %+v", r)
	}
	if r := results[1]; r.Name != "touch_project" || !r.UpdateRequired || !strings.Contains(r.Content, `"project":7`) {
		t.Errorf("results[1] = %+v, want mutating result for project 7", r)
	}

	done := events[len(events)-1]
	if done.Type != EventDone || done.Text != "It is sunny." || done.Rounds != 2 || done.StopReason != llm.StopReasonEndTurn {
		t.Errorf("done = %+v", done)
	}
}

func TestChat_ReportsToolUseBeforeResult(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{
		mock.ToolStream("", mock.ToolCall{ID: "t1", Name: "check_the_weather", Fragments: []string{`{"zip":`, `"10115"}`}}),
		mock.TextStream("Sunny."),
	}}
	f := newFixture(t, p)

	events := readEvents(t, f.post(t, "/api/chat", helloBody))

	useAt, resultAt := -1, -1
	for i, ev := range events {
		switch ev.Type {
		case EventToolUse:
			useAt = i
			if ev.ToolUseID != "t1" || ev.Name != "check_the_weather" || ev.Input != `{"zip":"10115"}` {
				t.Errorf("tool_use = %+v, want assembled input for t1", ev)
			}
		case EventToolResult:
			resultAt = i
		}
	}
	if useAt < 0 || resultAt < 0 || useAt > resultAt {
		t.Errorf("tool_use at %d, tool_result at %d, want use before result", useAt, resultAt)
	}
}

func TestChat_FailedToolIsReportedAsError(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{
		mock.ToolStream("", mock.ToolCall{ID: "t1", Name: "broken"}),
		mock.TextStream("Sorry."),
	}}
	f := newFixture(t, p)

	events := readEvents(t, f.post(t, "/api/chat", helloBody))
	var res *event
	for i := range events {
		if events[i].Type == EventToolResult {
			res = &events[i]
		}
	}
	if res == nil {
		t.Fatalf("no tool_result in %+v", events)
	}
	if res.Status != "error" || res.UpdateRequired || !strings.Contains(res.Content, "database unavailable") {
		t.Errorf("tool result = %+v", *res)
	}
	if last := events[len(events)-1]; last.Type != EventDone {
		t.Errorf("last = %+v, want done", last)
	}
}

func TestChat_TooManyToolRounds(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{
		mock.ToolStream("", mock.ToolCall{ID: "t1", Name: "check_the_weather", Fragments: []string{`{"zip":"1"}`}}),
	}}
	f := newFixture(t, p)

	events := readEvents(t, f.post(t, "/api/chat", helloBody))
	last := events[len(events)-1]
	if last.Type != EventError || last.Code != CodeTooManyToolRounds {
		t.Errorf("last = %+v, want too_many_tool_rounds error", last)
	}
}

func TestChat_TransportError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{StreamErr: errors.New("boom")})

	resp := f.post(t, "/api/chat", helloBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := readEvents(t, resp)
	if len(events) != 1 || events[0].Code != CodeTransport || !strings.Contains(events[0].Error, "boom") {
		t.Errorf("events = %+v, want single transport error", events)
	}
}

func TestChat_InvalidConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	resp := f.post(t, "/api/chat", `{"messages":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{orchestrator.ErrTooManyToolRounds, CodeTooManyToolRounds},
		{context.Canceled, CodeCanceled},
		{&orchestrator.TransportError{Round: 1, Err: errors.New("x")}, CodeTransport},
		{&orchestrator.TransportError{Round: 1, Err: gateway.ErrTimeout}, CodeTransport},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /api/chat/ws
// ─────────────────────────────────────────────────────────────────────────────

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/api/chat/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readWS returns all events until the server closes the connection.
func readWS(t *testing.T, conn *websocket.Conn) ([]event, websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return out, websocket.CloseStatus(err)
		}
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		out = append(out, ev)
	}
}

func TestChatWS_RunsToCompletion(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{
		mock.ToolStream("", mock.ToolCall{ID: "t1", Name: "check_the_weather", Fragments: []string{`{"zip":"80331"}`}}),
		mock.TextStream("Sunny in Munich."),
	}}
	f := newFixture(t, p)
	conn := dialWS(t, f)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(helloBody)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	events, status := readWS(t, conn)
	if status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", status)
	}
	if len(events) == 0 {
		t.Fatal("no events received")
	}
	var sawResult bool
	for _, ev := range events {
		if ev.Type == EventToolResult && ev.Content == `"sunny at 80331"` {
			sawResult = true
		}
	}
	if !sawResult {
		t.Errorf("events = %+v, want tool_result for t1", events)
	}
	if last := events[len(events)-1]; last.Type != EventDone || last.Text != "Sunny in Munich." {
		t.Errorf("last = %+v, want done", last)
	}
}

func TestChatWS_RejectsInvalidConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})
	conn := dialWS(t, f)

	if err := conn.Write(context.Background(), websocket.MessageText, []byte(`{"messages":[]}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	events, status := readWS(t, conn)
	if status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
	if len(events) != 1 || events[0].Code != CodeBadRequest {
		t.Errorf("events = %+v, want one bad_request error", events)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /api/tools
// ─────────────────────────────────────────────────────────────────────────────

func TestExecuteTool(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	resp := f.post(t, "/api/tools", `{"toolUseId":"u1","name":"check_the_weather","input":{"zip":"10115"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody[ToolResponse](t, resp)
	if got.ToolUseID != "u1" || got.Name != "check_the_weather" || got.Content != `"sunny at 10115"` {
		t.Errorf("response = %+v", got)
	}
	if got.UpdateRequired {
		t.Error("UpdateRequired = true for a read-only tool")
	}
	if got.Input["zip"] != "10115" {
		t.Errorf("Input = %v, want echoed zip", got.Input)
	}
}

func TestExecuteTool_MutatingToolUsesContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	resp := f.post(t, "/api/tools", `{"toolUseId":"u2","name":"touch_project","context":{"activeProjectId":3}}`)
	got := decodeBody[ToolResponse](t, resp)
	if !got.UpdateRequired {
		t.Error("UpdateRequired = false, want true")
	}
	if got.Content != `{"project":3,"success":true}` {
		t.Errorf("Content = %s", got.Content)
	}
}

func TestExecuteTool_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	tests := []struct {
		name    string
		body    string
		status  int
		wantErr string
	}{
		{"unknown tool", `{"name":"nope"}`, http.StatusNotFound, "Tool 'nope' not found"},
		{"missing name", `{"input":{}}`, http.StatusBadRequest, "name is required"},
		{"malformed", `nope`, http.StatusBadRequest, "invalid request body"},
		{"tool failure", `{"name":"broken"}`, http.StatusInternalServerError, "database unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, "/api/tools", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if body := decodeBody[errorBody](t, resp); !strings.Contains(body.Error, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", body.Error, tt.wantErr)
			}
		})
	}
}

func TestListTools(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	got := decodeBody[[]toolDefinition](t, f.get(t, "/api/tools"))
	if len(got) != 3 {
		t.Fatalf("got %d tools, want 3", len(got))
	}
	byName := make(map[string]toolDefinition)
	for _, d := range got {
		byName[d.Name] = d
	}
	if !byName["touch_project"].Mutates {
		t.Error("touch_project not marked as mutating")
	}
	if byName["check_the_weather"].InputSchema["type"] != "object" {
		t.Errorf("schema = %v, want object", byName["check_the_weather"].InputSchema)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Views
// ─────────────────────────────────────────────────────────────────────────────

func TestProjectViews(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})
	ctx := context.Background()

	p := &store.Project{ProjectName: "Apollo Rollout", CreatedBy: "ops"}
	if err := f.store.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	list := decodeBody[[]store.Project](t, f.get(t, "/api/projects"))
	if len(list) != 1 || list[0].ProjectName != "Apollo Rollout" {
		t.Errorf("list = %+v", list)
	}

	resp := f.get(t, "/api/projects/"+strconv.Itoa(p.ID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody[store.Project](t, resp); got.ID != p.ID || len(got.SData) == 0 {
		t.Errorf("project = %+v, want stages filled", got)
	}

	if resp := f.get(t, "/api/projects/999"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing project status = %d, want 404", resp.StatusCode)
	}
	if resp := f.get(t, "/api/projects/abc"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestProjectViews_EmptyListIsArray(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})

	resp := f.get(t, "/api/projects")
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != "[]" {
		t.Errorf("body = %s, want []", raw)
	}
}

func TestAgreementVersions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})
	ctx := context.Background()

	for v := 1; v <= 2; v++ {
		if err := f.store.CreateAgreement(ctx, &store.Agreement{
			RootID:        "abc12345",
			VersionNumber: v,
			AgreementName: "MSA - Apollo",
			TextContent:   "v" + strconv.Itoa(v),
		}); err != nil {
			t.Fatalf("CreateAgreement: %v", err)
		}
	}

	versions := decodeBody[[]store.Agreement](t, f.get(t, "/api/agreements/abc12345"))
	if len(versions) != 2 || versions[0].VersionNumber != 2 {
		t.Errorf("versions = %+v, want 2 newest first", versions)
	}
	if resp := f.get(t, "/api/agreements/missing"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing agreement status = %d, want 404", resp.StatusCode)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// /api/agreements/{id}/validate-alignment
// ─────────────────────────────────────────────────────────────────────────────

func seedAlignment(t *testing.T, f *fixture, rootID, estimate string, link bool) *store.Agreement {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{ProjectName: "Apollo Rollout", SData: []store.StageData{
		{Name: "architecture", Content: "Three services behind a gateway."},
		{Name: "estimate", Content: estimate},
	}}
	if err := f.store.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	a := &store.Agreement{RootID: rootID, VersionNumber: 1, AgreementName: "SOW - Apollo", TextContent: "Vendor builds two services."}
	if link {
		a.ProjectID = &p.ID
	}
	if err := f.store.CreateAgreement(ctx, a); err != nil {
		t.Fatalf("CreateAgreement: %v", err)
	}
	return a
}

func TestValidateAlignment_Streams(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Scripts: [][]llm.Chunk{mock.TextStream("Partially ", "aligned.")}}
	f := newFixture(t, p)
	a := seedAlignment(t, f, "sow00001", "Six sprints.", true)

	events := readEvents(t, f.post(t, "/api/agreements/"+strconv.Itoa(a.ID)+"/validate-alignment", `{}`))

	var text string
	for _, ev := range events {
		if ev.Type == "text" {
			text += ev.Text
		}
	}
	if text != "Partially aligned." {
		t.Errorf("text = %q, want %q", text, "Partially aligned.")
	}
	if last := events[len(events)-1]; last.Type != "message_stop" {
		t.Errorf("last event = %+v, want message_stop", last)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if len(req.Tools) != 0 {
		t.Errorf("offered tools = %d, want 0", len(req.Tools))
	}
	if req.SystemPrompt != prompts.AlignmentSystemPrompt {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	prompt := req.Messages[0].Text()
	for _, w := range []string{"Vendor builds two services.", "## ARCHITECTURE", "Six sprints."} {
		if !strings.Contains(prompt, w) {
			t.Errorf("prompt missing %q", w)
		}
	}
}

func TestValidateAlignment_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &mock.Provider{})
	withEstimate := seedAlignment(t, f, "sow00001", "Six sprints.", true)
	unlinked := seedAlignment(t, f, "sow00002", "Six sprints.", false)
	noEstimate := seedAlignment(t, f, "sow00003", "", true)
	t.Cleanup(func() {
		if n := len(f.llm.Calls()); n != 0 {
			t.Errorf("provider calls = %d, want 0", n)
		}
	})

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"bad id", "abc", `{}`, http.StatusBadRequest},
		{"unknown agreement", "999", `{}`, http.StatusNotFound},
		{"no project", strconv.Itoa(unlinked.ID), `{}`, http.StatusBadRequest},
		{"unknown project", strconv.Itoa(withEstimate.ID), `{"projectId":999}`, http.StatusNotFound},
		{"empty estimate", strconv.Itoa(noEstimate.ID), `{}`, http.StatusBadRequest},
		{"invalid body", strconv.Itoa(withEstimate.ID), `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := f.post(t, "/api/agreements/"+tt.id+"/validate-alignment", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
