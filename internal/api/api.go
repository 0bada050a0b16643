// Package api serves the copilot over HTTP: single-invocation inference
// streams, server-side tool loops over NDJSON or WebSocket, direct tool
// execution and read-only views of projects and agreements.
//
// Streaming endpoints answer with application/x-ndjson, one JSON event per
// line. Every request body is limited to [MaxBodyBytes].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/dealdesk/internal/dispatch"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/orchestrator"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// MaxBodyBytes caps request bodies and WebSocket messages.
const MaxBodyBytes = 1 << 20

// Deps are the collaborators of a [Server]. All fields except OriginPatterns
// are required.
type Deps struct {
	Gateway      orchestrator.Invoker
	Orchestrator *orchestrator.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Store        store.Store
	Metrics      *observe.Metrics

	// OriginPatterns lists additional hosts allowed to open the chat
	// WebSocket cross-origin.
	OriginPatterns []string
}

// Server holds the HTTP handlers. It is safe for concurrent use.
type Server struct {
	Deps
}

// New returns a Server for deps. A nil Metrics uses [observe.DefaultMetrics].
func New(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Server{Deps: deps}
}

// Register adds all API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools", s.handleExecuteTool)
	mux.HandleFunc("POST /api/inference", s.handleInference)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("GET /api/agreements/{rootID}", s.handleAgreementVersions)
	mux.HandleFunc("POST /api/agreements/{id}/validate-alignment", s.handleValidateAlignment)
}

// ─────────────────────────────────────────────────────────────────────────────
// Request and event shapes
// ─────────────────────────────────────────────────────────────────────────────

// ChatRequest is the body of /api/inference, /api/chat and the first
// WebSocket message of /api/chat/ws.
type ChatRequest struct {
	Messages       []types.Message `json:"messages"`
	SystemMessages []string        `json:"systemMessages,omitempty"`

	// UseTools offers the registered tools. Defaults to false for
	// /api/inference and true for the chat endpoints.
	UseTools *bool `json:"useTools,omitempty"`

	ActiveProjectID       int    `json:"activeProjectId,omitempty"`
	ActiveAgreementRootID string `json:"activeAgreementRootId,omitempty"`
}

func (r ChatRequest) useTools(def bool) bool {
	if r.UseTools == nil {
		return def
	}
	return *r.UseTools
}

func (r ChatRequest) toolContext() tools.Context {
	return tools.Context{
		ActiveProjectID:       r.ActiveProjectID,
		ActiveAgreementRootID: r.ActiveAgreementRootID,
	}
}

// Event types added on top of the normalized stream events.
const (
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventDone       = "done"
	EventError      = "error"
)

// Error codes of terminal error events.
const (
	CodeTransport         = "transport"
	CodeTooManyToolRounds = "too_many_tool_rounds"
	CodeCanceled          = "canceled"
	CodeBadRequest        = "bad_request"
)

// ToolUseEvent reports a tool use the model finished requesting, with its
// complete input, before the tool runs.
type ToolUseEvent struct {
	Type      string `json:"type"`
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
}

// ToolResultEvent reports one executed tool during a chat run.
type ToolResultEvent struct {
	Type           string `json:"type"`
	ToolUseID      string `json:"toolUseId"`
	Name           string `json:"name"`
	Content        string `json:"content"`
	Status         string `json:"status"`
	UpdateRequired bool   `json:"updateRequired,omitempty"`
}

// DoneEvent terminates a successful chat run.
type DoneEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stopReason"`
	Rounds     int    `json:"rounds"`
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorEvent(err error) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: err.Error(), Code: errorCode(err)}
}

// errorCode classifies a run failure for clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrTooManyToolRounds):
		return CodeTooManyToolRounds
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeTransport
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a size-limited JSON body into dst. On failure it writes the
// error response and returns false.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeChat decodes and validates a [ChatRequest].
func decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if !decode(w, r, &req) {
		return req, false
	}
	if err := types.ValidateConversation(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation: "+err.Error())
		return req, false
	}
	return req, true
}
