package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/dealdesk/internal/gateway"
	"github.com/MrWong99/dealdesk/internal/inference"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/orchestrator"
	"github.com/MrWong99/dealdesk/internal/prompts"
	"github.com/MrWong99/dealdesk/internal/stream"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// ndjson writes newline-delimited JSON events and flushes after each one.
type ndjson struct {
	rc  *http.ResponseController
	enc *json.Encoder
	err error
}

func newNDJSON(w http.ResponseWriter) *ndjson {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	return &ndjson{rc: http.NewResponseController(w), enc: json.NewEncoder(w)}
}

// send writes v as one line. After the first write error all further sends
// are dropped; the request context ends the producer shortly after.
func (n *ndjson) send(v any) {
	if n.err != nil {
		return
	}
	if n.err = n.enc.Encode(v); n.err != nil {
		return
	}
	if err := n.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		n.err = err
	}
}

// trackStream counts an open stream until the returned func is called.
func (s *Server) trackStream(ctx context.Context) func() {
	s.Metrics.ActiveStreams.Add(ctx, 1)
	return func() { s.Metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1) }
}

// handleInference streams the normalized events of exactly one model
// invocation. Tools are offered but never executed.
func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	greq := gateway.Request{
		Messages:       req.Messages,
		SystemMessages: req.SystemMessages,
		Context:        req.toolContext(),
	}
	if req.useTools(false) {
		greq.Tools = s.Dispatcher.Registry().Definitions()
	}

	s.streamInvocation(ctx, w, greq)
}

// streamInvocation opens one model stream for greq and writes its normalized
// events as NDJSON. Failing to open the stream is answered with a plain JSON
// error; later failures end the stream with an error event.
func (s *Server) streamInvocation(ctx context.Context, w http.ResponseWriter, greq gateway.Request) {
	rs, err := s.Gateway.Invoke(ctx, greq)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidConversation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		observe.Logger(ctx).Warn("api: inference failed to open", "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer rs.Close()
	defer s.trackStream(ctx)()

	out := newNDJSON(w)
	for ev, err := range stream.Events(ctx, rs.Chunks()) {
		if err != nil {
			out.send(errorEvent(err))
			return
		}
		out.send(ev)
	}
}

// handleChat runs the full tool loop and streams its progress as NDJSON.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChat(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	defer s.trackStream(ctx)()

	out := newNDJSON(w)
	s.runChat(ctx, req, out.send)
}

// runChat executes one orchestrator run and reports every event, each tool
// result and a terminal done or error event through emit.
func (s *Server) runChat(ctx context.Context, req ChatRequest, emit func(v any)) {
	obs := orchestrator.Observer{
		OnEvent: func(ev stream.Event) { emit(ev) },
		OnToolUse: func(tu inference.ToolUse) {
			emit(ToolUseEvent{Type: EventToolUse, ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input})
		},
		OnToolResult: func(tu inference.ToolUse, res *types.ToolResultBlock) {
			emit(s.toolResultEvent(tu, res))
		},
	}
	res, err := s.Orchestrator.Run(ctx, orchestrator.Request{
		Messages:       req.Messages,
		SystemMessages: req.SystemMessages,
		UseTools:       req.useTools(true),
		Context:        req.toolContext(),
	}, obs)
	if err != nil {
		observe.Logger(ctx).Warn("api: chat run failed", "err", err)
		emit(errorEvent(err))
		return
	}
	emit(DoneEvent{
		Type:       EventDone,
		Text:       res.Text,
		StopReason: res.StopReason,
		Rounds:     res.Rounds,
	})
}

func (s *Server) toolResultEvent(tu inference.ToolUse, res *types.ToolResultBlock) ToolResultEvent {
	ev := ToolResultEvent{
		Type:      EventToolResult,
		ToolUseID: tu.ID,
		Name:      tu.Name,
		Content:   res.ResultText(),
		Status:    "success",
	}
	if res.Status == types.ToolResultError {
		ev.Status = string(types.ToolResultError)
		return ev
	}
	if tool, ok := s.Dispatcher.Registry().Lookup(tu.Name); ok {
		ev.UpdateRequired = tool.Spec.Mutates
	}
	return ev
}

// ValidateAlignmentRequest is the body of
// POST /api/agreements/{id}/validate-alignment. ProjectID defaults to the
// project the agreement is linked to.
type ValidateAlignmentRequest struct {
	ProjectID int `json:"projectId,omitempty"`
}

// handleValidateAlignment streams a tool-less review of one agreement version
// against the architecture and estimate stages of its project.
func (s *Server) handleValidateAlignment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement id")
		return
	}
	var req ValidateAlignmentRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	a, err := s.Store.GetAgreement(ctx, id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Agreement with ID %d not found", id))
		return
	}
	projectID := req.ProjectID
	if projectID == 0 && a.ProjectID != nil {
		projectID = *a.ProjectID
	}
	if projectID == 0 {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}
	p, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Project with ID %d not found", projectID))
		return
	}
	if est := p.Stage("estimate"); est == nil || strings.TrimSpace(est.Content) == "" {
		writeError(w, http.StatusBadRequest, "project estimate not found or empty")
		return
	}

	s.streamInvocation(ctx, w, gateway.Request{
		Messages:       []types.Message{types.UserText(prompts.ValidateAlignmentPrompt(a.TextContent, prompts.ProjectScope(p)))},
		SystemMessages: []string{prompts.AlignmentSystemPrompt},
	})
}
