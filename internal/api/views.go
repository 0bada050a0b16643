package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/MrWong99/dealdesk/internal/dispatch"
	"github.com/MrWong99/dealdesk/internal/observe"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tools
// ─────────────────────────────────────────────────────────────────────────────

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Mutates     bool           `json:"mutates,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	reg := s.Dispatcher.Registry()
	out := make([]toolDefinition, 0, reg.Len())
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		out = append(out, toolDefinition{
			Name:        t.Spec.Name,
			Description: t.Spec.Description,
			InputSchema: t.Spec.Schema(),
			Mutates:     t.Spec.Mutates,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ToolRequest is the body of POST /api/tools.
type ToolRequest struct {
	ToolUseID string        `json:"toolUseId"`
	Name      string        `json:"name"`
	Input     tools.Input   `json:"input"`
	Context   tools.Context `json:"context"`
}

// ToolResponse reports a direct tool execution. UpdateRequired tells the
// client that stored data changed.
type ToolResponse struct {
	ToolUseID      string      `json:"toolUseId"`
	Name           string      `json:"name"`
	Input          tools.Input `json:"input"`
	Content        string      `json:"content"`
	UpdateRequired bool        `json:"updateRequired"`
}

func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	var req ToolRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Input == nil {
		req.Input = tools.Input{}
	}

	content, err := s.Dispatcher.Execute(r.Context(), req.Name, req.Input, req.Context)
	switch {
	case errors.Is(err, dispatch.ErrToolNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("Tool '%s' not found", req.Name))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tool, _ := s.Dispatcher.Registry().Lookup(req.Name)
	writeJSON(w, http.StatusOK, ToolResponse{
		ToolUseID:      req.ToolUseID,
		Name:           req.Name,
		Input:          req.Input,
		Content:        content,
		UpdateRequired: tool.Spec.Mutates,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Projects and agreements
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Store.ListProjects(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}
	p, err := s.Store.GetProject(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Project with ID %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAgreementVersions(w http.ResponseWriter, r *http.Request) {
	rootID := r.PathValue("rootID")
	versions, err := s.Store.ListAgreementVersions(r.Context(), rootID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Agreement with root_id %s not found", rootID))
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context()).Error("api: store failure", "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
