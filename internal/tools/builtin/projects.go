package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/dealdesk/internal/docreader"
	"github.com/MrWong99/dealdesk/internal/prompts"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
)

var projectIDParam = tools.Param{
	Name:        "id",
	Type:        tools.TypeInteger,
	Description: "The numeric ID of the project.",
	Required:    true,
}

type projectArgs struct {
	ID int `json:"id"`
}

// project loads a project or reports it missing in the form the model sees.
func (h *handlers) project(ctx context.Context, id int) (*store.Project, error) {
	p, err := h.Store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load project %d: %w", id, err)
	}
	if p == nil {
		return nil, fmt.Errorf("Project with ID %d not found.", id)
	}
	return p, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// get_project_details
// ─────────────────────────────────────────────────────────────────────────────

var projectDetailsSpec = tools.Spec{
	Name:        "get_project_details",
	Description: "Get the full details of a project by ID, including the content, approval state and estimate tasks of every workflow stage.",
	Params:      []tools.Param{projectIDParam},
}

func (h *handlers) projectDetails(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args projectArgs
	if err := tools.Bind(in, projectDetailsSpec, &args); err != nil {
		return nil, err
	}
	return h.project(ctx, args.ID)
}

// ─────────────────────────────────────────────────────────────────────────────
// find_project_by_name
// ─────────────────────────────────────────────────────────────────────────────

var findProjectSpec = tools.Spec{
	Name:        "find_project_by_name",
	Description: "Find projects whose name resembles the given name. Returns the best matches with a similarity score between 0 and 1.",
	Params: []tools.Param{
		{Name: "name", Description: "The (possibly misspelled or partial) project name.", Required: true},
	},
}

type projectMatch struct {
	ID          int     `json:"id"`
	ProjectName string  `json:"project_name"`
	Score       float64 `json:"score"`
}

func (h *handlers) findProject(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		Name string `json:"name"`
	}
	if err := tools.Bind(in, findProjectSpec, &args); err != nil {
		return nil, err
	}
	projects, err := h.Store.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	names := make([]string, len(projects))
	for i, p := range projects {
		names[i] = p.ProjectName
	}

	ranked := h.Matcher.Rank(args.Name, names)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("Project matching %q not found.", args.Name)
	}
	matches := make([]projectMatch, len(ranked))
	for i, c := range ranked {
		matches[i] = projectMatch{
			ID:          projects[c.Index].ID,
			ProjectName: c.Name,
			Score:       math.Round(c.Score*1000) / 1000,
		}
	}
	return map[string]any{"query": args.Name, "matches": matches}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// update_project_tasks
// ─────────────────────────────────────────────────────────────────────────────

var updateTasksSpec = tools.Spec{
	Name:        "update_project_tasks",
	Mutates:     true,
	Description: "Update the effort estimate tasks of a project according to a natural language request, e.g. \"add 20 hours of QA\" or \"remove the DevOps tasks\".",
	Params: []tools.Param{
		projectIDParam,
		{Name: "request", Description: "The change to apply to the estimate task list.", Required: true},
	},
}

// TaskChanges summarises the effect of an estimate update.
type TaskChanges struct {
	// HoursDelta maps every role whose total hours changed to the change.
	HoursDelta    map[string]float64 `json:"hours_delta"`
	PreviousHours float64            `json:"previous_hours"`
	NewHours      float64            `json:"new_hours"`
	PreviousCost  float64            `json:"previous_cost"`
	NewCost       float64            `json:"new_cost"`
}

// UpdateTasksResult is the payload of update_project_tasks.
type UpdateTasksResult struct {
	Success  bool                `json:"success"`
	NewTasks []store.ProjectTask `json:"newTasks"`
	Changes  TaskChanges         `json:"changes"`
}

func (h *handlers) updateTasks(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		ID      int    `json:"id"`
		Request string `json:"request"`
	}
	if err := tools.Bind(in, updateTasksSpec, &args); err != nil {
		return nil, err
	}
	p, err := h.project(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	var current []store.ProjectTask
	if st := p.Stage(store.StageEstimate); st != nil {
		current = st.Tasks
	}

	reply, err := h.complete(ctx, prompts.UpdateTasksPrompt(p.ProjectName, current, args.Request))
	if err != nil {
		return nil, err
	}
	var next []store.ProjectTask
	if err := prompts.ExtractJSON(reply, &next); err != nil {
		return nil, fmt.Errorf("parse updated tasks: %w", err)
	}
	if err := validateTasks(next); err != nil {
		return nil, err
	}

	updated, err := h.Store.UpdateStageTasks(ctx, p.ID, store.StageEstimate, next)
	if err != nil {
		return nil, fmt.Errorf("save tasks: %w", err)
	}
	saved := next
	if st := updated.Stage(store.StageEstimate); st != nil {
		saved = st.Tasks
	}
	return UpdateTasksResult{
		Success:  true,
		NewTasks: saved,
		Changes:  diffTasks(current, saved),
	}, nil
}

func validateTasks(tasks []store.ProjectTask) error {
	for i, t := range tasks {
		if _, ok := store.PersonnelRates[t.Role]; !ok {
			return fmt.Errorf("updated task %d has unknown role %q", i, t.Role)
		}
		if t.Hours < 0 || math.IsNaN(t.Hours) {
			return fmt.Errorf("updated task %d has invalid hours %v", i, t.Hours)
		}
	}
	return nil
}

func diffTasks(before, after []store.ProjectTask) TaskChanges {
	perRole := make(map[string]float64)
	var prevHours, newHours float64
	for _, t := range before {
		perRole[t.Role] -= t.Hours
		prevHours += t.Hours
	}
	for _, t := range after {
		perRole[t.Role] += t.Hours
		newHours += t.Hours
	}
	delta := make(map[string]float64)
	for role, d := range perRole {
		if d != 0 {
			delta[role] = d
		}
	}
	return TaskChanges{
		HoursDelta:    delta,
		PreviousHours: prevHours,
		NewHours:      newHours,
		PreviousCost:  store.TotalCost(before),
		NewCost:       store.TotalCost(after),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// get_project_documents
// ─────────────────────────────────────────────────────────────────────────────

var projectDocumentsSpec = tools.Spec{
	Name:        "get_project_documents",
	Description: "Read all documents attached to a project and return their text as one markdown overview.",
	Params:      []tools.Param{projectIDParam},
}

func (h *handlers) projectDocuments(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args projectArgs
	if err := tools.Bind(in, projectDocumentsSpec, &args); err != nil {
		return nil, err
	}
	if _, err := h.project(ctx, args.ID); err != nil {
		return nil, err
	}
	artifacts, err := h.Store.ListArtifacts(ctx, args.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return docreader.Overview(ctx, h.Docs, artifacts), nil
}
