// Package prompts builds the text the copilot sends to the model: the
// grounding system prompt for tool-enabled conversations and the one-shot
// prompts tools use for drafting agreements and re-estimating tasks.
package prompts

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
)

// ProjectLister is the subset of [store.Store] the [Grounder] needs.
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]store.Project, error)
}

// Grounder renders the copilot system prompt from the current project list
// and the caller's active selection.
type Grounder struct {
	projects ProjectLister
}

// NewGrounder returns a Grounder reading projects from pl.
func NewGrounder(pl ProjectLister) *Grounder {
	return &Grounder{projects: pl}
}

// Ground returns the system prompt for a tool-enabled conversation.
func (g *Grounder) Ground(ctx context.Context, tc tools.Context) (string, error) {
	projects, err := g.projects.ListProjects(ctx)
	if err != nil {
		return "", fmt.Errorf("prompts: list projects: %w", err)
	}
	return CopilotSystemPrompt(projects, tc), nil
}

// CopilotSystemPrompt renders the grounding prompt for the given projects and
// selection.
func CopilotSystemPrompt(projects []store.Project, tc tools.Context) string {
	var list string
	if len(projects) == 0 {
		list = "There are no existing projects."
	} else {
		lines := make([]string, len(projects))
		for i, p := range projects {
			lines[i] = fmt.Sprintf("- %s (project ID %d), created by %s", p.ProjectName, p.ID, p.CreatedBy)
		}
		list = strings.Join(lines, "\n")
	}

	active := "There is no current active project selected."
	if tc.ActiveProjectID != 0 {
		active = fmt.Sprintf("The current active selected project is: project ID %d", tc.ActiveProjectID)
	}

	agreement := "There is no current active agreement selected."
	if tc.ActiveAgreementRootID != "" {
		agreement = fmt.Sprintf("The current active selected agreement is: root_id %s", tc.ActiveAgreementRootID)
	}

	return fmt.Sprintf(`# Overview

You are an AI copilot designed to assist with contract analysis and project planning, effort, quotes, and pricing estimates.

## Project overview

Here are the existing projects we're currently evaluating for pricing estimates and planning:

%s

## Current active project

%s

## Current active agreement

%s

## Instructions

- The user might ask about the currently selected project, or they may ask about other existing projects.
- If they ask about the current active project, or ask about a project but don't specify which project, assume they are referring to the current active project.
- If they ask about a specific project by name or project ID, fetch that project's information using the project ID.
- If they ask about "the contract" or "the agreement" without naming one, assume they mean the current active agreement.`,
		list, active, agreement)
}
