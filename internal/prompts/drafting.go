package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/dealdesk/internal/store"
)

// AgreementPrompt asks the model to draft a new agreement of agreementType
// for counterparty, following the given policy rules and example clauses.
func AgreementPrompt(agreementType, counterparty string, rules, examples []store.Policy, additional string) string {
	rulesText := joinPolicies(rules, func(p store.Policy) string {
		return fmt.Sprintf("- %s:\n%s", p.Title, p.Content)
	})
	if rulesText == "" {
		rulesText = "No specific policy rules provided."
	}
	examplesText := joinPolicies(examples, func(p store.Policy) string {
		return fmt.Sprintf("## %s\n%s", p.Title, p.Content)
	})
	if examplesText == "" {
		examplesText = "No example agreements provided."
	}
	if counterparty == "" {
		counterparty = "[PARTY B NAME]"
	}
	var extra string
	if additional != "" {
		extra = "\n- Additional Context: " + additional
	}

	return fmt.Sprintf(`You are an expert legal contract drafting assistant. Your task is to generate a professional %[1]s agreement.

# Context
- Agreement Type: %[1]s
- Counterparty: %[2]s%[3]s

# Policy Rules to Follow
These are the mandatory policy rules that must be incorporated into the agreement:

%[4]s

# Example Agreements for Reference
Use these examples as templates for structure and language, but adapt them based on the policy rules:

%[5]s

# Instructions
1. Draft a complete, professional %[1]s that incorporates all policy rules
2. Use clear, unambiguous legal language
3. Structure the agreement with appropriate sections (e.g., Definitions, Scope, Terms, Termination, etc.)
4. Ensure consistency with the example agreements' tone and structure
5. Include placeholders like [DATE], [PARTY A NAME], [PARTY B NAME] where specific information needs to be filled in
6. Make sure all policy rules are addressed in the appropriate sections

Generate the complete %[1]s agreement now:`,
		agreementType, counterparty, extra, rulesText, examplesText)
}

// ApplyCommandPrompt asks the model to rewrite original according to a free
// form editing command and return only the full updated text.
func ApplyCommandPrompt(original, command string) string {
	return fmt.Sprintf(`You are an expert legal document editor. Your task is to apply a requested change to an agreement to create a new version.

# Original Agreement
%s

# Requested Change
%s

# Instructions
1. Locate the parts of the agreement the requested change affects
2. Rewrite only those parts so the agreement fulfils the request
3. Maintain all other content unchanged
4. Preserve all section numbering, formatting, and structure

Respond with the complete updated agreement text only, without commentary:`, original, command)
}

// UpdateTasksPrompt asks the model to revise an effort estimate task list
// according to request and answer with a JSON array of tasks.
func UpdateTasksPrompt(projectName string, tasks []store.ProjectTask, request string) string {
	current, _ := json.MarshalIndent(tasks, "", "  ")
	if tasks == nil {
		current = []byte("[]")
	}
	roles := make([]string, len(store.Roles))
	for i, r := range store.Roles {
		roles[i] = fmt.Sprintf("- %s ($%.0f/h)", r, store.PersonnelRates[r])
	}

	return fmt.Sprintf(`You are an expert software project estimator. Update the effort estimate task list of the project "%s" according to the request below.

# Current Tasks
%s

# Available Roles
%s

# Request
%s

# Instructions
1. Apply the request to the task list; keep tasks the request does not affect unchanged
2. Only use roles from the list of available roles
3. Hours must be non-negative numbers

Respond with a JSON array only, in this exact format:
`+"```json"+`
[
  {"role": "Backend Dev", "description": "Task description", "hours": 40}
]
`+"```", projectName, current, strings.Join(roles, "\n"), request)
}

func joinPolicies(ps []store.Policy, render func(store.Policy) string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = render(p)
	}
	return strings.Join(parts, "\n\n")
}
