package prompts

import (
	"fmt"
	"strings"

	"github.com/MrWong99/dealdesk/internal/store"
)

// AlignmentSystemPrompt frames the model for [ValidateAlignmentPrompt].
const AlignmentSystemPrompt = "You are an expert contract and project scope analyst. Provide concise, detailed analysis to help identify alignment issues between contracts and project estimates."

// AlignmentStages are the project stages an agreement is checked against, in
// the order they are rendered.
var AlignmentStages = []string{"architecture", "estimate"}

// ProjectScope renders the [AlignmentStages] of p that have content as
// markdown sections. Estimate tasks follow the stage content.
func ProjectScope(p *store.Project) string {
	var b strings.Builder
	for _, name := range AlignmentStages {
		st := p.Stage(name)
		if st == nil || strings.TrimSpace(st.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## %s\n\n%s", strings.ToUpper(name), st.Content)
		for _, t := range st.Tasks {
			fmt.Fprintf(&b, "\n- %s: %s (%g h)", t.Role, t.Description, t.Hours)
		}
	}
	return b.String()
}

// ValidateAlignmentPrompt asks the model to check agreement against the
// project scope rendered by [ProjectScope] and report gaps and conflicts.
func ValidateAlignmentPrompt(agreement, scope string) string {
	return fmt.Sprintf(`Review the agreement below against the project scope it is meant to cover.

# Agreement
%s

# Project Scope
%s

# Instructions
1. List deliverables or work in the project scope that the agreement does not cover
2. List obligations in the agreement that go beyond the project scope
3. Point out conflicts in timelines, effort, roles or payment terms
4. Finish with an overall assessment: aligned, partially aligned or misaligned

Keep each finding short and quote the relevant agreement clause where possible.`, agreement, strings.TrimSpace(scope))
}
