// Package builtin provides the copilot's built-in tools: project lookup and
// estimate maintenance, project document overviews, and agreement drafting,
// versioning and annotation.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/dealdesk/internal/docreader"
	"github.com/MrWong99/dealdesk/internal/namematch"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
	"github.com/MrWong99/dealdesk/pkg/provider/llm"
	"github.com/MrWong99/dealdesk/pkg/types"
)

// Generation settings for the tools' own non-streaming model calls. Drafting
// whole agreements needs a larger budget than chat turns.
const (
	draftTemperature = 0.2
	draftMaxTokens   = 8192
)

// Deps are the collaborators of the built-in tools. Store is required; tools
// whose collaborator is nil are not registered.
type Deps struct {
	Store store.Store

	// LLM serves update_project_tasks, create_new_contract and
	// create_new_contract_version.
	LLM llm.Provider

	// Docs serves get_project_documents.
	Docs docreader.TextReader

	// NewRootID generates agreement root ids. Defaults to [ShortID].
	NewRootID func() string

	// Matcher ranks projects for find_project_by_name. Defaults to
	// namematch.New().
	Matcher *namematch.Matcher
}

// New returns the built-in tools wired to deps, in registration order.
func New(deps Deps) []tools.Tool {
	if deps.NewRootID == nil {
		deps.NewRootID = ShortID
	}
	if deps.Matcher == nil {
		deps.Matcher = namematch.New(namematch.WithLimit(5))
	}
	h := &handlers{Deps: deps}

	out := []tools.Tool{
		{Spec: weatherSpec, Execute: checkWeather},
		{Spec: projectDetailsSpec, Execute: h.projectDetails},
		{Spec: findProjectSpec, Execute: h.findProject},
	}
	if deps.LLM != nil {
		out = append(out, tools.Tool{Spec: updateTasksSpec, Execute: h.updateTasks})
	}
	if deps.Docs != nil {
		out = append(out, tools.Tool{Spec: projectDocumentsSpec, Execute: h.projectDocuments})
	}
	out = append(out,
		tools.Tool{Spec: contractDetailsSpec, Execute: h.contractDetails},
		tools.Tool{Spec: contractEditsSpec, Execute: h.contractEdits},
		tools.Tool{Spec: addNoteSpec, Execute: h.addNote},
	)
	if deps.LLM != nil {
		out = append(out,
			tools.Tool{Spec: createContractSpec, Execute: h.createContract},
			tools.Tool{Spec: createVersionSpec, Execute: h.createVersion},
		)
	}
	return out
}

// ShortID returns the first eight hex digits of a random UUID.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

type handlers struct {
	Deps
}

// complete sends a single-turn prompt through the non-streaming API.
func (h *handlers) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := h.LLM.Complete(ctx, llm.CompletionRequest{
		Messages:    []types.Message{types.UserText(prompt)},
		Temperature: draftTemperature,
		MaxTokens:   draftMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("llm returned an empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// check_the_weather
// ─────────────────────────────────────────────────────────────────────────────

var weatherSpec = tools.Spec{
	Name:        "check_the_weather",
	Description: "Check the weather for a specific zip code.",
	Params: []tools.Param{
		{Name: "zip", Description: "The zip code to check the weather for.", Required: true},
	},
}

func checkWeather(_ context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		Zip string `json:"zip"`
	}
	if err := tools.Bind(in, weatherSpec, &args); err != nil {
		return nil, err
	}
	return "The weather is 67 degrees and sunny.", nil
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
