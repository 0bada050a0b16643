package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/dealdesk/internal/prompts"
	"github.com/MrWong99/dealdesk/internal/store"
	"github.com/MrWong99/dealdesk/internal/tools"
)

var rootIDParam = tools.Param{
	Name:        "root_id",
	Description: "The root_id shared by all versions of the contract.",
	Required:    true,
}

type rootArgs struct {
	RootID string `json:"root_id"`
}

// latest loads the newest version of a contract or reports it missing in the
// form the model sees.
func (h *handlers) latest(ctx context.Context, rootID string) (*store.Agreement, error) {
	a, err := h.Store.LatestAgreement(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("load contract %q: %w", rootID, err)
	}
	if a == nil {
		return nil, contractNotFound(rootID)
	}
	return a, nil
}

func contractNotFound(rootID string) error {
	return fmt.Errorf("Contract with root_id %s not found.", rootID)
}

// ─────────────────────────────────────────────────────────────────────────────
// get_contract_details
// ─────────────────────────────────────────────────────────────────────────────

var contractDetailsSpec = tools.Spec{
	Name:        "get_contract_details",
	Description: "Get the latest version of a contract, including its full text, notes and edits.",
	Params:      []tools.Param{rootIDParam},
}

func (h *handlers) contractDetails(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args rootArgs
	if err := tools.Bind(in, contractDetailsSpec, &args); err != nil {
		return nil, err
	}
	return h.latest(ctx, args.RootID)
}

// ─────────────────────────────────────────────────────────────────────────────
// get_contract_edits_summary
// ─────────────────────────────────────────────────────────────────────────────

var contractEditsSpec = tools.Spec{
	Name:        "get_contract_edits_summary",
	Description: "Summarise the version history of a contract: the edits and notes of every version.",
	Params:      []tools.Param{rootIDParam},
}

// VersionEdits is one entry of an edits history.
type VersionEdits struct {
	VersionNumber int          `json:"version_number"`
	CreatedAt     time.Time    `json:"created_at"`
	Edits         []store.Edit `json:"edits"`
	Notes         []string     `json:"notes"`
}

// EditsSummary is the payload of get_contract_edits_summary.
type EditsSummary struct {
	RootID        string         `json:"root_id"`
	AgreementName string         `json:"agreement_name"`
	TotalVersions int            `json:"total_versions"`
	EditsHistory  []VersionEdits `json:"edits_history"`
}

func (h *handlers) contractEdits(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args rootArgs
	if err := tools.Bind(in, contractEditsSpec, &args); err != nil {
		return nil, err
	}
	versions, err := h.Store.ListAgreementVersions(ctx, args.RootID)
	if err != nil {
		return nil, fmt.Errorf("list versions of %q: %w", args.RootID, err)
	}
	if len(versions) == 0 {
		return nil, contractNotFound(args.RootID)
	}

	history := make([]VersionEdits, len(versions))
	for i, v := range versions {
		history[i] = VersionEdits{
			VersionNumber: v.VersionNumber,
			CreatedAt:     v.CreatedAt,
			Edits:         nonNil(v.Edits),
			Notes:         nonNil(v.Notes),
		}
	}
	return EditsSummary{
		RootID:        args.RootID,
		AgreementName: versions[0].AgreementName,
		TotalVersions: len(versions),
		EditsHistory:  history,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// add_note_to_contract
// ─────────────────────────────────────────────────────────────────────────────

var addNoteSpec = tools.Spec{
	Name:        "add_note_to_contract",
	Mutates:     true,
	Description: "Add a note to the latest version of a contract.",
	Params: []tools.Param{
		rootIDParam,
		{Name: "note", Description: "The note to add.", Required: true},
	},
}

func (h *handlers) addNote(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		RootID string `json:"root_id"`
		Note   string `json:"note"`
	}
	if err := tools.Bind(in, addNoteSpec, &args); err != nil {
		return nil, err
	}
	a, err := h.Store.AddAgreementNote(ctx, args.RootID, args.Note)
	if err != nil {
		if isNotFound(err) {
			return nil, contractNotFound(args.RootID)
		}
		return nil, fmt.Errorf("add note: %w", err)
	}
	return map[string]any{
		"success":    true,
		"added_note": args.Note,
		"agreement":  a,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// create_new_contract
// ─────────────────────────────────────────────────────────────────────────────

var createContractSpec = tools.Spec{
	Name:        "create_new_contract",
	Mutates:     true,
	Description: "Draft a new contract for a project from the policy rules and example agreements of the contract type, and save it as version 1.",
	Params: []tools.Param{
		{Name: "project_id", Type: tools.TypeInteger, Description: "The numeric ID of the project the contract is for.", Required: true},
		{Name: "contract_type", Description: "The agreement type, e.g. MSA, SOW or NDA.", Required: true},
		{Name: "counterparty", Description: "The name of the other party, if known."},
	},
}

func (h *handlers) createContract(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		ProjectID    int    `json:"project_id"`
		ContractType string `json:"contract_type"`
		Counterparty string `json:"counterparty"`
	}
	if err := tools.Bind(in, createContractSpec, &args); err != nil {
		return nil, err
	}
	p, err := h.project(ctx, args.ProjectID)
	if err != nil {
		return nil, err
	}

	rules, err := h.Store.ListPolicies(ctx, args.ContractType, store.PolicyRule)
	if err != nil {
		return nil, fmt.Errorf("list policy rules: %w", err)
	}
	examples, err := h.Store.ListPolicies(ctx, args.ContractType, store.PolicyExample)
	if err != nil {
		return nil, fmt.Errorf("list policy examples: %w", err)
	}
	additional := fmt.Sprintf("This agreement is for the project %q.", p.ProjectName)
	text, err := h.complete(ctx, prompts.AgreementPrompt(args.ContractType, args.Counterparty, rules, examples, additional))
	if err != nil {
		return nil, err
	}

	projectID := p.ID
	a := &store.Agreement{
		RootID:        h.NewRootID(),
		VersionNumber: 1,
		Origin:        store.OriginInternal,
		Notes:         []string{},
		Edits:         []store.Edit{},
		AgreementName: fmt.Sprintf("%s - %s", args.ContractType, p.ProjectName),
		AgreementType: args.ContractType,
		CreatedBy:     p.CreatedBy,
		TextContent:   text,
		Counterparty:  args.Counterparty,
		ProjectID:     &projectID,
	}
	if err := h.Store.CreateAgreement(ctx, a); err != nil {
		return nil, fmt.Errorf("save contract: %w", err)
	}
	return map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("Created new %s contract from project %d", args.ContractType, p.ID),
		"agreement_id": a.ID,
		"root_id":      a.RootID,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// create_new_contract_version
// ─────────────────────────────────────────────────────────────────────────────

var createVersionSpec = tools.Spec{
	Name:        "create_new_contract_version",
	Mutates:     true,
	Description: "Apply a change request to the latest version of a contract and save the result as a new version.",
	Params: []tools.Param{
		rootIDParam,
		{Name: "command", Description: "The change to apply, e.g. \"extend payment terms to 60 days\".", Required: true},
	},
}

func (h *handlers) createVersion(ctx context.Context, in tools.Input, _ tools.Context) (any, error) {
	var args struct {
		RootID  string `json:"root_id"`
		Command string `json:"command"`
	}
	if err := tools.Bind(in, createVersionSpec, &args); err != nil {
		return nil, err
	}
	cur, err := h.latest(ctx, args.RootID)
	if err != nil {
		return nil, err
	}

	text, err := h.complete(ctx, prompts.ApplyCommandPrompt(cur.TextContent, args.Command))
	if err != nil {
		return nil, err
	}

	next := &store.Agreement{
		RootID:        cur.RootID,
		VersionNumber: cur.VersionNumber + 1,
		Origin:        cur.Origin,
		Notes:         []string{},
		Edits:         []store.Edit{{Old: cur.TextContent, New: text, Note: args.Command}},
		AgreementName: cur.AgreementName,
		AgreementType: cur.AgreementType,
		CreatedBy:     cur.CreatedBy,
		TextContent:   text,
		Counterparty:  cur.Counterparty,
		ProjectID:     cur.ProjectID,
	}
	if err := h.Store.CreateAgreement(ctx, next); err != nil {
		return nil, fmt.Errorf("save contract version: %w", err)
	}
	return map[string]any{
		"success":            true,
		"message":            fmt.Sprintf("Created version %d of contract %s", next.VersionNumber, cur.RootID),
		"new_version_number": next.VersionNumber,
		"command_applied":    args.Command,
	}, nil
}
