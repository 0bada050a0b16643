// Package store persists the projects, artifacts, agreements and policies the
// copilot tools operate on.
//
// Two implementations are provided: [MemStore] for tests and single-process
// development, and [PostgresStore] backed by pgx. Lookups of a single record
// return (nil, nil) when the record does not exist; mutations of a missing
// record return [ErrNotFound].
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by mutations that target a record which does not
// exist.
var ErrNotFound = errors.New("store: not found")

// Stage names, in workflow order.
const (
	StageArtifacts    = "artifacts"
	StageBusinessCase = "business_case"
	StageRequirements = "requirements"
	StageArchitecture = "architecture"
	StageEstimate     = "estimate"
	StageQuote        = "quote"
)

// Stages lists the workflow stages in order.
var Stages = []string{
	StageArtifacts,
	StageBusinessCase,
	StageRequirements,
	StageArchitecture,
	StageEstimate,
	StageQuote,
}

// Roles lists the estimate roles in display order.
var Roles = []string{
	"Backend Dev",
	"Frontend Dev",
	"SW Engineer",
	"SW Architect",
	"QA Engineer",
	"DevOps Engineer",
	"Project Manager",
	"Business Analyst",
}

// PersonnelRates maps an estimate role to its hourly rate in USD.
var PersonnelRates = map[string]float64{
	"Backend Dev":      150,
	"Frontend Dev":     120,
	"SW Engineer":      180,
	"SW Architect":     220,
	"QA Engineer":      100,
	"DevOps Engineer":  180,
	"Project Manager":  180,
	"Business Analyst": 85,
}

// Agreement origins.
const (
	OriginInternal = "internal"
	OriginExternal = "external"
)

// Policy kinds.
const (
	PolicyRule    = "rule"
	PolicyExample = "example"
)

// ProjectTask is one line of an effort estimate.
type ProjectTask struct {
	Role        string  `json:"role"`
	Description string  `json:"description"`
	Hours       float64 `json:"hours"`
}

// StageData is the content and approval state of one workflow stage.
type StageData struct {
	Name       string        `json:"name"`
	Content    string        `json:"content"`
	ApprovedBy string        `json:"approved_by"`
	Approved   bool          `json:"approved"`
	UpdatedAt  *time.Time    `json:"updated_at"`
	Tasks      []ProjectTask `json:"tasks,omitempty"`
}

// Project is an estimation project moving through the workflow stages.
type Project struct {
	ID          int         `json:"id"`
	ProjectName string      `json:"project_name"`
	CreatedBy   string      `json:"created_by"`
	SData       []StageData `json:"sdata"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Stage returns the stage with the given name, or nil.
func (p *Project) Stage(name string) *StageData {
	for i := range p.SData {
		if p.SData[i].Name == name {
			return &p.SData[i]
		}
	}
	return nil
}

// Artifact is a file attached to a project.
type Artifact struct {
	ID        int    `json:"id"`
	ProjectID int    `json:"project_id"`
	FileName  string `json:"file_name"`
	FileURL   string `json:"file_url"`
}

// Edit records one change applied to produce an agreement version.
type Edit struct {
	Old  string `json:"old"`
	New  string `json:"new"`
	Note string `json:"note"`
}

// Agreement is one version of a contract. All versions of the same contract
// share a RootID.
type Agreement struct {
	ID            int       `json:"id"`
	RootID        string    `json:"root_id"`
	VersionNumber int       `json:"version_number"`
	Origin        string    `json:"origin"`
	Notes         []string  `json:"notes"`
	Edits         []Edit    `json:"edits"`
	AgreementName string    `json:"agreement_name"`
	AgreementType string    `json:"agreement_type"`
	CreatedBy     string    `json:"created_by"`
	TextContent   string    `json:"text_content"`
	Counterparty  string    `json:"counterparty"`
	ProjectID     *int      `json:"project_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Policy is a drafting rule or example clause for one agreement type.
type Policy struct {
	ID            int    `json:"id"`
	PolicyType    string `json:"policy_type"`
	AgreementType string `json:"agreement_type"`
	Title         string `json:"title"`
	Content       string `json:"content"`
}

// Store is the persistence interface used by the copilot tools and HTTP views.
// Implementations must be safe for concurrent use.
type Store interface {
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, id int) (*Project, error)
	// CreateProject assigns ID and timestamps, and fills SData with
	// [EmptyStages] when it is empty.
	CreateProject(ctx context.Context, p *Project) error
	UpdateProject(ctx context.Context, p *Project) error
	DeleteProject(ctx context.Context, id int) (bool, error)
	// UpdateStageTasks replaces the task list of one stage in a single write
	// and returns the updated project.
	UpdateStageTasks(ctx context.Context, projectID int, stage string, tasks []ProjectTask) (*Project, error)

	ListArtifacts(ctx context.Context, projectID int) ([]Artifact, error)
	CreateArtifact(ctx context.Context, a *Artifact) error

	// ListAgreements returns the latest version of every agreement.
	ListAgreements(ctx context.Context) ([]Agreement, error)
	GetAgreement(ctx context.Context, id int) (*Agreement, error)
	// ListAgreementVersions returns all versions of rootID, newest first.
	ListAgreementVersions(ctx context.Context, rootID string) ([]Agreement, error)
	LatestAgreement(ctx context.Context, rootID string) (*Agreement, error)
	CreateAgreement(ctx context.Context, a *Agreement) error
	// AddAgreementNote appends note to the latest version of rootID in a
	// single write and returns that version.
	AddAgreementNote(ctx context.Context, rootID, note string) (*Agreement, error)
	DeleteAgreement(ctx context.Context, id int) (bool, error)

	// ListPolicies filters by agreement and policy type; empty filters match
	// everything.
	ListPolicies(ctx context.Context, agreementType, policyType string) ([]Policy, error)
	CreatePolicy(ctx context.Context, p *Policy) error

	Ping(ctx context.Context) error
}

// EmptyStages returns the initial stage list of a new project. Only the
// estimate stage carries a (empty) task list.
func EmptyStages() []StageData {
	out := make([]StageData, len(Stages))
	for i, name := range Stages {
		out[i] = StageData{Name: name}
		if name == StageEstimate {
			out[i].Tasks = []ProjectTask{}
		}
	}
	return out
}

// TotalCost prices tasks at [PersonnelRates]. Unknown roles cost nothing.
func TotalCost(tasks []ProjectTask) float64 {
	var total float64
	for _, t := range tasks {
		total += t.Hours * PersonnelRates[t.Role]
	}
	return total
}
