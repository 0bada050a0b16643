package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Records are copied on the way in and out, so callers never share state with
// the store. The zero value is ready to use.
type MemStore struct {
	mu         sync.RWMutex
	projects   map[int]Project
	artifacts  map[int]Artifact
	agreements map[int]Agreement
	policies   map[int]Policy
	nextID     int

	// now is overridable in tests.
	now func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	s := &MemStore{}
	s.init()
	return s
}

// init lazily allocates maps. Callers must hold mu for writing.
func (s *MemStore) init() {
	if s.projects == nil {
		s.projects = make(map[int]Project)
		s.artifacts = make(map[int]Artifact)
		s.agreements = make(map[int]Agreement)
		s.policies = make(map[int]Policy)
	}
}

func (s *MemStore) id() int {
	s.nextID++
	return s.nextID
}

func (s *MemStore) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// ─────────────────────────────────────────────────────────────────────────────
// Projects
// ─────────────────────────────────────────────────────────────────────────────

// ListProjects implements [Store.ListProjects]. Projects are ordered by ID.
func (s *MemStore) ListProjects(_ context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	slices.SortFunc(out, func(a, b Project) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// GetProject implements [Store.GetProject].
func (s *MemStore) GetProject(_ context.Context, id int) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	c := cloneProject(p)
	return &c, nil
}

// CreateProject implements [Store.CreateProject].
func (s *MemStore) CreateProject(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	p.ID = s.id()
	p.CreatedAt = s.clock()
	p.UpdatedAt = p.CreatedAt
	if len(p.SData) == 0 {
		p.SData = EmptyStages()
	}
	s.projects[p.ID] = cloneProject(*p)
	return nil
}

// UpdateProject implements [Store.UpdateProject].
func (s *MemStore) UpdateProject(_ context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.projects[p.ID]
	if !ok {
		return fmt.Errorf("store: update project %d: %w", p.ID, ErrNotFound)
	}
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = s.clock()
	s.projects[p.ID] = cloneProject(*p)
	return nil
}

// DeleteProject implements [Store.DeleteProject]. Artifacts of the project
// are removed with it.
func (s *MemStore) DeleteProject(_ context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return false, nil
	}
	delete(s.projects, id)
	for aid, a := range s.artifacts {
		if a.ProjectID == id {
			delete(s.artifacts, aid)
		}
	}
	return true, nil
}

// UpdateStageTasks implements [Store.UpdateStageTasks].
func (s *MemStore) UpdateStageTasks(_ context.Context, projectID int, stage string, tasks []ProjectTask) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("store: update tasks of project %d: %w", projectID, ErrNotFound)
	}
	p = cloneProject(p)
	st := p.Stage(stage)
	if st == nil {
		return nil, fmt.Errorf("store: update tasks of project %d: stage %q: %w", projectID, stage, ErrNotFound)
	}
	now := s.clock()
	st.Tasks = slices.Clone(tasks)
	if st.Tasks == nil {
		st.Tasks = []ProjectTask{}
	}
	st.UpdatedAt = &now
	p.UpdatedAt = now
	s.projects[projectID] = p

	c := cloneProject(p)
	return &c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Artifacts
// ─────────────────────────────────────────────────────────────────────────────

// ListArtifacts implements [Store.ListArtifacts]. Artifacts are ordered by ID.
func (s *MemStore) ListArtifacts(_ context.Context, projectID int) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Artifact
	for _, a := range s.artifacts {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Artifact) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateArtifact implements [Store.CreateArtifact].
func (s *MemStore) CreateArtifact(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	a.ID = s.id()
	s.artifacts[a.ID] = *a
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Agreements
// ─────────────────────────────────────────────────────────────────────────────

// ListAgreements implements [Store.ListAgreements], newest first.
func (s *MemStore) ListAgreements(_ context.Context) ([]Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]Agreement)
	for _, a := range s.agreements {
		if cur, ok := latest[a.RootID]; !ok || a.VersionNumber > cur.VersionNumber {
			latest[a.RootID] = a
		}
	}
	out := make([]Agreement, 0, len(latest))
	for _, a := range latest {
		out = append(out, cloneAgreement(a))
	}
	slices.SortFunc(out, func(a, b Agreement) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

// GetAgreement implements [Store.GetAgreement].
func (s *MemStore) GetAgreement(_ context.Context, id int) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agreements[id]
	if !ok {
		return nil, nil
	}
	c := cloneAgreement(a)
	return &c, nil
}

// ListAgreementVersions implements [Store.ListAgreementVersions].
func (s *MemStore) ListAgreementVersions(_ context.Context, rootID string) ([]Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions(rootID), nil
}

// versions returns copies of rootID's versions, newest first. Callers must
// hold mu.
func (s *MemStore) versions(rootID string) []Agreement {
	var out []Agreement
	for _, a := range s.agreements {
		if a.RootID == rootID {
			out = append(out, cloneAgreement(a))
		}
	}
	slices.SortFunc(out, func(a, b Agreement) int { return cmp.Compare(b.VersionNumber, a.VersionNumber) })
	return out
}

// LatestAgreement implements [Store.LatestAgreement].
func (s *MemStore) LatestAgreement(_ context.Context, rootID string) (*Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.versions(rootID)
	if len(vs) == 0 {
		return nil, nil
	}
	return &vs[0], nil
}

// CreateAgreement implements [Store.CreateAgreement]. A (root_id,
// version_number) pair may only be stored once.
func (s *MemStore) CreateAgreement(_ context.Context, a *Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	for _, cur := range s.agreements {
		if cur.RootID == a.RootID && cur.VersionNumber == a.VersionNumber {
			return fmt.Errorf("store: agreement %q version %d already exists", a.RootID, a.VersionNumber)
		}
	}
	a.ID = s.id()
	a.CreatedAt = s.clock()
	if a.Origin == "" {
		a.Origin = OriginInternal
	}
	s.agreements[a.ID] = cloneAgreement(*a)
	return nil
}

// AddAgreementNote implements [Store.AddAgreementNote].
func (s *MemStore) AddAgreementNote(_ context.Context, rootID, note string) (*Agreement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.versions(rootID)
	if len(vs) == 0 {
		return nil, fmt.Errorf("store: add note to %q: %w", rootID, ErrNotFound)
	}
	latest := vs[0]
	latest.Notes = append(latest.Notes, note)
	s.agreements[latest.ID] = latest

	c := cloneAgreement(latest)
	return &c, nil
}

// DeleteAgreement implements [Store.DeleteAgreement].
func (s *MemStore) DeleteAgreement(_ context.Context, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agreements[id]; !ok {
		return false, nil
	}
	delete(s.agreements, id)
	return true, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Policies
// ─────────────────────────────────────────────────────────────────────────────

// ListPolicies implements [Store.ListPolicies]. Policies are ordered by ID.
func (s *MemStore) ListPolicies(_ context.Context, agreementType, policyType string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Policy
	for _, p := range s.policies {
		if agreementType != "" && p.AgreementType != agreementType {
			continue
		}
		if policyType != "" && p.PolicyType != policyType {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Policy) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreatePolicy implements [Store.CreatePolicy].
func (s *MemStore) CreatePolicy(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	p.ID = s.id()
	s.policies[p.ID] = *p
	return nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// ─────────────────────────────────────────────────────────────────────────────
// Copy helpers
// ─────────────────────────────────────────────────────────────────────────────

func cloneProject(p Project) Project {
	p.SData = slices.Clone(p.SData)
	for i := range p.SData {
		p.SData[i].Tasks = slices.Clone(p.SData[i].Tasks)
		if t := p.SData[i].UpdatedAt; t != nil {
			tc := *t
			p.SData[i].UpdatedAt = &tc
		}
	}
	return p
}

func cloneAgreement(a Agreement) Agreement {
	a.Notes = slices.Clone(a.Notes)
	a.Edits = slices.Clone(a.Edits)
	if a.ProjectID != nil {
		id := *a.ProjectID
		a.ProjectID = &id
	}
	return a
}
