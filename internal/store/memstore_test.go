package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestEmptyStages(t *testing.T) {
	t.Parallel()

	stages := EmptyStages()
	if len(stages) != 6 {
		t.Fatalf("len = %d, want 6", len(stages))
	}
	for i, st := range stages {
		if st.Name != Stages[i] {
			t.Errorf("stages[%d].Name = %q, want %q", i, st.Name, Stages[i])
		}
		if st.Name == StageEstimate {
			if st.Tasks == nil {
				t.Error("estimate stage should carry an empty task list")
			}
		} else if st.Tasks != nil {
			t.Errorf("stage %q should have nil tasks", st.Name)
		}
	}
}

func TestTotalCost(t *testing.T) {
	t.Parallel()

	got := TotalCost([]ProjectTask{
		{Role: "Backend Dev", Hours: 10},      // 1500
		{Role: "Business Analyst", Hours: 2},  // 170
		{Role: "Astronaut", Hours: 100},       // unknown role
		{Role: "SW Architect", Hours: 0.5},    // 110
	})
	if got != 1780 {
		t.Errorf("TotalCost = %v, want 1780", got)
	}
}

func TestMemStore_ZeroValue(t *testing.T) {
	t.Parallel()

	var s MemStore
	ctx := context.Background()

	p, err := s.GetProject(ctx, 1)
	if err != nil || p != nil {
		t.Fatalf("GetProject on empty store = %v, %v; want nil, nil", p, err)
	}
	if err := s.CreateProject(ctx, &Project{ProjectName: "x"}); err != nil {
		t.Fatalf("CreateProject on zero value: %v", err)
	}
}

func TestMemStore_Projects(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	p := &Project{ProjectName: "Billing Revamp", CreatedBy: "dana"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	if p.ID == 0 {
		t.Fatal("CreateProject did not assign an ID")
	}
	if len(p.SData) != len(Stages) {
		t.Errorf("SData len = %d, want %d", len(p.SData), len(Stages))
	}

	// Returned records are copies.
	got, _ := s.GetProject(ctx, p.ID)
	got.ProjectName = "mutated"
	got.SData[0].Content = "mutated"
	again, _ := s.GetProject(ctx, p.ID)
	if again.ProjectName != "Billing Revamp" || again.SData[0].Content != "" {
		t.Error("store state leaked through returned project")
	}

	again.ProjectName = "Billing Revamp v2"
	if err := s.UpdateProject(ctx, again); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListProjects(ctx)
	if len(list) != 1 || list[0].ProjectName != "Billing Revamp v2" {
		t.Errorf("ListProjects = %+v", list)
	}

	if err := s.UpdateProject(ctx, &Project{ID: 999}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateProject(missing) err = %v, want ErrNotFound", err)
	}

	ok, err := s.DeleteProject(ctx, p.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteProject = %v, %v", ok, err)
	}
	ok, _ = s.DeleteProject(ctx, p.ID)
	if ok {
		t.Error("second DeleteProject should report false")
	}
}

func TestMemStore_UpdateStageTasks(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	p := &Project{ProjectName: "P"}
	_ = s.CreateProject(ctx, p)

	tasks := []ProjectTask{{Role: "QA Engineer", Description: "Regression", Hours: 8}}
	updated, err := s.UpdateStageTasks(ctx, p.ID, StageEstimate, tasks)
	if err != nil {
		t.Fatal(err)
	}
	st := updated.Stage(StageEstimate)
	if len(st.Tasks) != 1 || st.Tasks[0].Hours != 8 {
		t.Errorf("tasks = %+v", st.Tasks)
	}
	if st.UpdatedAt == nil {
		t.Error("stage UpdatedAt not set")
	}

	tasks[0].Hours = 99
	stored, _ := s.GetProject(ctx, p.ID)
	if stored.Stage(StageEstimate).Tasks[0].Hours != 8 {
		t.Error("caller slice aliased into store")
	}

	if _, err := s.UpdateStageTasks(ctx, 42, StageEstimate, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing project err = %v", err)
	}
	if _, err := s.UpdateStageTasks(ctx, p.ID, "nope", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing stage err = %v", err)
	}
}

func TestMemStore_Artifacts(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	p := &Project{ProjectName: "P"}
	_ = s.CreateProject(ctx, p)

	for _, name := range []string{"brief.pdf", "notes.md"} {
		if err := s.CreateArtifact(ctx, &Artifact{ProjectID: p.ID, FileName: name, FileURL: "/files/" + name}); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.CreateArtifact(ctx, &Artifact{ProjectID: p.ID + 100, FileName: "other.txt"})

	arts, _ := s.ListArtifacts(ctx, p.ID)
	if len(arts) != 2 || arts[0].FileName != "brief.pdf" || arts[1].FileName != "notes.md" {
		t.Errorf("ListArtifacts = %+v", arts)
	}

	_, _ = s.DeleteProject(ctx, p.ID)
	arts, _ = s.ListArtifacts(ctx, p.ID)
	if len(arts) != 0 {
		t.Errorf("artifacts survived project delete: %+v", arts)
	}
}

func TestMemStore_Agreements(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()

	v1 := &Agreement{RootID: "ab12cd34", VersionNumber: 1, AgreementName: "MSA", TextContent: "v1"}
	v2 := &Agreement{RootID: "ab12cd34", VersionNumber: 2, AgreementName: "MSA", TextContent: "v2"}
	other := &Agreement{RootID: "zz", VersionNumber: 1, TextContent: "z"}
	for _, a := range []*Agreement{v1, v2, other} {
		if err := s.CreateAgreement(ctx, a); err != nil {
			t.Fatal(err)
		}
	}
	if v1.Origin != OriginInternal {
		t.Errorf("Origin default = %q, want internal", v1.Origin)
	}
	if err := s.CreateAgreement(ctx, &Agreement{RootID: "ab12cd34", VersionNumber: 2}); err == nil {
		t.Error("duplicate version should fail")
	}

	latest, _ := s.LatestAgreement(ctx, "ab12cd34")
	if latest == nil || latest.VersionNumber != 2 {
		t.Fatalf("LatestAgreement = %+v", latest)
	}
	if a, _ := s.LatestAgreement(ctx, "missing"); a != nil {
		t.Error("LatestAgreement(missing) should be nil")
	}

	vs, _ := s.ListAgreementVersions(ctx, "ab12cd34")
	if len(vs) != 2 || vs[0].VersionNumber != 2 || vs[1].VersionNumber != 1 {
		t.Errorf("versions not newest first: %+v", vs)
	}

	all, _ := s.ListAgreements(ctx)
	if len(all) != 2 {
		t.Errorf("ListAgreements returned %d, want one per root", len(all))
	}

	noted, err := s.AddAgreementNote(ctx, "ab12cd34", "check liability cap")
	if err != nil {
		t.Fatal(err)
	}
	if noted.VersionNumber != 2 || len(noted.Notes) != 1 {
		t.Errorf("note landed on %+v", noted)
	}
	first, _ := s.GetAgreement(ctx, v1.ID)
	if len(first.Notes) != 0 {
		t.Error("note must only touch the latest version")
	}
	if _, err := s.AddAgreementNote(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddAgreementNote(missing) err = %v", err)
	}

	if ok, _ := s.DeleteAgreement(ctx, other.ID); !ok {
		t.Error("DeleteAgreement should report true")
	}
}

func TestMemStore_AddNoteConcurrent(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	_ = s.CreateAgreement(ctx, &Agreement{RootID: "r", VersionNumber: 1})

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AddAgreementNote(ctx, "r", "note")
		}()
	}
	wg.Wait()

	a, _ := s.LatestAgreement(ctx, "r")
	if len(a.Notes) != n {
		t.Errorf("notes = %d, want %d (lost update)", len(a.Notes), n)
	}
}

func TestMemStore_Policies(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	ctx := context.Background()
	for _, p := range []*Policy{
		{PolicyType: PolicyRule, AgreementType: "NDA", Title: "Term"},
		{PolicyType: PolicyExample, AgreementType: "NDA", Title: "Sample"},
		{PolicyType: PolicyRule, AgreementType: "MSA", Title: "Cap"},
	} {
		_ = s.CreatePolicy(ctx, p)
	}

	tests := []struct {
		agreementType, policyType string
		want                      int
	}{
		{"", "", 3},
		{"NDA", "", 2},
		{"NDA", PolicyRule, 1},
		{"", PolicyRule, 2},
		{"SOW", "", 0},
	}
	for _, tt := range tests {
		got, _ := s.ListPolicies(ctx, tt.agreementType, tt.policyType)
		if len(got) != tt.want {
			t.Errorf("ListPolicies(%q, %q) = %d, want %d", tt.agreementType, tt.policyType, len(got), tt.want)
		}
	}
}
