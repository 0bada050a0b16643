package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func noop(context.Context, Input, Context) (any, error) { return "ok", nil }

func TestSpec_Schema(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name: "get_project_details",
		Params: []Param{
			{Name: "id", Type: TypeInteger, Description: "Project ID", Required: true},
			{Name: "verbose", Type: TypeBoolean},
			{Name: "note"},
		},
	}
	s := spec.Schema()

	if s["type"] != "object" {
		t.Errorf("type = %v, want object", s["type"])
	}
	props := s["properties"].(map[string]any)
	if len(props) != 3 {
		t.Fatalf("len(properties) = %d, want 3", len(props))
	}
	id := props["id"].(map[string]any)
	if id["type"] != TypeInteger || id["description"] != "Project ID" {
		t.Errorf("properties.id = %v", id)
	}
	note := props["note"].(map[string]any)
	if note["type"] != TypeString {
		t.Errorf("untyped param defaults to %v, want string", note["type"])
	}
	if _, ok := note["description"]; ok {
		t.Error("empty description should be omitted")
	}
	if diff := cmp.Diff([]string{"id"}, s["required"]); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
}

func TestSpec_Definition(t *testing.T) {
	t.Parallel()

	def := Spec{Name: "check_the_weather", Description: "Weather by zip"}.Definition()
	if def.Name != "check_the_weather" || def.Description != "Weather by zip" {
		t.Errorf("Definition() = %+v", def)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v", def.Parameters)
	}
}

func TestSpec_InputSchemaOverride(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"type": "object", "properties": map[string]any{"q": map[string]any{"type": "string"}}}
	s := Spec{Name: "search", Params: []Param{{Name: "ignored"}}, InputSchema: raw}
	if diff := cmp.Diff(raw, s.Schema()); diff != "" {
		t.Errorf("Schema() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tools   []Tool
		wantErr []string
	}{
		{
			name:  "empty registry",
			tools: nil,
		},
		{
			name: "valid",
			tools: []Tool{
				{Spec: Spec{Name: "a"}, Execute: noop},
				{Spec: Spec{Name: "b"}, Execute: noop},
			},
		},
		{
			name: "duplicate",
			tools: []Tool{
				{Spec: Spec{Name: "a"}, Execute: noop},
				{Spec: Spec{Name: "a"}, Execute: noop},
			},
			wantErr: []string{`duplicate tool name "a"`},
		},
		{
			name: "all problems joined",
			tools: []Tool{
				{Spec: Spec{Name: ""}, Execute: noop},
				{Spec: Spec{Name: "x"}},
			},
			wantErr: []string{"name must not be empty", `tool "x": executor must not be nil`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRegistry(tt.tools...)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if r.Len() != len(tt.tools) {
					t.Errorf("Len() = %d, want %d", r.Len(), len(tt.tools))
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not contain %q", err, want)
				}
			}
		})
	}
}

func TestRegistry_LookupAndOrder(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(
		Tool{Spec: Spec{Name: "zeta"}, Execute: noop},
		Tool{Spec: Spec{Name: "alpha"}, Execute: noop},
		Tool{Spec: Spec{Name: "mid"}, Execute: noop},
	)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"zeta", "alpha", "mid"}, r.Names()); diff != "" {
		t.Errorf("Names() not in registration order (-want +got):\n%s", diff)
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "zeta" || defs[2].Name != "mid" {
		t.Errorf("Definitions() = %+v", defs)
	}

	if _, ok := r.Lookup("alpha"); !ok {
		t.Error("Lookup(alpha) not found")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}

	var nilReg *Registry
	if _, ok := nilReg.Lookup("alpha"); ok {
		t.Error("nil registry Lookup should fail")
	}
	if nilReg.Definitions() != nil {
		t.Error("nil registry Definitions should be nil")
	}
}

func TestBind(t *testing.T) {
	t.Parallel()

	spec := Spec{
		Name: "update_project_tasks",
		Params: []Param{
			{Name: "id", Type: TypeInteger, Required: true},
			{Name: "request", Type: TypeString, Required: true},
			{Name: "counterparty", Type: TypeString},
		},
	}
	type args struct {
		ID           int    `json:"id"`
		Request      string `json:"request"`
		Counterparty string `json:"counterparty"`
	}

	t.Run("numbers decode", func(t *testing.T) {
		t.Parallel()
		var a args
		if err := Bind(Input{"id": float64(7), "request": "add QA"}, spec, &a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.ID != 7 || a.Request != "add QA" {
			t.Errorf("got %+v", a)
		}
	})

	t.Run("numeric string coerced", func(t *testing.T) {
		t.Parallel()
		var a args
		if err := Bind(Input{"id": "12", "request": "x"}, spec, &a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.ID != 12 {
			t.Errorf("ID = %d, want 12", a.ID)
		}
	})

	t.Run("non-numeric string rejected", func(t *testing.T) {
		t.Parallel()
		var a args
		err := Bind(Input{"id": "twelve", "request": "x"}, spec, &a)
		if err == nil || !strings.Contains(err.Error(), `parameter "id" must be an integer`) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("missing required reported together", func(t *testing.T) {
		t.Parallel()
		var a args
		err := Bind(Input{}, spec, &a)
		if err == nil {
			t.Fatal("expected error")
		}
		for _, want := range []string{"update_project_tasks:", `"id"`, `"request"`} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not contain %q", err, want)
			}
		}
		if strings.Contains(err.Error(), "counterparty") {
			t.Errorf("optional param reported: %q", err)
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		t.Parallel()
		in := Input{"id": "3", "request": "x"}
		var a args
		if err := Bind(in, spec, &a); err != nil {
			t.Fatal(err)
		}
		if in["id"] != "3" {
			t.Errorf("input mutated: %v", in["id"])
		}
	})
}
