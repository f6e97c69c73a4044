package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestDecodeTaskContext(t *testing.T) {
	reg := newRegistry(t)

	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"empty", "", false},
		{"full", `{"phase":2,"inputs":{"repo":"acme/web"},"files":["main.go"],"acceptance_criteria":"tests pass"}`, false},
		{"unknown field", `{"colour":"blue"}`, true},
		{"wrong input type", `{"inputs":{"n":3}}`, true},
		{"negative phase", `{"phase":-1}`, true},
		{"not json", `{phase:`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := reg.DecodeTaskContext([]byte(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, models.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.name == "full" && (tc.Phase != 2 || tc.Inputs["repo"] != "acme/web") {
				t.Errorf("decoded context = %+v", tc)
			}
		})
	}
}

func TestDecodePlan(t *testing.T) {
	reg := newRegistry(t)

	doc, err := reg.DecodePlan([]byte(`{"tasks":[
		{"key":"build","role":"builder","title":"Build it"},
		{"key":"check","role":"checker","title":"Check it","depends_on":["build"]}
	]}`))
	if err != nil {
		t.Fatalf("DecodePlan: %v", err)
	}
	if len(doc.Tasks) != 2 || doc.Tasks[1].DependsOn[0] != "build" {
		t.Errorf("plan = %+v", doc)
	}
}

func TestDecodePlan_Rejects(t *testing.T) {
	reg := newRegistry(t)

	tests := map[string]string{
		"no tasks":      `{"tasks":[]}`,
		"missing title": `{"tasks":[{"key":"a"}]}`,
		"missing key":   `{"tasks":[{"title":"A"}]}`,
		"extra field":   `{"tasks":[{"key":"a","title":"A","priority":1}]}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := reg.DecodePlan([]byte(raw))
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidateValue(t *testing.T) {
	reg := newRegistry(t)

	if err := reg.ValidateValue(TaskContextSchema, models.TaskContext{Files: []string{"a.go"}}); err != nil {
		t.Errorf("valid context rejected: %v", err)
	}
	if err := reg.ValidateValue("nope.json", nil); err == nil || !strings.Contains(err.Error(), "unknown schema") {
		t.Errorf("expected unknown schema error, got %v", err)
	}
}

func TestSchemaText(t *testing.T) {
	reg := newRegistry(t)
	data, ok := reg.Schema(PlanSchema)
	if !ok {
		t.Fatal("plan schema missing")
	}
	if !strings.Contains(string(data), `"tasks"`) {
		t.Errorf("plan schema does not describe tasks: %s", data)
	}
}
