// Package schema reflects JSON schemas from the task payload types and
// validates untrusted payloads against them before they are decoded.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// PlanDocument is the shape a reasoner returns when asked to decompose a
// prompt into tasks, and the shape accepted by `jobs start --tasks`.
type PlanDocument struct {
	Tasks []models.TaskSpec `json:"tasks" jsonschema:"required,minItems=1"`
}

// Resource names for the compiled schemas.
const (
	TaskContextSchema = "task-context.json"
	PlanSchema        = "plan.json"
)

// Registry holds the compiled schemas.
type Registry struct {
	raw      map[string][]byte
	compiled map[string]*validator.Schema
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the process-wide registry, compiling it on first use.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = NewRegistry()
	})
	return defaultReg, defaultErr
}

// NewRegistry reflects and compiles the payload schemas.
func NewRegistry() (*Registry, error) {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}

	sources := map[string]any{
		TaskContextSchema: &models.TaskContext{},
		PlanSchema:        &PlanDocument{},
	}

	reg := &Registry{
		raw:      make(map[string][]byte, len(sources)),
		compiled: make(map[string]*validator.Schema, len(sources)),
	}

	compiler := validator.NewCompiler()
	for name, v := range sources {
		data, err := json.Marshal(r.Reflect(v))
		if err != nil {
			return nil, fmt.Errorf("marshal schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema resource %s: %w", name, err)
		}
		reg.raw[name] = data
	}
	for name := range sources {
		compiled, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		reg.compiled[name] = compiled
	}
	return reg, nil
}

// Schema returns the JSON text of a named schema.
func (r *Registry) Schema(name string) ([]byte, bool) {
	data, ok := r.raw[name]
	return data, ok
}

// Validate checks raw JSON against the named schema.
// Failures are reported as *models.ValidationError.
func (r *Registry) Validate(name string, raw []byte) error {
	compiled, ok := r.compiled[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return models.NewValidationError("%s: invalid JSON: %v", name, err)
	}

	if err := compiled.Validate(doc); err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			return models.NewValidationError("%s: %s", name, summarize(verr))
		}
		return models.NewValidationError("%s: %v", name, err)
	}
	return nil
}

// ValidateValue marshals v and validates it against the named schema.
func (r *Registry) ValidateValue(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return r.Validate(name, data)
}

// DecodeTaskContext validates raw and decodes it into a TaskContext.
// An empty payload yields the zero context.
func (r *Registry) DecodeTaskContext(raw []byte) (models.TaskContext, error) {
	var tc models.TaskContext
	if len(bytes.TrimSpace(raw)) == 0 {
		return tc, nil
	}
	if err := r.Validate(TaskContextSchema, raw); err != nil {
		return tc, err
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return tc, models.NewValidationError("decode task context: %v", err)
	}
	return tc, nil
}

// DecodePlan validates raw and decodes it into a PlanDocument.
func (r *Registry) DecodePlan(raw []byte) (*PlanDocument, error) {
	if err := r.Validate(PlanSchema, raw); err != nil {
		return nil, err
	}
	var doc PlanDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, models.NewValidationError("decode plan: %v", err)
	}
	return &doc, nil
}

// summarize flattens the deepest validation causes into one line.
func summarize(err *validator.ValidationError) string {
	var leaves []string
	var walk func(e *validator.ValidationError)
	walk = func(e *validator.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(err)

	var buf bytes.Buffer
	for i, l := range leaves {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(l)
	}
	return buf.String()
}
