package models

import "time"

// SpawnProfile is the per-role configuration for an ephemeral worker.
type SpawnProfile struct {
	Role         string `json:"role" yaml:"role" jsonschema:"required,minLength=1"`
	Persona      string `json:"persona,omitempty" yaml:"persona"`
	Provider     string `json:"provider,omitempty" yaml:"provider"`
	Model        string `json:"model,omitempty" yaml:"model"`
	RuntimeType  string `json:"runtime_type,omitempty" yaml:"runtime_type"`
	ImageProfile string `json:"image_profile,omitempty" yaml:"image_profile"`
}

// JobTemplate is a named reusable policy bundle.
// Nil defaults mean "not overridden" and fall through to the orchestrator config.
type JobTemplate struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name" jsonschema:"required,minLength=1"`
	Description string `json:"description,omitempty" yaml:"description"`

	DefaultWorkerMode     *WorkerMode    `json:"default_worker_mode,omitempty" yaml:"default_worker_mode"`
	DefaultMaxParallelism *int           `json:"default_max_parallelism,omitempty" yaml:"default_max_parallelism" jsonschema:"minimum=1"`
	DefaultRetryLimit     *int           `json:"default_retry_limit,omitempty" yaml:"default_retry_limit" jsonschema:"minimum=0"`
	DefaultFailurePolicy  *FailurePolicy `json:"default_failure_policy,omitempty" yaml:"default_failure_policy"`
	DefaultMergePolicy    *MergePolicy   `json:"default_merge_policy,omitempty" yaml:"default_merge_policy"`

	SpawnProfiles []SpawnProfile `json:"spawn_profiles,omitempty" yaml:"spawn_profiles"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// TemplatePatch is a partial update to a template. Nil fields are left unchanged.
type TemplatePatch struct {
	Name                  *string        `json:"name,omitempty"`
	Description           *string        `json:"description,omitempty"`
	DefaultWorkerMode     *WorkerMode    `json:"default_worker_mode,omitempty"`
	DefaultMaxParallelism *int           `json:"default_max_parallelism,omitempty"`
	DefaultRetryLimit     *int           `json:"default_retry_limit,omitempty"`
	DefaultFailurePolicy  *FailurePolicy `json:"default_failure_policy,omitempty"`
	DefaultMergePolicy    *MergePolicy   `json:"default_merge_policy,omitempty"`
	SpawnProfiles         []SpawnProfile `json:"spawn_profiles,omitempty"`
}

// Apply merges the patch into t.
func (p TemplatePatch) Apply(t *JobTemplate) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DefaultWorkerMode != nil {
		t.DefaultWorkerMode = p.DefaultWorkerMode
	}
	if p.DefaultMaxParallelism != nil {
		t.DefaultMaxParallelism = p.DefaultMaxParallelism
	}
	if p.DefaultRetryLimit != nil {
		t.DefaultRetryLimit = p.DefaultRetryLimit
	}
	if p.DefaultFailurePolicy != nil {
		t.DefaultFailurePolicy = p.DefaultFailurePolicy
	}
	if p.DefaultMergePolicy != nil {
		t.DefaultMergePolicy = p.DefaultMergePolicy
	}
	if p.SpawnProfiles != nil {
		t.SpawnProfiles = p.SpawnProfiles
	}
}

// Validate checks enum fields and numeric bounds.
func (t *JobTemplate) Validate() error {
	if t.Name == "" {
		return NewValidationError("template name is required")
	}
	if t.DefaultWorkerMode != nil && !t.DefaultWorkerMode.Valid() {
		return NewValidationError("invalid worker mode %q", *t.DefaultWorkerMode)
	}
	if t.DefaultMaxParallelism != nil && *t.DefaultMaxParallelism < 1 {
		return NewValidationError("max parallelism must be at least 1")
	}
	if t.DefaultRetryLimit != nil && *t.DefaultRetryLimit < 0 {
		return NewValidationError("retry limit must not be negative")
	}
	if t.DefaultFailurePolicy != nil && !t.DefaultFailurePolicy.Valid() {
		return NewValidationError("invalid failure policy %q", *t.DefaultFailurePolicy)
	}
	if t.DefaultMergePolicy != nil && !t.DefaultMergePolicy.Valid() {
		return NewValidationError("invalid merge policy %q", *t.DefaultMergePolicy)
	}
	for i, p := range t.SpawnProfiles {
		if p.Role == "" {
			return NewValidationError("spawn profile %d has no role", i)
		}
	}
	return nil
}

// OrchestratorConfig holds the process-wide fallback policy values.
type OrchestratorConfig struct {
	DefaultWorkerMode     WorkerMode    `json:"default_worker_mode" mapstructure:"default_worker_mode"`
	DefaultMaxParallelism int           `json:"default_max_parallelism" mapstructure:"default_max_parallelism"`
	DefaultRetryLimit     int           `json:"default_retry_limit" mapstructure:"default_retry_limit"`
	DefaultFailurePolicy  FailurePolicy `json:"default_failure_policy" mapstructure:"default_failure_policy"`
	DefaultMergePolicy    MergePolicy   `json:"default_merge_policy" mapstructure:"default_merge_policy"`
	// ParallelismWarnThreshold only triggers an advisory; it never caps parallelism.
	ParallelismWarnThreshold int `json:"parallelism_warn_threshold" mapstructure:"parallelism_warn_threshold"`
}

// DefaultOrchestratorConfig returns the built-in fallbacks.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		DefaultWorkerMode:        WorkerModeMixed,
		DefaultMaxParallelism:    1,
		DefaultRetryLimit:        1,
		DefaultFailurePolicy:     FailurePolicyAutoReplan,
		DefaultMergePolicy:       MergePolicyManualApproval,
		ParallelismWarnThreshold: 5,
	}
}

// Validate checks enum fields and numeric bounds.
func (c OrchestratorConfig) Validate() error {
	if !c.DefaultWorkerMode.Valid() {
		return NewValidationError("invalid worker mode %q", c.DefaultWorkerMode)
	}
	if c.DefaultMaxParallelism < 1 {
		return NewValidationError("max parallelism must be at least 1")
	}
	if c.DefaultRetryLimit < 0 {
		return NewValidationError("retry limit must not be negative")
	}
	if !c.DefaultFailurePolicy.Valid() {
		return NewValidationError("invalid failure policy %q", c.DefaultFailurePolicy)
	}
	if !c.DefaultMergePolicy.Valid() {
		return NewValidationError("invalid merge policy %q", c.DefaultMergePolicy)
	}
	if c.ParallelismWarnThreshold < 1 {
		return NewValidationError("parallelism warn threshold must be at least 1")
	}
	return nil
}
