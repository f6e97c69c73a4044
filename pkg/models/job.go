package models

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job was accepted but not yet planned.
	JobStatusPending JobStatus = "pending"
	// JobStatusPlanning indicates the task graph is being built.
	JobStatusPlanning JobStatus = "planning"
	// JobStatusRunning indicates tasks are being dispatched.
	JobStatusRunning JobStatus = "running"
	// JobStatusAwaitingMerge indicates all tasks finished and the merge is pending approval.
	JobStatusAwaitingMerge JobStatus = "awaiting_merge"
	// JobStatusSucceeded indicates the job finished successfully.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the job finished with a failure.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by a caller.
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusPlanning, JobStatusRunning, JobStatusAwaitingMerge,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the job will not change state again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// jobTransitions lists the states reachable from each non-terminal state.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:       {JobStatusPlanning, JobStatusFailed, JobStatusCancelled},
	JobStatusPlanning:      {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:       {JobStatusAwaitingMerge, JobStatusSucceeded, JobStatusFailed, JobStatusCancelled},
	JobStatusAwaitingMerge: {JobStatusSucceeded, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether a job may move from s to next.
// Staying in the same state is always allowed.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerMode selects where workers for a job come from.
type WorkerMode string

const (
	// WorkerModeExisting uses only registered persistent agents.
	WorkerModeExisting WorkerMode = "existing"
	// WorkerModeEphemeral spawns a fresh sandboxed agent per task.
	WorkerModeEphemeral WorkerMode = "ephemeral"
	// WorkerModeMixed prefers an existing agent and falls back to an ephemeral one.
	WorkerModeMixed WorkerMode = "mixed"
)

// Valid returns true if the mode is a known value.
func (m WorkerMode) Valid() bool {
	return m == WorkerModeExisting || m == WorkerModeEphemeral || m == WorkerModeMixed
}

// FailurePolicy governs the response to a task that has exhausted its retries.
type FailurePolicy string

const (
	FailurePolicyAutoReplan FailurePolicy = "auto_replan"
	FailurePolicyFailFast   FailurePolicy = "fail_fast"
	FailurePolicyBestEffort FailurePolicy = "best_effort"
)

// Valid returns true if the policy is a known value.
func (p FailurePolicy) Valid() bool {
	return p == FailurePolicyAutoReplan || p == FailurePolicyFailFast || p == FailurePolicyBestEffort
}

// MergePolicy governs when the merge action runs.
type MergePolicy string

const (
	MergePolicyManualApproval   MergePolicy = "manual_approval"
	MergePolicyAutoOnReviewPass MergePolicy = "auto_on_review_pass"
)

// Valid returns true if the policy is a known value.
func (p MergePolicy) Valid() bool {
	return p == MergePolicyManualApproval || p == MergePolicyAutoOnReviewPass
}

// PolicySnapshot is the resolved policy set frozen onto a job at creation.
// Later config or template edits never change a running job.
type PolicySnapshot struct {
	TemplateID     string         `json:"template_id,omitempty"`
	WorkerMode     WorkerMode     `json:"worker_mode"`
	MaxParallelism int            `json:"max_parallelism"`
	RetryLimit     int            `json:"retry_limit"`
	FailurePolicy  FailurePolicy  `json:"failure_policy"`
	MergePolicy    MergePolicy    `json:"merge_policy"`
	SpawnProfiles  []SpawnProfile `json:"spawn_profiles,omitempty"`
}

// MergeStatus tracks the merge step of a job.
type MergeStatus string

const (
	MergeStatusNone      MergeStatus = ""
	MergeStatusPending   MergeStatus = "pending"
	MergeStatusSucceeded MergeStatus = "succeeded"
	MergeStatusFailed    MergeStatus = "failed"
)

// Job is a single orchestration request and its lifecycle.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`
	// Prompt is the natural-language request.
	Prompt string `json:"prompt"`
	// Policy is the frozen policy snapshot.
	Policy PolicySnapshot `json:"policy"`
	// Summary is a short human-readable outcome.
	Summary string `json:"summary,omitempty"`
	// Error contains the failure reason, if any.
	Error string `json:"error,omitempty"`
	// Merge is the state of the merge step.
	Merge MergeStatus `json:"merge,omitempty"`
	// CreatedAt is when the job was accepted.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the job last changed.
	UpdatedAt time.Time `json:"updated_at"`
	// FinishedAt is when the job reached a terminal state.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobRequest is the input to planning a new job.
// Override fields take precedence over the template and config defaults.
type JobRequest struct {
	Prompt     string `json:"prompt" jsonschema:"required,minLength=1"`
	TemplateID string `json:"template_id,omitempty"`

	WorkerMode     *WorkerMode    `json:"worker_mode,omitempty"`
	MaxParallelism *int           `json:"max_parallelism,omitempty" jsonschema:"minimum=1"`
	RetryLimit     *int           `json:"retry_limit,omitempty" jsonschema:"minimum=0"`
	FailurePolicy  *FailurePolicy `json:"failure_policy,omitempty"`
	MergePolicy    *MergePolicy   `json:"merge_policy,omitempty"`

	// Phases is an ordered list of roles run as a linear chain.
	Phases []string `json:"phases,omitempty"`
	// Tasks is an explicit task graph.
	Tasks []TaskSpec `json:"tasks,omitempty"`
}
