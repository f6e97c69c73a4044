package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates a worker is executing the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed and will not be retried.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was skipped because an upstream task failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the task will not change state again.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Satisfied returns true if dependents of a task in this state may run.
func (s TaskStatus) Satisfied() bool {
	return s == TaskStatusSucceeded || s == TaskStatusSkipped
}

// TaskContext is the structured input handed to a worker along with the
// task description. It is validated once when the plan is accepted.
type TaskContext struct {
	// Phase is the 1-based phase index for phased plans.
	Phase int `json:"phase,omitempty" jsonschema:"minimum=0"`
	// Inputs carries named string inputs for the worker.
	Inputs map[string]string `json:"inputs,omitempty"`
	// Files lists workspace-relative paths the task is expected to touch.
	Files []string `json:"files,omitempty"`
	// AcceptanceCriteria describes what counts as done.
	AcceptanceCriteria string `json:"acceptance_criteria,omitempty"`
	// ReplanOf is the ID of the failed task this task replaces.
	ReplanOf string `json:"replan_of,omitempty"`
}

// Task represents a unit of work within a job.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// JobID is the job this task belongs to.
	JobID string `json:"job_id"`
	// Role selects the spawn profile used for the worker.
	Role string `json:"role"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed instructions for the worker.
	Description string `json:"description,omitempty"`
	// Context is structured input validated at plan time.
	Context TaskContext `json:"context"`
	// DependsOn lists task IDs in the same job that must be satisfied first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// WorkerAgent is the identity of the worker that last ran the task.
	WorkerAgent string `json:"worker_agent,omitempty"`
	// Output is the final answer of the last successful run.
	Output string `json:"output,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// Attempts is the number of worker runs started for this task.
	Attempts int `json:"attempts"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskSpec is a caller-supplied task definition used when planning a job
// from an explicit task list. DependsOn refers to other TaskSpec keys.
type TaskSpec struct {
	Key         string      `json:"key" yaml:"key" jsonschema:"required,minLength=1"`
	Role        string      `json:"role,omitempty" yaml:"role"`
	Title       string      `json:"title" yaml:"title" jsonschema:"required,minLength=1"`
	Description string      `json:"description,omitempty" yaml:"description"`
	DependsOn   []string    `json:"depends_on,omitempty" yaml:"depends_on"`
	Context     TaskContext `json:"context,omitempty" yaml:"context"`
}
