package models

import (
	"strings"
	"time"
)

// Agent is a persistent worker registered with the pool.
type Agent struct {
	// Name is the unique identity of the agent.
	Name string `json:"name" mapstructure:"name"`
	// Roles lists the task roles this agent accepts. Empty means any role.
	Roles []string `json:"roles,omitempty" mapstructure:"roles"`
	// Persona is the system prompt used for this agent.
	Persona string `json:"persona,omitempty" mapstructure:"persona"`
	// Provider is the model provider name.
	Provider string `json:"provider,omitempty" mapstructure:"provider"`
	// Model is the model identifier.
	Model string `json:"model,omitempty" mapstructure:"model"`
}

// Accepts returns true if the agent can serve the given role.
func (a Agent) Accepts(role string) bool {
	if len(a.Roles) == 0 {
		return true
	}
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// WorkerRunStatus represents the state of a single worker attempt.
type WorkerRunStatus string

const (
	WorkerRunRunning   WorkerRunStatus = "running"
	WorkerRunSucceeded WorkerRunStatus = "succeeded"
	WorkerRunFailed    WorkerRunStatus = "failed"
)

// WorkerRun records one attempt of one task by one worker.
type WorkerRun struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`
	// JobID is the job the task belongs to.
	JobID string `json:"job_id"`
	// TaskID is the task being attempted.
	TaskID string `json:"task_id"`
	// WorkerAgent is the identity of the worker.
	WorkerAgent string `json:"worker_agent"`
	// WorkerMode is the mode the worker was acquired in.
	WorkerMode WorkerMode `json:"worker_mode"`
	// Status is the state of the attempt.
	Status WorkerRunStatus `json:"status"`
	// Attempt is the 1-based attempt number for the task.
	Attempt int `json:"attempt"`
	// TaskPrompt is the full prompt given to the worker.
	TaskPrompt string `json:"task_prompt"`
	// Output is the final answer, if any.
	Output string `json:"output,omitempty"`
	// Error is the failure reason, if any.
	Error string `json:"error,omitempty"`
	// Iterations is the number of model calls made.
	Iterations int `json:"iterations"`
	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the attempt ended.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
