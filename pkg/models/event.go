package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of job event.
type EventType string

const (
	EventJobCreated        EventType = "job_created"
	EventPlanBuilt         EventType = "plan_built"
	EventJobStarted        EventType = "job_started"
	EventTaskDispatched    EventType = "task_dispatched"
	EventTaskSucceeded     EventType = "task_succeeded"
	EventTaskFailed        EventType = "task_failed"
	EventTaskRetrying      EventType = "task_retrying"
	EventTaskSkipped       EventType = "task_skipped"
	EventTaskRecovered     EventType = "task_recovered"
	EventToolCalled        EventType = "tool_called"
	EventJobReplanned      EventType = "job_replanned"
	EventMergeAwaiting     EventType = "merge_awaiting_approval"
	EventMergeStarted      EventType = "merge_started"
	EventMergeSucceeded    EventType = "merge_succeeded"
	EventMergeFailed       EventType = "merge_failed"
	EventJobSucceeded      EventType = "job_succeeded"
	EventJobFailed         EventType = "job_failed"
	EventJobCancelled      EventType = "job_cancelled"
	EventWorkerAcquired    EventType = "worker_acquired"
	EventWorkerReleased    EventType = "worker_released"
	EventParallelismAdvice EventType = "parallelism_advisory"
)

// Terminal returns true if the event marks the end of a job.
func (t EventType) Terminal() bool {
	return t == EventJobSucceeded || t == EventJobFailed || t == EventJobCancelled
}

// Event is an immutable record in a job's event log.
// IDs are strictly increasing within a job.
type Event struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// TaskEventPayload is the payload for task_* events.
type TaskEventPayload struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title,omitempty"`
	Role        string `json:"role,omitempty"`
	WorkerAgent string `json:"worker_agent,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// JobEventPayload is the payload for job_* and merge_* events.
type JobEventPayload struct {
	Status  JobStatus `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
	Error   string    `json:"error,omitempty"`
	Tasks   int       `json:"tasks,omitempty"`
	Advice  string    `json:"advice,omitempty"`
}
