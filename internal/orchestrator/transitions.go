package orchestrator

import (
	"time"

	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// transitionJob moves job to status, persists it and, when eventType is
// set, appends the matching event. Illegal transitions are rejected and
// leave the job untouched. On a persistence failure the in-memory job is
// restored, so the transition is not considered to have happened.
func transitionJob(store state.JobStore, events *EventLog, job *models.Job, to models.JobStatus, eventType models.EventType, cause error) error {
	if !job.Status.CanTransition(to) {
		trace("transition", "job %s: rejected %s -> %s", job.ID, job.Status, to)
		return models.NewValidationError("job %s cannot move from %s to %s", job.ID, job.Status, to)
	}

	prev := *job
	job.Status = to
	if cause != nil {
		job.Error = cause.Error()
	}
	if to.Terminal() && job.FinishedAt == nil {
		now := time.Now()
		job.FinishedAt = &now
	}
	if err := store.UpdateJob(job); err != nil {
		*job = prev
		return models.PersistenceError("update job", err)
	}
	trace("transition", "job %s: %s -> %s", job.ID, prev.Status, to)

	if eventType == "" {
		return nil
	}
	_, err := events.Append(job.ID, eventType, models.JobEventPayload{
		Status:  job.Status,
		Summary: job.Summary,
		Error:   job.Error,
	})
	return err
}

// saveTask persists a task change, restoring the previous value on failure.
func saveTask(store state.JobStore, task *models.Task, prev models.Task) error {
	if err := store.UpdateTask(task); err != nil {
		*task = prev
		return models.PersistenceError("update task", err)
	}
	return nil
}
