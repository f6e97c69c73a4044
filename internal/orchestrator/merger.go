package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// MergeInput is what a merge action sees: the job and its final tasks.
type MergeInput struct {
	Job   *models.Job
	Tasks []*models.Task
}

// Combined renders the task outputs in plan order.
func (in MergeInput) Combined() string {
	var sb strings.Builder
	for _, t := range in.Tasks {
		if t.Status != models.TaskStatusSucceeded {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s (%s):\n%s\n\n", t.ID, t.Title, t.Role, t.Output)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// MergeAction applies a finished job's results.
type MergeAction interface {
	Merge(ctx context.Context, in MergeInput) (string, error)
}

// NoopMerge accepts every job without side effects.
type NoopMerge struct{}

// Merge implements MergeAction.
func (NoopMerge) Merge(context.Context, MergeInput) (string, error) {
	return "nothing to merge", nil
}

// CommandMerge runs a shell command. The job ID, prompt and the path of a
// file holding the combined task outputs are passed in the environment as
// CONDUCTOR_JOB_ID, CONDUCTOR_JOB_PROMPT and CONDUCTOR_JOB_OUTPUT_FILE.
type CommandMerge struct {
	Command string
	Dir     string
	Runner  exec.CommandRunner
}

// Merge implements MergeAction.
func (m CommandMerge) Merge(ctx context.Context, in MergeInput) (string, error) {
	f, err := os.CreateTemp("", "conductor-merge-*.txt")
	if err != nil {
		return "", fmt.Errorf("create merge input: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(in.Combined()); err != nil {
		f.Close()
		return "", fmt.Errorf("write merge input: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write merge input: %w", err)
	}

	env := append(os.Environ(),
		"CONDUCTOR_JOB_ID="+in.Job.ID,
		"CONDUCTOR_JOB_PROMPT="+in.Job.Prompt,
		"CONDUCTOR_JOB_OUTPUT_FILE="+f.Name(),
	)
	out, err := m.Runner.RunShell(ctx, exec.Command{Dir: m.Dir, Env: env}, m.Command)
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// MergeCoordinator runs the merge step of a job at most once.
type MergeCoordinator struct {
	store   state.JobStore
	events  *EventLog
	action  MergeAction
	timeout time.Duration
	log     *logrus.Entry

	// mu serializes merges so two approvals cannot race past the
	// merge-status check.
	mu sync.Mutex
}

// NewMergeCoordinator creates a merge coordinator. A nil action merges
// nothing.
func NewMergeCoordinator(store state.JobStore, events *EventLog, action MergeAction, timeout time.Duration, log *logrus.Entry) *MergeCoordinator {
	if action == nil {
		action = NoopMerge{}
	}
	return &MergeCoordinator{store: store, events: events, action: action, timeout: timeout, log: log}
}

// Handoff is called when every required task of a running job succeeded.
// Under manual_approval the job parks in AwaitingMerge; under
// auto_on_review_pass the merge runs now.
func (m *MergeCoordinator) Handoff(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	if job.Policy.MergePolicy == models.MergePolicyAutoOnReviewPass {
		err := m.merge(ctx, job, tasks)
		if isMergeFailure(err) {
			return nil
		}
		return err
	}
	m.log.WithField("job_id", job.ID).Info("Job awaiting merge approval")
	return transitionJob(m.store, m.events, job, models.JobStatusAwaitingMerge, models.EventMergeAwaiting, nil)
}

// Approve runs the merge of a job parked in AwaitingMerge.
// A failed merge action fails the job and is returned wrapped in
// models.ErrMergeActionFailed; tasks are never reopened.
func (m *MergeCoordinator) Approve(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, models.PersistenceError("get job", err)
	}
	if job == nil {
		return nil, models.NewNotFound("job", jobID)
	}
	if job.Status != models.JobStatusAwaitingMerge {
		return job, models.NewValidationError("job %s is %s, not awaiting merge", jobID, job.Status)
	}
	tasks, err := m.store.ListTasks(jobID)
	if err != nil {
		return nil, models.PersistenceError("list tasks", err)
	}
	return job, m.merge(ctx, job, tasks)
}

func (m *MergeCoordinator) merge(ctx context.Context, job *models.Job, tasks []*models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Another coordinator may have merged since job was loaded.
	current, err := m.store.GetJob(job.ID)
	if err != nil {
		return models.PersistenceError("get job", err)
	}
	if current != nil && current.Merge != models.MergeStatusNone {
		return models.NewValidationError("merge already ran for job %s (%s)", job.ID, current.Merge)
	}

	logger := m.log.WithField("job_id", job.ID)
	job.Merge = models.MergeStatusPending
	if err := m.store.UpdateJob(job); err != nil {
		job.Merge = models.MergeStatusNone
		return models.PersistenceError("update job", err)
	}
	if _, err := m.events.Append(job.ID, models.EventMergeStarted, models.JobEventPayload{Status: job.Status}); err != nil {
		return err
	}
	logger.Info("Merge started")

	mctx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		mctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	out, mergeErr := m.action.Merge(mctx, MergeInput{Job: job, Tasks: tasks})

	if mergeErr != nil {
		cause := fmt.Errorf("%w: %v", models.ErrMergeActionFailed, mergeErr)
		logger.WithError(mergeErr).Warn("Merge failed")
		job.Merge = models.MergeStatusFailed
		if _, err := m.events.Append(job.ID, models.EventMergeFailed, models.JobEventPayload{Error: mergeErr.Error()}); err != nil {
			return err
		}
		if err := transitionJob(m.store, m.events, job, models.JobStatusFailed, models.EventJobFailed, cause); err != nil {
			return err
		}
		return cause
	}

	job.Merge = models.MergeStatusSucceeded
	if _, err := m.events.Append(job.ID, models.EventMergeSucceeded, models.JobEventPayload{Summary: agent.Summarize(strings.TrimSpace(out))}); err != nil {
		return err
	}
	logger.Info("Merge succeeded")
	return transitionJob(m.store, m.events, job, models.JobStatusSucceeded, models.EventJobSucceeded, nil)
}

func isMergeFailure(err error) bool {
	return errors.Is(err, models.ErrMergeActionFailed)
}
