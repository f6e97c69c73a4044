package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ErrChecksFailed is the failure of a checker task that reported CHECKS_FAILED.
var ErrChecksFailed = errors.New("checker reported CHECKS_FAILED")

// attempt is one dispatch of one task, prepared by the run loop.
type attempt struct {
	job     *models.Job
	task    models.Task
	number  int
	prior   []agent.PriorOutput
	profile *models.SpawnProfile
}

// attemptResult is what a finished attempt reports back to the run loop.
type attemptResult struct {
	taskID string
	number int
	worker string
	output string
	err    error
}

// TaskRunner executes single task attempts: it leases a worker, records a
// WorkerRun and drives the tool-use loop in the worker's workspace.
type TaskRunner struct {
	pool     *workerpool.Pool
	reasoner agent.Reasoner
	catalog  *agent.Catalog
	opts     agent.Options
	runs     state.RunStore
	events   *EventLog
	log      *logrus.Entry
}

// NewTaskRunner creates a task runner.
func NewTaskRunner(pool *workerpool.Pool, reasoner agent.Reasoner, catalog *agent.Catalog, opts agent.Options, runs state.RunStore, events *EventLog, log *logrus.Entry) *TaskRunner {
	return &TaskRunner{
		pool:     pool,
		reasoner: reasoner,
		catalog:  catalog,
		opts:     opts,
		runs:     runs,
		events:   events,
		log:      log,
	}
}

// Execute runs one attempt to completion. It never panics the run loop:
// every failure, including worker acquisition, comes back in the result.
func (r *TaskRunner) Execute(ctx context.Context, a attempt) attemptResult {
	res := attemptResult{taskID: a.task.ID, number: a.number}
	logger := r.log.WithFields(logrus.Fields{
		"job_id":  a.job.ID,
		"task_id": a.task.ID,
		"role":    a.task.Role,
		"attempt": a.number,
	})

	prompt := agent.TaskPrompt(agent.TaskInput{
		Role:        a.task.Role,
		JobPrompt:   a.job.Prompt,
		Title:       a.task.Title,
		Description: a.task.Description,
		Context:     a.task.Context,
		Prior:       a.prior,
	})

	run := &models.WorkerRun{
		ID:         uuid.New().String(),
		JobID:      a.job.ID,
		TaskID:     a.task.ID,
		WorkerMode: a.job.Policy.WorkerMode,
		Status:     models.WorkerRunRunning,
		Attempt:    a.number,
		TaskPrompt: prompt,
		StartedAt:  time.Now(),
	}

	lease, err := r.pool.Acquire(ctx, workerpool.Request{
		JobID:   a.job.ID,
		TaskID:  a.task.ID,
		Attempt: a.number,
		Role:    a.task.Role,
		Mode:    a.job.Policy.WorkerMode,
		Profile: a.profile,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		logger.WithError(err).Warn("Worker acquisition failed")
		// The attempt still counts, so record it.
		if cerr := r.runs.CreateWorkerRun(run); cerr != nil {
			res.err = models.PersistenceError("create worker run", cerr)
			return res
		}
		r.finish(run, "", 0, err)
		res.err = err
		return res
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			logger.WithError(rerr).Warn("Lease release failed")
		}
		r.emit(a, models.EventWorkerReleased, models.TaskEventPayload{WorkerAgent: lease.Worker.Name})
	}()

	w := lease.Worker
	res.worker = w.Name
	run.WorkerAgent = w.Name
	run.WorkerMode = w.Mode
	if err := r.runs.CreateWorkerRun(run); err != nil {
		res.err = models.PersistenceError("create worker run", err)
		return res
	}
	r.emit(a, models.EventWorkerAcquired, models.TaskEventPayload{WorkerAgent: w.Name})
	logger = logger.WithField("worker", w.Name)
	logger.Debug("Attempt started")

	loop := agent.NewExecutor(r.reasoner, r.catalog, r.opts)
	out, err := loop.Run(ctx, agent.Run{
		Model:     w.Model,
		System:    agent.SystemPrompt(w.Persona, r.catalog),
		Prompt:    prompt,
		Workspace: w.Workspace,
		OnToolCall: func(call agent.ToolCall) {
			p := models.TaskEventPayload{
				WorkerAgent: w.Name,
				Reason:      call.Tool,
				Output:      agent.Summarize(call.Output),
			}
			if call.Err != nil {
				p.Error = call.Err.Error()
			}
			r.emit(a, models.EventToolCalled, p)
		},
	})

	iterations := 0
	if out != nil {
		iterations = out.Iterations
		res.output = out.Output
	}
	if err == nil && agent.ChecksFailed(a.task.Role, res.output) {
		err = ErrChecksFailed
	}

	r.finish(run, res.output, iterations, err)
	res.err = err
	if err != nil {
		logger.WithError(err).Info("Attempt failed")
	} else {
		logger.WithField("iterations", iterations).Info("Attempt succeeded")
	}
	return res
}

// finish closes a worker run. A failure here is logged, not returned:
// the task outcome is already decided and the run is closed on recovery.
func (r *TaskRunner) finish(run *models.WorkerRun, output string, iterations int, err error) {
	now := time.Now()
	run.FinishedAt = &now
	run.Output = output
	run.Iterations = iterations
	run.Status = models.WorkerRunSucceeded
	if err != nil {
		run.Status = models.WorkerRunFailed
		run.Error = err.Error()
	}
	if uerr := r.runs.UpdateWorkerRun(run); uerr != nil {
		r.log.WithError(uerr).WithField("run_id", run.ID).Error("Failed to close worker run")
	}
}

func (r *TaskRunner) emit(a attempt, t models.EventType, p models.TaskEventPayload) {
	p.TaskID = a.task.ID
	p.Role = a.task.Role
	p.Attempt = a.number
	if _, err := r.events.Append(a.job.ID, t, p); err != nil {
		r.log.WithError(err).WithField("job_id", a.job.ID).Warn("Failed to append event")
	}
}
