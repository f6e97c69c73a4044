package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// errAlreadyClaimed means another loop started the job first.
var errAlreadyClaimed = errors.New("job already claimed")

// inflight represents an attempt being executed by a worker.
type inflight struct {
	taskID    string
	attempt   int
	startTime time.Time
	cancelFn  context.CancelFunc
}

// jobRun is the dispatch loop of one job. Only the loop goroutine mutates
// the graph and the task records; workers report back over results.
type jobRun struct {
	e     *Engine
	job   *models.Job
	graph *graph.DependencyGraph
	log   *logrus.Entry

	inflight map[string]*inflight
	results  chan attemptResult
	nextSeq  int

	// aborted is set once the failure policy aborted the job.
	aborted error
	// externallyCancelled is set when another process cancelled the job.
	externallyCancelled bool
}

func newJobRun(e *Engine, job *models.Job, tasks []*models.Task) (*jobRun, error) {
	g := graph.New()
	g.SetDebugLog(traceGraph)
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("rebuild graph for job %s: %w", job.ID, err)
	}
	par := job.Policy.MaxParallelism
	if par < 1 {
		par = 1
	}
	return &jobRun{
		e:        e,
		job:      job,
		graph:    g,
		log:      e.log.WithField("job_id", job.ID),
		inflight: make(map[string]*inflight),
		results:  make(chan attemptResult, par),
		nextSeq:  len(tasks) + 1,
	}, nil
}

// run drives the job to a terminal state or to AwaitingMerge.
// A returned error is fatal to the loop: the job is left as-is for
// recovery.
func (r *jobRun) run(ctx context.Context) error {
	if err := r.start(); err != nil {
		return err
	}
	if err := r.recoverInProgress(ctx); err != nil {
		return r.drain(err)
	}

	ticker := time.NewTicker(r.e.policy.Loop.PollInterval)
	defer ticker.Stop()

	done := ctx.Done()
	for {
		if ctx.Err() == nil && r.aborted == nil && !r.externallyCancelled {
			if err := r.dispatch(ctx); err != nil {
				return r.drain(err)
			}
		}

		if len(r.inflight) == 0 {
			r.log.Debug("No tasks in flight, finishing")
			return r.finish(ctx)
		}

		select {
		case res := <-r.results:
			if err := r.handle(ctx, res); err != nil {
				return r.drain(err)
			}
		case <-done:
			done = nil
			trace("runLoop", "job %s: context done (%v), cancelling %d in flight", r.job.ID, context.Cause(ctx), len(r.inflight))
			r.cancelInflight()
		case <-ticker.C:
			r.checkExternalCancel()
		}
	}
}

// start claims a planned job or resumes a running one.
func (r *jobRun) start() error {
	switch r.job.Status {
	case models.JobStatusPlanning:
		ok, err := r.e.store.ClaimJob(r.job.ID, models.JobStatusPlanning, models.JobStatusRunning)
		if err != nil {
			return models.PersistenceError("claim job", err)
		}
		if !ok {
			return errAlreadyClaimed
		}
		r.job.Status = models.JobStatusRunning
		if _, err := r.e.events.Append(r.job.ID, models.EventJobStarted, models.JobEventPayload{
			Status: r.job.Status,
			Tasks:  r.graph.Size(),
		}); err != nil {
			return err
		}
		r.log.WithField("tasks", r.graph.Size()).Info("Job started")
	case models.JobStatusRunning:
		r.log.Info("Resuming job")
	default:
		return models.NewValidationError("job %s is %s and cannot run", r.job.ID, r.job.Status)
	}
	return nil
}

// recoverInProgress hands tasks left InProgress by a previous process to
// the failure policy, as failed attempts.
func (r *jobRun) recoverInProgress(ctx context.Context) error {
	for _, task := range r.graph.Tasks() {
		if task.Status != models.TaskStatusInProgress {
			continue
		}
		if _, err := r.e.events.Append(r.job.ID, models.EventTaskRecovered, models.TaskEventPayload{
			TaskID:  task.ID,
			Title:   task.Title,
			Role:    task.Role,
			Attempt: task.Attempts,
			Reason:  state.InterruptedReason,
		}); err != nil {
			return err
		}
		r.log.WithField("task_id", task.ID).Warn("Recovering interrupted task")
		cause := errors.New(state.InterruptedReason)
		// An earlier recovered task may already have aborted the job.
		if r.aborted != nil {
			if err := r.markFailed(task, cause, "job stopping"); err != nil {
				return err
			}
			continue
		}
		if err := r.onFailure(ctx, task, cause); err != nil {
			return err
		}
	}
	return nil
}

// dispatch starts ready tasks while in-flight attempts are below the
// job's parallelism.
func (r *jobRun) dispatch(ctx context.Context) error {
	for len(r.inflight) < r.job.Policy.MaxParallelism {
		ready := r.graph.Ready()
		if len(ready) == 0 {
			return nil
		}
		task := ready[0]

		prev := *task
		task.Status = models.TaskStatusInProgress
		task.Attempts++
		task.Error = ""
		if err := saveTask(r.e.store, task, prev); err != nil {
			return err
		}
		if _, err := r.e.events.Append(r.job.ID, models.EventTaskDispatched, models.TaskEventPayload{
			TaskID:  task.ID,
			Title:   task.Title,
			Role:    task.Role,
			Attempt: task.Attempts,
		}); err != nil {
			return err
		}

		idx := r.phaseIndex(task)
		jobCopy := *r.job
		a := attempt{
			job:     &jobCopy,
			task:    *task,
			number:  task.Attempts,
			prior:   r.priorOutputs(task),
			profile: ResolveProfile(r.job.Policy.SpawnProfiles, task.Role, idx),
		}

		tctx, cancel := context.WithCancel(ctx)
		r.inflight[task.ID] = &inflight{
			taskID:    task.ID,
			attempt:   task.Attempts,
			startTime: time.Now(),
			cancelFn:  cancel,
		}
		trace("runLoop", "job %s: dispatched %s attempt %d (%d in flight)", r.job.ID, task.ID, task.Attempts, len(r.inflight))

		r.e.wg.Add(1)
		go func() {
			defer r.e.wg.Done()
			defer cancel()
			r.results <- r.e.runner.Execute(tctx, a)
		}()
	}
	return nil
}

// phaseIndex is the task's position used for the i % len profile fallback.
func (r *jobRun) phaseIndex(task *models.Task) int {
	if task.Context.Phase > 0 {
		return task.Context.Phase - 1
	}
	for i, t := range r.graph.Tasks() {
		if t.ID == task.ID {
			return i
		}
	}
	return 0
}

func (r *jobRun) priorOutputs(task *models.Task) []agent.PriorOutput {
	var prior []agent.PriorOutput
	for _, id := range r.graph.Dependencies(task.ID) {
		dep := r.graph.Get(id)
		if dep == nil || dep.Status != models.TaskStatusSucceeded {
			continue
		}
		prior = append(prior, agent.PriorOutput{TaskID: dep.ID, Role: dep.Role, Title: dep.Title, Output: dep.Output})
	}
	return prior
}

// handle records a finished attempt.
func (r *jobRun) handle(ctx context.Context, res attemptResult) error {
	inf := r.inflight[res.taskID]
	delete(r.inflight, res.taskID)
	task := r.graph.Get(res.taskID)
	if task == nil {
		return fmt.Errorf("result for unknown task %s", res.taskID)
	}
	if errors.Is(res.err, models.ErrPersistence) {
		return res.err
	}

	fields := logrus.Fields{"task_id": task.ID, "attempt": res.number}
	if inf != nil {
		fields["duration"] = time.Since(inf.startTime).Round(time.Millisecond)
	}

	if res.err == nil {
		prev := *task
		task.Status = models.TaskStatusSucceeded
		task.Output = res.output
		task.WorkerAgent = res.worker
		if err := saveTask(r.e.store, task, prev); err != nil {
			return err
		}
		r.log.WithFields(fields).Info("Task succeeded")
		_, err := r.e.events.Append(r.job.ID, models.EventTaskSucceeded, models.TaskEventPayload{
			TaskID:      task.ID,
			Title:       task.Title,
			Role:        task.Role,
			WorkerAgent: res.worker,
			Attempt:     res.number,
			Output:      agent.Summarize(res.output),
		})
		return err
	}

	if res.worker != "" {
		task.WorkerAgent = res.worker
	}
	r.log.WithFields(fields).WithError(res.err).Warn("Task attempt failed")

	// Shutdown leaves the task InProgress for the next process to recover.
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), errShutdown) {
		return nil
	}
	// After an abort or a cancellation, failures are recorded without
	// consulting the policy.
	if ctx.Err() != nil || r.aborted != nil || r.externallyCancelled {
		return r.markFailed(task, res.err, "job stopping")
	}
	return r.onFailure(ctx, task, res.err)
}

// onFailure applies the failure policy to a failed attempt of task.
func (r *jobRun) onFailure(ctx context.Context, task *models.Task, cause error) error {
	d := policy.Decide(r.job.Policy.FailurePolicy, policy.Outcome{Err: cause}, task.Attempts, r.job.Policy.RetryLimit)
	trace("runLoop", "job %s: task %s attempt %d failed, decision %s (%s)", r.job.ID, task.ID, task.Attempts, d.Action, d.Reason)

	if d.Action == policy.ActionReplan {
		replaced, err := r.replan(ctx, task, cause, d)
		if err != nil || replaced {
			return err
		}
		d = policy.Declined(d)
	}

	switch d.Action {
	case policy.ActionRetry:
		prev := *task
		task.Status = models.TaskStatusPending
		task.Error = cause.Error()
		if err := saveTask(r.e.store, task, prev); err != nil {
			return err
		}
		_, err := r.e.events.Append(r.job.ID, models.EventTaskRetrying, models.TaskEventPayload{
			TaskID:  task.ID,
			Title:   task.Title,
			Role:    task.Role,
			Attempt: task.Attempts,
			Error:   cause.Error(),
			Reason:  d.Reason,
		})
		return err

	case policy.ActionSkipDependents:
		if err := r.markFailed(task, cause, d.Reason); err != nil {
			return err
		}
		return r.skip(r.graph.TransitiveDependents(task.ID), fmt.Sprintf("dependency %s failed", task.ID))

	case policy.ActionAbort:
		if err := r.markFailed(task, cause, d.Reason); err != nil {
			return err
		}
		r.aborted = fmt.Errorf("%w: task %s: %v", models.ErrPolicyAbort, task.ID, cause)
		r.log.WithField("task_id", task.ID).Warn("Failure policy aborted the job")
		r.cancelInflight()
		return r.skipPending("job aborted")
	}
	return nil
}

// replan asks the planner for replacement tasks and splices them in place
// of task. It reports whether the graph changed.
func (r *jobRun) replan(ctx context.Context, task *models.Task, cause error, d policy.Decision) (bool, error) {
	// Replacements are not replanned again.
	if task.Context.ReplanOf != "" {
		return false, nil
	}

	// The task must be Failed before the reasoner is consulted so the
	// prompt carries the final error.
	if err := r.markFailed(task, cause, d.Reason); err != nil {
		return false, err
	}

	jobCopy := *r.job
	tasks, err := r.e.planner.Replan(ctx, &jobCopy, task, r.nextSeq)
	if err != nil {
		r.log.WithError(err).WithField("task_id", task.ID).Warn("Replan failed")
		return false, nil
	}
	if len(tasks) == 0 {
		r.log.WithField("task_id", task.ID).Info("Replan declined")
		return false, nil
	}

	if err := r.e.store.InsertTasks(tasks); err != nil {
		return false, models.PersistenceError("insert tasks", err)
	}
	if err := r.graph.Add(tasks...); err != nil {
		return false, fmt.Errorf("splice replanned tasks: %w", err)
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	dependents := r.graph.Dependents(task.ID)
	if err := r.graph.Redirect(task.ID, ids, dependents); err != nil {
		return false, fmt.Errorf("redirect dependents of %s: %w", task.ID, err)
	}
	for _, id := range dependents {
		if err := r.e.store.UpdateTask(r.graph.Get(id)); err != nil {
			return false, models.PersistenceError("update task", err)
		}
	}
	r.nextSeq += len(tasks)

	r.log.WithFields(logrus.Fields{"task_id": task.ID, "replacements": len(tasks)}).Info("Job replanned")
	_, err = r.e.events.Append(r.job.ID, models.EventJobReplanned, models.JobEventPayload{
		Status:  r.job.Status,
		Summary: fmt.Sprintf("replaced %s with %s", task.ID, strings.Join(ids, ", ")),
		Tasks:   len(tasks),
	})
	return true, err
}

// markFailed records task as Failed.
func (r *jobRun) markFailed(task *models.Task, cause error, reason string) error {
	if task.Status == models.TaskStatusFailed {
		return nil
	}
	prev := *task
	task.Status = models.TaskStatusFailed
	task.Error = cause.Error()
	if err := saveTask(r.e.store, task, prev); err != nil {
		return err
	}
	_, err := r.e.events.Append(r.job.ID, models.EventTaskFailed, models.TaskEventPayload{
		TaskID:      task.ID,
		Title:       task.Title,
		Role:        task.Role,
		WorkerAgent: task.WorkerAgent,
		Attempt:     task.Attempts,
		Error:       cause.Error(),
		Reason:      reason,
	})
	return err
}

// skip marks the pending tasks among ids Skipped.
func (r *jobRun) skip(ids []string, reason string) error {
	for _, id := range ids {
		task := r.graph.Get(id)
		if task == nil || task.Status != models.TaskStatusPending {
			continue
		}
		prev := *task
		task.Status = models.TaskStatusSkipped
		if err := saveTask(r.e.store, task, prev); err != nil {
			return err
		}
		if _, err := r.e.events.Append(r.job.ID, models.EventTaskSkipped, models.TaskEventPayload{
			TaskID: task.ID,
			Title:  task.Title,
			Role:   task.Role,
			Reason: reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *jobRun) skipPending(reason string) error {
	var ids []string
	for _, t := range r.graph.Tasks() {
		if t.Status == models.TaskStatusPending {
			ids = append(ids, t.ID)
		}
	}
	return r.skip(ids, reason)
}

func (r *jobRun) cancelInflight() {
	for _, inf := range r.inflight {
		inf.cancelFn()
	}
}

// checkExternalCancel notices a cancellation written by another process.
func (r *jobRun) checkExternalCancel() {
	if r.externallyCancelled {
		return
	}
	current, err := r.e.store.GetJob(r.job.ID)
	if err != nil || current == nil {
		return
	}
	if current.Status == models.JobStatusCancelled {
		r.log.Info("Job cancelled by another process")
		r.externallyCancelled = true
		r.cancelInflight()
	}
}

// drain cancels and waits out in-flight attempts after a fatal loop error.
func (r *jobRun) drain(cause error) error {
	r.cancelInflight()
	for len(r.inflight) > 0 {
		res := <-r.results
		delete(r.inflight, res.taskID)
	}
	r.log.WithError(cause).Error("Run loop stopped")
	return cause
}

// finish settles the job once nothing is in flight.
func (r *jobRun) finish(ctx context.Context) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), errShutdown) {
		r.log.Info("Run loop stopped for shutdown; job left for recovery")
		return nil
	}

	tasks := r.graph.Tasks()
	r.job.Summary = summarizeTasks(tasks)

	if r.externallyCancelled || ctx.Err() != nil {
		if err := r.skipPending("job cancelled"); err != nil {
			return err
		}
		if r.externallyCancelled {
			return nil
		}
		r.log.Info("Job cancelled")
		return transitionJob(r.e.store, r.e.events, r.job, models.JobStatusCancelled, models.EventJobCancelled, models.ErrCancelled)
	}

	if r.aborted != nil {
		if err := r.skipPending("job aborted"); err != nil {
			return err
		}
		r.log.WithError(r.aborted).Info("Job failed")
		return transitionJob(r.e.store, r.e.events, r.job, models.JobStatusFailed, models.EventJobFailed, r.aborted)
	}

	if failed := requiredFailures(tasks); len(failed) > 0 {
		cause := fmt.Errorf("task %s failed: %s", failed[0].ID, failed[0].Error)
		if len(failed) > 1 {
			cause = fmt.Errorf("%d tasks failed; first %s: %s", len(failed), failed[0].ID, failed[0].Error)
		}
		r.log.WithField("failed", len(failed)).Info("Job failed")
		return transitionJob(r.e.store, r.e.events, r.job, models.JobStatusFailed, models.EventJobFailed, cause)
	}

	return r.e.merger.Handoff(ctx, r.job, tasks)
}

// requiredFailures returns Failed tasks that were not replaced by a replan.
// Every task is required.
func requiredFailures(tasks []*models.Task) []*models.Task {
	replaced := make(map[string]bool)
	for _, t := range tasks {
		if t.Context.ReplanOf != "" {
			replaced[t.Context.ReplanOf] = true
		}
	}
	var failed []*models.Task
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed && !replaced[t.ID] {
			failed = append(failed, t)
		}
	}
	return failed
}

func summarizeTasks(tasks []*models.Task) string {
	counts := make(map[models.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	s := fmt.Sprintf("%d/%d tasks succeeded", counts[models.TaskStatusSucceeded], len(tasks))
	if n := counts[models.TaskStatusFailed]; n > 0 {
		s += fmt.Sprintf(", %d failed", n)
	}
	if n := counts[models.TaskStatusSkipped]; n > 0 {
		s += fmt.Sprintf(", %d skipped", n)
	}
	return s
}
