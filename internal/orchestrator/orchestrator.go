package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/conductor/internal/agent"
	iexec "github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/schema"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/templates"
	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	// errShutdown is the cancel cause of a process shutdown. Jobs stopped
	// with it stay non-terminal and are resumed by the next process.
	errShutdown = errors.New("engine shutting down")
	// errJobCancelled is the cancel cause of Engine.Cancel.
	errJobCancelled = fmt.Errorf("job %w", models.ErrCancelled)
)

// JobView is a job with its tasks.
type JobView struct {
	Job   *models.Job    `json:"job"`
	Tasks []*models.Task `json:"tasks"`
}

// running tracks a run loop owned by this process.
type running struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Engine is the entry point of the orchestrator. It plans jobs, runs their
// task graphs on the worker pool and exposes their state and events.
type Engine struct {
	db        *state.DB
	store     state.Store
	pool      *workerpool.Pool
	templates *templates.Service
	planner   *Planner
	runner    *TaskRunner
	merger    *MergeCoordinator
	events    *EventLog
	emitter   *EventEmitter
	recovery  *state.RecoveryManager
	policy    *policy.Config
	defaults  models.OrchestratorConfig
	log       *logrus.Entry
	debug     *DebugLogger

	baseCtx context.Context
	stop    context.CancelCauseFunc
	// wg tracks run loops and the attempts they start.
	wg sync.WaitGroup

	mu      sync.Mutex
	running map[string]*running
	closed  bool
}

// New creates an Engine with required config and optional settings.
func New(cfg RequiredConfig, opts ...Option) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("engine: DB is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("engine: Pool is required")
	}
	if cfg.Reasoner == nil {
		return nil, errors.New("engine: Reasoner is required")
	}

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	pol := o.policyConfig
	if pol == nil {
		pol = policy.Default()
	}
	pol.Validate()

	log := o.log
	if log == nil {
		log = logging.For("orchestrator")
	}
	debug := o.logger
	if debug == nil {
		debug = NopLogger()
	}
	setTraceLogger(debug)

	defaults := models.DefaultOrchestratorConfig()
	if o.defaults != nil {
		if err := o.defaults.Validate(); err != nil {
			return nil, fmt.Errorf("engine defaults: %w", err)
		}
		defaults = *o.defaults
	}

	schemas := o.schemas
	if schemas == nil {
		var err error
		if schemas, err = schema.Default(); err != nil {
			return nil, fmt.Errorf("engine schemas: %w", err)
		}
	}
	catalog := o.catalog
	if catalog == nil {
		runner := o.execRunner
		if runner == nil {
			runner = iexec.NewRunner()
		}
		catalog = agent.DefaultCatalog(runner)
	}

	emitter := NewEventEmitter(pol.Events.BufferSize, pol.Events.PublishTimeout, log.WithField("component", "events"))
	events := NewEventLog(cfg.DB, emitter, pol.Loop.PollInterval, log.WithField("component", "events"))
	tmpl := templates.NewService(cfg.DB, log.WithField("component", "templates"))

	if o.seedTemplates {
		if n, err := tmpl.SeedDefaults(); err != nil {
			return nil, fmt.Errorf("seed templates: %w", err)
		} else if n > 0 {
			log.WithField("count", n).Info("Seeded default templates")
		}
	}

	e := &Engine{
		db:        cfg.DB,
		store:     cfg.DB,
		pool:      cfg.Pool,
		templates: tmpl,
		events:    events,
		emitter:   emitter,
		recovery:  state.NewRecoveryManager(cfg.DB, log),
		policy:    pol,
		defaults:  defaults,
		log:       log,
		debug:     debug,
		running:   make(map[string]*running),
	}
	e.baseCtx, e.stop = context.WithCancelCause(context.Background())

	decomposer := NewDecomposer(cfg.Reasoner, o.plannerModel, schemas)
	e.planner = NewPlanner(cfg.DB, tmpl, e.Config, schemas, decomposer, events, log.WithField("component", "planner"))
	e.planner.decomposeRequests = !o.noDecompose
	e.planner.replanning = !o.noReplanning
	e.runner = NewTaskRunner(cfg.Pool, cfg.Reasoner, catalog, o.executorOpts, cfg.DB, events, log.WithField("component", "executor"))
	e.merger = NewMergeCoordinator(cfg.DB, events, o.mergeAction, pol.Merge.Timeout, log.WithField("component", "merge"))
	return e, nil
}

// Templates returns the template service.
func (e *Engine) Templates() *templates.Service {
	return e.templates
}

// Config returns the saved orchestrator config, or the defaults when none
// was saved.
func (e *Engine) Config() (models.OrchestratorConfig, error) {
	cfg, err := e.store.GetOrchestratorConfig()
	if err != nil {
		return models.OrchestratorConfig{}, models.PersistenceError("get config", err)
	}
	if cfg == nil {
		return e.defaults, nil
	}
	return *cfg, nil
}

// SetConfig validates and saves the orchestrator config. Existing jobs keep
// their policy snapshot.
func (e *Engine) SetConfig(cfg models.OrchestratorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.store.SaveOrchestratorConfig(cfg); err != nil {
		return models.PersistenceError("save config", err)
	}
	e.log.WithFields(logrus.Fields{
		"worker_mode":     cfg.DefaultWorkerMode,
		"max_parallelism": cfg.DefaultMaxParallelism,
		"retry_limit":     cfg.DefaultRetryLimit,
		"failure_policy":  cfg.DefaultFailurePolicy,
		"merge_policy":    cfg.DefaultMergePolicy,
	}).Info("Orchestrator config updated")
	return nil
}

// Submit plans a job without running it. The job is left in Planning for
// Start, Resume or a serving process to pick up.
func (e *Engine) Submit(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	job, _, err := e.planner.Plan(ctx, req)
	return job, err
}

// Start plans a job and runs it in the background.
func (e *Engine) Start(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	job, tasks, err := e.planner.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPlanning {
		return job, nil
	}
	if err := e.launch(job, tasks); err != nil {
		return nil, err
	}
	return job, nil
}

// Run plans a job and waits until it settles.
func (e *Engine) Run(ctx context.Context, req models.JobRequest) (*models.Job, error) {
	job, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, job.ID)
}

// settled reports whether a job can make no progress on its own.
func settled(job *models.Job) bool {
	return job.Status.Terminal() || job.Status == models.JobStatusAwaitingMerge
}

// Wait blocks until the job is terminal or awaiting merge approval.
// A job run by another process is followed by polling the store.
func (e *Engine) Wait(ctx context.Context, jobID string) (*models.Job, error) {
	for {
		job, err := e.getJob(jobID)
		if err != nil {
			return nil, err
		}
		if settled(job) {
			return job, nil
		}

		e.mu.Lock()
		rj := e.running[jobID]
		e.mu.Unlock()

		var done <-chan struct{}
		if rj != nil {
			done = rj.done
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-done:
			if rj.err != nil && !errors.Is(rj.err, errAlreadyClaimed) {
				job, _ = e.getJob(jobID)
				return job, rj.err
			}
		case <-time.After(e.policy.Loop.PollInterval):
		}
	}
}

func (e *Engine) getJob(jobID string) (*models.Job, error) {
	job, err := e.store.GetJob(jobID)
	if err != nil {
		return nil, models.PersistenceError("get job", err)
	}
	if job == nil {
		return nil, models.NewNotFound("job", jobID)
	}
	return job, nil
}

// GetJob returns a job and its tasks in plan order.
func (e *Engine) GetJob(jobID string) (*JobView, error) {
	job, err := e.getJob(jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasks(jobID)
	if err != nil {
		return nil, models.PersistenceError("list tasks", err)
	}
	return &JobView{Job: job, Tasks: tasks}, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (e *Engine) ListJobs(status *models.JobStatus) ([]*models.Job, error) {
	if status != nil && !status.Valid() {
		return nil, models.NewValidationError("invalid job status %q", *status)
	}
	jobs, err := e.store.ListJobs(status)
	if err != nil {
		return nil, models.PersistenceError("list jobs", err)
	}
	return jobs, nil
}

// Workers returns every worker run of a job, one per attempt.
func (e *Engine) Workers(jobID string) ([]*models.WorkerRun, error) {
	if _, err := e.getJob(jobID); err != nil {
		return nil, err
	}
	runs, err := e.store.ListWorkerRuns(jobID)
	if err != nil {
		return nil, models.PersistenceError("list worker runs", err)
	}
	return runs, nil
}

// PoolStats returns the worker pool counters.
func (e *Engine) PoolStats() workerpool.Stats {
	return e.pool.Stats()
}

// Events returns up to limit events of a job after the cursor.
func (e *Engine) Events(jobID string, after int64, limit int) ([]*models.Event, error) {
	if _, err := e.getJob(jobID); err != nil {
		return nil, err
	}
	return e.events.Replay(jobID, after, limit)
}

// Stream follows a job's events from the cursor until its terminal event.
// For a job that already finished, the remaining events are replayed and
// the channel closes.
func (e *Engine) Stream(ctx context.Context, jobID string, after int64) (<-chan *models.Event, error) {
	job, err := e.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return e.events.Stream(ctx, jobID, after)
	}

	backlog, err := e.events.Replay(jobID, after, 0)
	if err != nil {
		return nil, err
	}
	out := make(chan *models.Event, len(backlog))
	for _, ev := range backlog {
		out <- ev
	}
	close(out)
	return out, nil
}

// Cancel stops a job. In-flight attempts are cancelled and recorded as
// failed, pending tasks are skipped and the job ends Cancelled. A job run
// by another process is marked Cancelled in the store; that process
// notices on its next poll.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.getJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, models.NewValidationError("job %s is already %s", jobID, job.Status)
	}

	e.mu.Lock()
	rj := e.running[jobID]
	e.mu.Unlock()

	if rj != nil {
		e.log.WithField("job_id", jobID).Info("Cancelling job")
		rj.cancel(errJobCancelled)
		select {
		case <-rj.done:
		case <-ctx.Done():
			return job, ctx.Err()
		}
		job, err = e.getJob(jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		// The loop never claimed the job; fall through and cancel it here.
	}

	tasks, err := e.store.ListTasks(jobID)
	if err != nil {
		return nil, models.PersistenceError("list tasks", err)
	}
	// A queued job has no loop to skip its tasks.
	if job.Status == models.JobStatusPlanning || job.Status == models.JobStatusPending {
		for _, t := range tasks {
			if t.Status != models.TaskStatusPending {
				continue
			}
			prev := *t
			t.Status = models.TaskStatusSkipped
			if err := saveTask(e.store, t, prev); err != nil {
				return nil, err
			}
			if _, err := e.events.Append(jobID, models.EventTaskSkipped, models.TaskEventPayload{
				TaskID: t.ID,
				Title:  t.Title,
				Role:   t.Role,
				Reason: "job cancelled",
			}); err != nil {
				return nil, err
			}
		}
	}
	job.Summary = summarizeTasks(tasks)
	if err := transitionJob(e.store, e.events, job, models.JobStatusCancelled, models.EventJobCancelled, models.ErrCancelled); err != nil {
		return nil, err
	}
	e.log.WithField("job_id", jobID).Info("Job cancelled")
	return job, nil
}

// ApproveMerge runs the merge step of a job awaiting approval.
func (e *Engine) ApproveMerge(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := e.merger.Approve(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrMergeActionFailed) {
			// The job failed; return it along with the cause.
			current, gerr := e.getJob(jobID)
			if gerr == nil {
				job = current
			}
		}
		return job, err
	}
	return e.getJob(jobID)
}

// launch starts the run loop of a planned or running job.
func (e *Engine) launch(job *models.Job, tasks []*models.Task) error {
	jr, err := newJobRun(e, job, tasks)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errShutdown
	}
	if _, ok := e.running[job.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	rj := &running{cancel: cancel, done: make(chan struct{})}
	e.running[job.ID] = rj
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(rj.done)
		defer cancel(nil)

		rj.err = jr.run(ctx)
		if errors.Is(rj.err, errAlreadyClaimed) {
			e.log.WithField("job_id", job.ID).Debug("Job claimed elsewhere")
		} else if rj.err != nil {
			e.log.WithError(rj.err).WithField("job_id", job.ID).Error("Run loop failed")
		}

		e.mu.Lock()
		delete(e.running, job.ID)
		e.mu.Unlock()
	}()
	return nil
}

// Resume recovers every non-terminal job found in the store: interrupted
// worker runs are closed and run loops restarted. Jobs interrupted before
// their plan was stored, or in the middle of a merge, are failed since
// neither step is safe to repeat. Returns the number of loops started.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	interrupted, err := e.recovery.CheckForInterrupted()
	if err != nil {
		return 0, models.PersistenceError("check interrupted jobs", err)
	}

	var (
		mu      sync.Mutex
		started int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ij := range interrupted {
		ij := ij
		if e.isLocal(ij.Job.ID) {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			ok, err := e.resumeJob(ij)
			if err != nil {
				return fmt.Errorf("resume job %s: %w", ij.Job.ID, err)
			}
			if ok {
				mu.Lock()
				started++
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	if started > 0 {
		e.log.WithField("jobs", started).Info("Resumed interrupted jobs")
	}
	return started, err
}

func (e *Engine) resumeJob(ij *state.InterruptedJob) (bool, error) {
	job := ij.Job
	logger := e.log.WithField("job_id", job.ID)

	closed, err := e.recovery.CloseInterruptedRuns(job.ID)
	if err != nil {
		return false, err
	}
	if closed > 0 {
		trace("resume", "job %s: closed %d interrupted runs", job.ID, closed)
	}

	if job.Merge == models.MergeStatusPending {
		logger.Warn("Merge was interrupted; failing job")
		job.Merge = models.MergeStatusFailed
		cause := fmt.Errorf("%w: interrupted", models.ErrMergeActionFailed)
		return false, transitionJob(e.store, e.events, job, models.JobStatusFailed, models.EventJobFailed, cause)
	}

	tasks, err := e.store.ListTasks(job.ID)
	if err != nil {
		return false, models.PersistenceError("list tasks", err)
	}

	switch job.Status {
	case models.JobStatusPending:
		if len(tasks) == 0 {
			logger.Warn("Planning was interrupted; failing job")
			job.Summary = "planning failed"
			return false, transitionJob(e.store, e.events, job, models.JobStatusFailed, models.EventJobFailed, errors.New("interrupted during planning"))
		}
		if err := transitionJob(e.store, e.events, job, models.JobStatusPlanning, "", nil); err != nil {
			return false, err
		}
	case models.JobStatusPlanning, models.JobStatusRunning:
	default:
		// AwaitingMerge waits for approval.
		return false, nil
	}

	logger.WithFields(logrus.Fields{
		"status":      job.Status,
		"in_progress": len(ij.InProgress),
	}).Info("Resuming job")
	if err := e.launch(job, tasks); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) isLocal(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[jobID]
	return ok
}

// Serve resumes interrupted jobs and then runs jobs submitted by other
// processes until ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	if _, err := e.Resume(ctx); err != nil {
		return err
	}
	e.log.Info("Serving jobs")

	ticker := time.NewTicker(e.policy.Loop.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("Stopped serving jobs")
			return nil
		case <-ticker.C:
			if err := e.pickUp(); err != nil {
				e.log.WithError(err).Warn("Failed to pick up queued jobs")
			}
		}
	}
}

// pickUp launches planned jobs no loop has claimed yet, oldest first.
func (e *Engine) pickUp() error {
	status := models.JobStatusPlanning
	jobs, err := e.ListJobs(&status)
	if err != nil {
		return err
	}
	for i := len(jobs) - 1; i >= 0; i-- {
		job := jobs[i]
		if e.isLocal(job.ID) {
			continue
		}
		tasks, err := e.store.ListTasks(job.ID)
		if err != nil {
			return models.PersistenceError("list tasks", err)
		}
		if len(tasks) == 0 {
			continue
		}
		if err := e.launch(job, tasks); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops every run loop of this process and waits for them. Jobs
// stay non-terminal and are resumed by the next Resume.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.stop(errShutdown)
	e.wg.Wait()
	if n := e.emitter.DroppedCount(); n > 0 {
		e.log.WithField("dropped", n).Warn("Slow stream subscribers missed live events")
	}
	e.log.Debug("Engine stopped")
	if err := e.debug.Close(); err != nil {
		e.log.WithError(err).Warn("Failed to close debug log")
	}
}
