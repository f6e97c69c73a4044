package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/graph"
	"github.com/ShayCichocki/conductor/internal/schema"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/templates"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// defaultRole is used for tasks that name no role.
const defaultRole = "worker"

// Planner turns a JobRequest into a persisted job and task graph.
type Planner struct {
	jobs       state.JobStore
	templates  *templates.Service
	config     func() (models.OrchestratorConfig, error)
	schemas    *schema.Registry
	decomposer *Decomposer
	events     *EventLog
	log        *logrus.Entry

	// decomposeRequests and replanning gate the two uses of decomposer.
	decomposeRequests bool
	replanning        bool
}

// NewPlanner creates a planner. decomposer may be nil, in which case a
// request with no phases, tasks or template profiles becomes a single task.
func NewPlanner(
	jobs state.JobStore,
	tmpl *templates.Service,
	config func() (models.OrchestratorConfig, error),
	schemas *schema.Registry,
	decomposer *Decomposer,
	events *EventLog,
	log *logrus.Entry,
) *Planner {
	return &Planner{
		jobs:       jobs,
		templates:  tmpl,
		config:     config,
		schemas:    schemas,
		decomposer: decomposer,
		events:     events,
		log:        log,

		decomposeRequests: decomposer != nil,
		replanning:        decomposer != nil,
	}
}

// ResolvePolicy freezes the effective policy of a job.
// Precedence is request override, then template default, then config.
func ResolvePolicy(req models.JobRequest, tmpl *models.JobTemplate, cfg models.OrchestratorConfig) models.PolicySnapshot {
	snap := models.PolicySnapshot{
		WorkerMode:     cfg.DefaultWorkerMode,
		MaxParallelism: cfg.DefaultMaxParallelism,
		RetryLimit:     cfg.DefaultRetryLimit,
		FailurePolicy:  cfg.DefaultFailurePolicy,
		MergePolicy:    cfg.DefaultMergePolicy,
	}

	if tmpl != nil {
		snap.TemplateID = tmpl.ID
		snap.SpawnProfiles = append([]models.SpawnProfile(nil), tmpl.SpawnProfiles...)
		if tmpl.DefaultWorkerMode != nil {
			snap.WorkerMode = *tmpl.DefaultWorkerMode
		}
		if tmpl.DefaultMaxParallelism != nil {
			snap.MaxParallelism = *tmpl.DefaultMaxParallelism
		}
		if tmpl.DefaultRetryLimit != nil {
			snap.RetryLimit = *tmpl.DefaultRetryLimit
		}
		if tmpl.DefaultFailurePolicy != nil {
			snap.FailurePolicy = *tmpl.DefaultFailurePolicy
		}
		if tmpl.DefaultMergePolicy != nil {
			snap.MergePolicy = *tmpl.DefaultMergePolicy
		}
	}

	if req.WorkerMode != nil {
		snap.WorkerMode = *req.WorkerMode
	}
	if req.MaxParallelism != nil {
		snap.MaxParallelism = *req.MaxParallelism
	}
	if req.RetryLimit != nil {
		snap.RetryLimit = *req.RetryLimit
	}
	if req.FailurePolicy != nil {
		snap.FailurePolicy = *req.FailurePolicy
	}
	if req.MergePolicy != nil {
		snap.MergePolicy = *req.MergePolicy
	}
	return snap
}

// ResolveProfile picks the spawn profile for a role: a case-insensitive
// role match first, then the profile at index i modulo the list.
// Returns nil when there are no profiles.
func ResolveProfile(profiles []models.SpawnProfile, role string, i int) *models.SpawnProfile {
	if len(profiles) == 0 {
		return nil
	}
	for k := range profiles {
		if strings.EqualFold(profiles[k].Role, role) {
			p := profiles[k]
			return &p
		}
	}
	if i < 0 {
		i = 0
	}
	p := profiles[i%len(profiles)]
	return &p
}

func validateRequest(req models.JobRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return models.NewValidationError("prompt is required")
	}
	if req.WorkerMode != nil && !req.WorkerMode.Valid() {
		return models.NewValidationError("invalid worker mode %q", *req.WorkerMode)
	}
	if req.MaxParallelism != nil && *req.MaxParallelism < 1 {
		return models.NewValidationError("max parallelism must be at least 1")
	}
	if req.RetryLimit != nil && *req.RetryLimit < 0 {
		return models.NewValidationError("retry limit must not be negative")
	}
	if req.FailurePolicy != nil && !req.FailurePolicy.Valid() {
		return models.NewValidationError("invalid failure policy %q", *req.FailurePolicy)
	}
	if req.MergePolicy != nil && !req.MergePolicy.Valid() {
		return models.NewValidationError("invalid merge policy %q", *req.MergePolicy)
	}
	if len(req.Phases) > 0 && len(req.Tasks) > 0 {
		return models.NewValidationError("phases and tasks are mutually exclusive")
	}
	for i, role := range req.Phases {
		if strings.TrimSpace(role) == "" {
			return models.NewValidationError("phase %d has no role", i+1)
		}
	}
	return nil
}

// phaseSpecs turns an ordered role list into a linear chain.
func phaseSpecs(prompt string, roles []string) []models.TaskSpec {
	specs := make([]models.TaskSpec, len(roles))
	for i, role := range roles {
		spec := models.TaskSpec{
			Key:         fmt.Sprintf("phase-%d", i+1),
			Role:        role,
			Title:       fmt.Sprintf("Phase %d: %s", i+1, role),
			Description: prompt,
			Context:     models.TaskContext{Phase: i + 1},
		}
		if i > 0 {
			spec.DependsOn = []string{specs[i-1].Key}
		}
		specs[i] = spec
	}
	return specs
}

func profileRoles(profiles []models.SpawnProfile) []string {
	roles := make([]string, len(profiles))
	for i, p := range profiles {
		roles[i] = p.Role
	}
	return roles
}

// Plan validates req, resolves its policy and persists the job with its
// task graph. Request errors are returned before anything is stored. When
// the graph comes from the reasoner, a planning failure is recorded on the
// job instead and the job is returned Failed.
func (p *Planner) Plan(ctx context.Context, req models.JobRequest) (*models.Job, []*models.Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	cfg, err := p.config()
	if err != nil {
		return nil, nil, err
	}

	var tmpl *models.JobTemplate
	if req.TemplateID != "" {
		tmpl, err = p.templates.Resolve(req.TemplateID)
		if err != nil {
			return nil, nil, err
		}
	}
	snap := ResolvePolicy(req, tmpl, cfg)

	now := time.Now()
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobStatusPending,
		Prompt:    req.Prompt,
		Policy:    snap,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var specs []models.TaskSpec
	decompose := false
	switch {
	case len(req.Tasks) > 0:
		specs = req.Tasks
	case len(req.Phases) > 0:
		specs = phaseSpecs(req.Prompt, req.Phases)
	case len(snap.SpawnProfiles) > 0:
		specs = phaseSpecs(req.Prompt, profileRoles(snap.SpawnProfiles))
	case p.decomposeRequests:
		decompose = true
	default:
		specs = []models.TaskSpec{{Key: "task-1", Role: defaultRole, Title: "Complete the request", Description: req.Prompt}}
	}

	var tasks []*models.Task
	if !decompose {
		tasks, err = p.materialize(job.ID, specs, 1, false)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := p.jobs.CreateJob(job, tasks); err != nil {
		return nil, nil, models.PersistenceError("create job", err)
	}
	if _, err := p.events.Append(job.ID, models.EventJobCreated, models.JobEventPayload{Status: job.Status, Tasks: len(tasks)}); err != nil {
		return nil, nil, err
	}

	if decompose {
		tasks, err = p.decompose(ctx, job)
		if err != nil {
			p.log.WithError(err).WithField("job_id", job.ID).Warn("Planning failed")
			if ferr := p.failPlanning(job, err); ferr != nil {
				return nil, nil, ferr
			}
			return job, nil, nil
		}
	}

	if err := transitionJob(p.jobs, p.events, job, models.JobStatusPlanning, "", nil); err != nil {
		return nil, nil, err
	}

	payload := models.JobEventPayload{Status: job.Status, Tasks: len(tasks)}
	if cfg.ParallelismWarnThreshold > 0 && snap.MaxParallelism > cfg.ParallelismWarnThreshold {
		payload.Advice = fmt.Sprintf("max_parallelism %d exceeds the advisory threshold %d", snap.MaxParallelism, cfg.ParallelismWarnThreshold)
		p.log.WithFields(logrus.Fields{
			"job_id":          job.ID,
			"max_parallelism": snap.MaxParallelism,
			"threshold":       cfg.ParallelismWarnThreshold,
		}).Warn("Parallelism above advisory threshold")
	}
	if _, err := p.events.Append(job.ID, models.EventPlanBuilt, payload); err != nil {
		return nil, nil, err
	}
	if payload.Advice != "" {
		if _, err := p.events.Append(job.ID, models.EventParallelismAdvice, models.JobEventPayload{Advice: payload.Advice}); err != nil {
			return nil, nil, err
		}
	}

	p.log.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"tasks":          len(tasks),
		"template":       snap.TemplateID,
		"failure_policy": snap.FailurePolicy,
		"merge_policy":   snap.MergePolicy,
	}).Info("Job planned")
	return job, tasks, nil
}

func (p *Planner) decompose(ctx context.Context, job *models.Job) ([]*models.Task, error) {
	specs, err := p.decomposer.Decompose(ctx, job.Prompt, profileRoles(job.Policy.SpawnProfiles))
	if err != nil {
		return nil, err
	}
	tasks, err := p.materialize(job.ID, specs, 1, true)
	if err != nil {
		return nil, err
	}
	if err := p.jobs.InsertTasks(tasks); err != nil {
		return nil, models.PersistenceError("insert tasks", err)
	}
	return tasks, nil
}

func (p *Planner) failPlanning(job *models.Job, cause error) error {
	job.Summary = "planning failed"
	return transitionJob(p.jobs, p.events, job, models.JobStatusFailed, models.EventJobFailed, cause)
}

// Replan turns the decomposer's replacement specs for failed into tasks.
// The new tasks inherit the dependencies of the failed task. nextSeq is the
// sequence number of the first new task. Returns nil when declined.
func (p *Planner) Replan(ctx context.Context, job *models.Job, failed *models.Task, nextSeq int) ([]*models.Task, error) {
	if !p.replanning {
		return nil, nil
	}
	specs, err := p.decomposer.Replan(ctx, job, failed)
	if err != nil || len(specs) == 0 {
		return nil, err
	}

	tasks, err := p.materialize(job.ID, specs, nextSeq, true)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.Context.ReplanOf = failed.ID
		if len(t.DependsOn) == 0 {
			t.DependsOn = append([]string(nil), failed.DependsOn...)
		}
	}
	return tasks, nil
}

// materialize validates specs and converts them to tasks with job-scoped
// IDs. Checks run in order: duplicate or unknown keys, cycles, then
// forward references. With reorder set, specs are topologically sorted
// instead of rejected for forward references.
func (p *Planner) materialize(jobID string, specs []models.TaskSpec, firstSeq int, reorder bool) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, models.NewValidationError("plan has no tasks")
	}

	byKey := make(map[string]models.TaskSpec, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.Key) == "" {
			return nil, models.NewValidationError("task %d has no key", i+1)
		}
		if strings.TrimSpace(s.Title) == "" {
			return nil, models.NewValidationError("task %q has no title", s.Key)
		}
		if _, dup := byKey[s.Key]; dup {
			return nil, models.NewValidationError("duplicate task key %q", s.Key)
		}
		if err := p.schemas.ValidateValue(schema.TaskContextSchema, s.Context); err != nil {
			return nil, fmt.Errorf("task %q context: %w", s.Key, err)
		}
		byKey[s.Key] = s
	}

	// Keyed tasks first, so errors name the caller's keys.
	keyed := make([]*models.Task, len(specs))
	for i, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := byKey[dep]; !ok {
				return nil, models.NewValidationError("task %q depends on unknown task %q", s.Key, dep)
			}
		}
		keyed[i] = &models.Task{ID: s.Key, DependsOn: s.DependsOn, Status: models.TaskStatusPending}
	}
	g := graph.New()
	g.SetDebugLog(traceGraph)
	if err := g.Build(keyed); err != nil {
		return nil, err
	}

	order := make([]string, 0, len(specs))
	if reorder {
		sorted, err := g.TopologicalSort()
		if err != nil {
			return nil, err
		}
		order = sorted
	} else {
		if err := graph.CheckForwardRefs(keyed); err != nil {
			return nil, err
		}
		for _, s := range specs {
			order = append(order, s.Key)
		}
	}

	ids := make(map[string]string, len(order))
	for i, key := range order {
		ids[key] = taskID(jobID, firstSeq+i)
	}

	now := time.Now()
	tasks := make([]*models.Task, 0, len(order))
	for _, key := range order {
		s := byKey[key]
		role := s.Role
		if role == "" {
			role = defaultRole
		}
		var deps []string
		for _, d := range s.DependsOn {
			deps = append(deps, ids[d])
		}
		tasks = append(tasks, &models.Task{
			ID:          ids[key],
			JobID:       jobID,
			Role:        role,
			Title:       s.Title,
			Description: s.Description,
			Context:     s.Context,
			DependsOn:   deps,
			Status:      models.TaskStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return tasks, nil
}

// taskID derives a task ID from the job ID and a sequence number. Task IDs
// are unique across the store, so the whole job ID is kept.
func taskID(jobID string, seq int) string {
	return fmt.Sprintf("%s-%03d", jobID, seq)
}
