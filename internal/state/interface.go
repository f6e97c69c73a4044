package state

import (
	"io"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// ConfigStore persists the process-wide orchestrator config.
type ConfigStore interface {
	// GetOrchestratorConfig returns the stored config, or nil if none was saved.
	GetOrchestratorConfig() (*models.OrchestratorConfig, error)
	SaveOrchestratorConfig(cfg models.OrchestratorConfig) error
}

// TemplateStore handles job template persistence.
type TemplateStore interface {
	ListTemplates() ([]*models.JobTemplate, error)
	GetTemplate(id string) (*models.JobTemplate, error)
	GetTemplateByName(name string) (*models.JobTemplate, error)
	UpsertTemplate(t *models.JobTemplate) error
	DeleteTemplate(id string) (bool, error)
	CountTemplates() (int, error)
}

// JobStore handles job and task persistence.
type JobStore interface {
	// CreateJob inserts the job and its initial tasks in one transaction.
	CreateJob(job *models.Job, tasks []*models.Task) error
	GetJob(id string) (*models.Job, error)
	UpdateJob(job *models.Job) error
	// ClaimJob is a compare-and-set on the job status.
	ClaimJob(id string, from, to models.JobStatus) (bool, error)
	ListJobs(status *models.JobStatus) ([]*models.Job, error)
	InsertTasks(tasks []*models.Task) error
	GetTask(id string) (*models.Task, error)
	UpdateTask(task *models.Task) error
	ListTasks(jobID string) ([]*models.Task, error)
}

// RunStore handles worker run persistence.
type RunStore interface {
	CreateWorkerRun(run *models.WorkerRun) error
	UpdateWorkerRun(run *models.WorkerRun) error
	ListWorkerRuns(jobID string) ([]*models.WorkerRun, error)
	ListTaskRuns(taskID string) ([]*models.WorkerRun, error)
}

// EventStore handles the append-only job event log.
type EventStore interface {
	// AppendEvent assigns the next per-job id and stores the event.
	AppendEvent(jobID string, eventType models.EventType, payload []byte) (*models.Event, error)
	// ListEvents returns events with id > after in ascending order.
	// A limit <= 0 means no limit.
	ListEvents(jobID string, after int64, limit int) ([]*models.Event, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for engine persistence.
// It composes focused sub-interfaces so components can depend on only
// what they use.
type Store interface {
	io.Closer
	Migrator
	ConfigStore
	TemplateStore
	JobStore
	RunStore
	EventStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ ConfigStore   = (*DB)(nil)
	_ TemplateStore = (*DB)(nil)
	_ JobStore      = (*DB)(nil)
	_ RunStore      = (*DB)(nil)
	_ EventStore    = (*DB)(nil)
)
