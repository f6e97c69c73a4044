package state

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// InterruptedReason is recorded on worker runs that were cut off by a restart.
const InterruptedReason = "interrupted: process exited while the task was in progress"

// InterruptedJob describes a non-terminal job found on startup.
type InterruptedJob struct {
	Job *models.Job
	// InProgress are the tasks that were running when the process stopped.
	InProgress []*models.Task
}

// RecoveryManager handles detection and recovery of interrupted jobs.
type RecoveryManager struct {
	db  *DB
	log *logrus.Entry
}

// NewRecoveryManager creates a new RecoveryManager with the given database.
func NewRecoveryManager(db *DB, log *logrus.Entry) *RecoveryManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RecoveryManager{db: db, log: log.WithField("component", "recovery")}
}

// CheckForInterrupted returns every job that is not terminal, oldest first,
// along with its in-progress tasks.
func (rm *RecoveryManager) CheckForInterrupted() ([]*InterruptedJob, error) {
	jobs, err := rm.db.ListJobs(nil)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	var out []*InterruptedJob
	for i := len(jobs) - 1; i >= 0; i-- {
		j := jobs[i]
		if j.Status.Terminal() {
			continue
		}

		tasks, err := rm.db.ListTasks(j.ID)
		if err != nil {
			return nil, fmt.Errorf("list tasks for job %s: %w", j.ID, err)
		}

		ij := &InterruptedJob{Job: j}
		for _, t := range tasks {
			if t.Status == models.TaskStatusInProgress {
				ij.InProgress = append(ij.InProgress, t)
			}
		}
		out = append(out, ij)
	}
	return out, nil
}

// CloseInterruptedRuns marks every still-running worker run of a job as failed.
// The owning tasks are left InProgress for the scheduler to hand to the
// failure policy. Returns the number of runs closed.
func (rm *RecoveryManager) CloseInterruptedRuns(jobID string) (int, error) {
	runs, err := rm.db.ListWorkerRuns(jobID)
	if err != nil {
		return 0, fmt.Errorf("list worker runs: %w", err)
	}

	closed := 0
	now := time.Now()
	for _, r := range runs {
		if r.Status != models.WorkerRunRunning {
			continue
		}
		r.Status = models.WorkerRunFailed
		r.Error = InterruptedReason
		r.FinishedAt = &now
		if err := rm.db.UpdateWorkerRun(r); err != nil {
			return closed, fmt.Errorf("close run %s: %w", r.ID, err)
		}
		rm.log.WithFields(logrus.Fields{
			"job_id":  jobID,
			"task_id": r.TaskID,
			"attempt": r.Attempt,
		}).Info("closed interrupted worker run")
		closed++
	}
	return closed, nil
}
