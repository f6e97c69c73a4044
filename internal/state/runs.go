package state

import (
	"database/sql"
	"fmt"

	"github.com/ShayCichocki/conductor/pkg/models"
)

const runColumns = "id, job_id, task_id, worker_agent, worker_mode, status, attempt, task_prompt, output, error, iterations, started_at, finished_at"

func scanRun(row interface{ Scan(...any) error }) (*models.WorkerRun, error) {
	var r models.WorkerRun
	var prompt, output, errMsg, finishedAt sql.NullString
	var startedAt string

	if err := row.Scan(&r.ID, &r.JobID, &r.TaskID, &r.WorkerAgent, &r.WorkerMode, &r.Status, &r.Attempt,
		&prompt, &output, &errMsg, &r.Iterations, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.TaskPrompt = prompt.String
	r.Output = output.String
	r.Error = errMsg.String
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// CreateWorkerRun records the start of a worker attempt.
func (db *DB) CreateWorkerRun(r *models.WorkerRun) error {
	_, err := db.Exec(`
		INSERT INTO worker_runs (id, job_id, task_id, worker_agent, worker_mode, status, attempt,
			task_prompt, output, error, iterations, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.JobID, r.TaskID, r.WorkerAgent, string(r.WorkerMode), string(r.Status), r.Attempt,
		r.TaskPrompt, r.Output, r.Error, r.Iterations, formatTime(r.StartedAt), formatNullableTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("create worker run: %w", err)
	}
	return nil
}

// UpdateWorkerRun records the outcome of a worker attempt.
func (db *DB) UpdateWorkerRun(r *models.WorkerRun) error {
	_, err := db.Exec(`
		UPDATE worker_runs SET status = ?, output = ?, error = ?, iterations = ?, finished_at = ?
		WHERE id = ?
	`, string(r.Status), r.Output, r.Error, r.Iterations, formatNullableTime(r.FinishedAt), r.ID)
	if err != nil {
		return fmt.Errorf("update worker run: %w", err)
	}
	return nil
}

// ListWorkerRuns lists all runs for a job ordered by start time.
func (db *DB) ListWorkerRuns(jobID string) ([]*models.WorkerRun, error) {
	return db.listRuns("SELECT "+runColumns+" FROM worker_runs WHERE job_id = ? ORDER BY started_at ASC, attempt ASC", jobID)
}

// ListTaskRuns lists all runs for a task ordered by attempt.
func (db *DB) ListTaskRuns(taskID string) ([]*models.WorkerRun, error) {
	return db.listRuns("SELECT "+runColumns+" FROM worker_runs WHERE task_id = ? ORDER BY attempt ASC", taskID)
}

func (db *DB) listRuns(query string, arg string) ([]*models.WorkerRun, error) {
	rows, err := db.Query(query, arg)
	if err != nil {
		return nil, fmt.Errorf("list worker runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkerRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
