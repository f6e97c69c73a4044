package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

const jobColumns = "id, status, prompt, policy, summary, error, merge_status, created_at, updated_at, finished_at"

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var j models.Job
	var policy, createdAt, updatedAt string
	var summary, errMsg, merge, finishedAt sql.NullString

	if err := row.Scan(&j.ID, &j.Status, &j.Prompt, &policy, &summary, &errMsg, &merge, &createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(policy), &j.Policy); err != nil {
		return nil, fmt.Errorf("decode policy for job %s: %w", j.ID, err)
	}
	j.Summary = summary.String
	j.Error = errMsg.String
	j.Merge = models.MergeStatus(merge.String)
	j.CreatedAt, _ = parseTime(createdAt)
	j.UpdatedAt, _ = parseTime(updatedAt)
	j.FinishedAt = parseNullableTime(finishedAt)
	return &j, nil
}

// CreateJob inserts the job and its initial tasks in a single transaction.
func (db *DB) CreateJob(job *models.Job, tasks []*models.Task) error {
	policy, err := json.Marshal(job.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO jobs (id, status, prompt, policy, summary, error, merge_status, created_at, updated_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, string(job.Status), job.Prompt, string(policy), job.Summary, job.Error, string(job.Merge),
			formatTime(job.CreatedAt), formatTime(job.UpdatedAt), formatNullableTime(job.FinishedAt))
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := insertTasksTx(tx, tasks); err != nil {
			return err
		}
		return nil
	})
}

// GetJob retrieves a job by ID. Returns nil if not found.
func (db *DB) GetJob(id string) (*models.Job, error) {
	j, err := scanJob(db.QueryRow("SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// UpdateJob updates the mutable fields of a job.
func (db *DB) UpdateJob(job *models.Job) error {
	job.UpdatedAt = time.Now()
	_, err := db.Exec(`
		UPDATE jobs SET status = ?, summary = ?, error = ?, merge_status = ?, updated_at = ?, finished_at = ?
		WHERE id = ?
	`, string(job.Status), job.Summary, job.Error, string(job.Merge), formatTime(job.UpdatedAt),
		formatNullableTime(job.FinishedAt), job.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ClaimJob moves a job from one status to another only if it is still in
// the expected status. It returns false when another writer got there first.
func (db *DB) ClaimJob(id string, from, to models.JobStatus) (bool, error) {
	res, err := db.Exec(`
		UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(to), formatTime(time.Now()), id, string(from))
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return n == 1, nil
}

// ListJobs lists jobs newest first, optionally filtered by status.
func (db *DB) ListJobs(status *models.JobStatus) ([]*models.Job, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.Query("SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at DESC", string(*status))
	} else {
		rows, err = db.Query("SELECT " + jobColumns + " FROM jobs ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const taskColumns = "id, job_id, role, title, description, context, depends_on, status, worker_agent, output, error, attempts, created_at, updated_at"

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var description, taskCtx, dependsOn, workerAgent, output, errMsg sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&t.ID, &t.JobID, &t.Role, &t.Title, &description, &taskCtx, &dependsOn, &t.Status,
		&workerAgent, &output, &errMsg, &t.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.WorkerAgent = workerAgent.String
	t.Output = output.String
	t.Error = errMsg.String
	if taskCtx.Valid && taskCtx.String != "" {
		if err := json.Unmarshal([]byte(taskCtx.String), &t.Context); err != nil {
			return nil, fmt.Errorf("decode context for task %s: %w", t.ID, err)
		}
	}
	if dependsOn.Valid && dependsOn.String != "" {
		if err := json.Unmarshal([]byte(dependsOn.String), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("decode depends_on for task %s: %w", t.ID, err)
		}
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return &t, nil
}

func insertTasksTx(tx *sql.Tx, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	var seq int
	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM tasks WHERE job_id = ?", tasks[0].JobID).Scan(&seq); err != nil {
		return fmt.Errorf("next task seq: %w", err)
	}

	for _, t := range tasks {
		seq++
		taskCtx, err := json.Marshal(t.Context)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("encode depends_on: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO tasks (id, job_id, seq, role, title, description, context, depends_on, status,
				worker_agent, output, error, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.JobID, seq, t.Role, t.Title, t.Description, string(taskCtx), string(deps), string(t.Status),
			t.WorkerAgent, t.Output, t.Error, t.Attempts, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return nil
}

// InsertTasks appends tasks to an existing job in a single transaction.
// All tasks must belong to the same job.
func (db *DB) InsertTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks[1:] {
		if t.JobID != tasks[0].JobID {
			return fmt.Errorf("insert tasks: mixed job ids %s and %s", tasks[0].JobID, t.JobID)
		}
	}
	return db.Transaction(func(tx *sql.Tx) error {
		return insertTasksTx(tx, tasks)
	})
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (db *DB) GetTask(id string) (*models.Task, error) {
	t, err := scanTask(db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask updates the mutable fields of a task.
func (db *DB) UpdateTask(t *models.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("encode depends_on: %w", err)
	}
	t.UpdatedAt = time.Now()
	_, err = db.Exec(`
		UPDATE tasks SET status = ?, depends_on = ?, worker_agent = ?, output = ?, error = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, string(t.Status), string(deps), t.WorkerAgent, t.Output, t.Error, t.Attempts, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// ListTasks lists the tasks of a job in insertion order.
func (db *DB) ListTasks(jobID string) ([]*models.Task, error) {
	rows, err := db.Query("SELECT "+taskColumns+" FROM tasks WHERE job_id = ? ORDER BY seq ASC", jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
