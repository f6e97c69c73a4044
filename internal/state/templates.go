package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// GetOrchestratorConfig returns the stored orchestrator config, or nil if none was saved.
func (db *DB) GetOrchestratorConfig() (*models.OrchestratorConfig, error) {
	var data string
	err := db.QueryRow("SELECT data FROM orchestrator_config WHERE id = 1").Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get orchestrator config: %w", err)
	}

	var cfg models.OrchestratorConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("decode orchestrator config: %w", err)
	}
	return &cfg, nil
}

// SaveOrchestratorConfig replaces the stored orchestrator config.
func (db *DB) SaveOrchestratorConfig(cfg models.OrchestratorConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode orchestrator config: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO orchestrator_config (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save orchestrator config: %w", err)
	}
	return nil
}

const templateColumns = "id, data, created_at, updated_at"

func scanTemplate(row interface{ Scan(...any) error }) (*models.JobTemplate, error) {
	var id, data, createdAt, updatedAt string
	if err := row.Scan(&id, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var t models.JobTemplate
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	t.ID = id
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return &t, nil
}

// ListTemplates returns all templates ordered by name.
func (db *DB) ListTemplates() ([]*models.JobTemplate, error) {
	rows, err := db.Query("SELECT " + templateColumns + " FROM templates ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []*models.JobTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTemplate retrieves a template by ID. Returns nil if not found.
func (db *DB) GetTemplate(id string) (*models.JobTemplate, error) {
	t, err := scanTemplate(db.QueryRow("SELECT "+templateColumns+" FROM templates WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

// GetTemplateByName retrieves a template by its unique name. Returns nil if not found.
func (db *DB) GetTemplateByName(name string) (*models.JobTemplate, error) {
	t, err := scanTemplate(db.QueryRow("SELECT "+templateColumns+" FROM templates WHERE name = ?", name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template by name: %w", err)
	}
	return t, nil
}

// UpsertTemplate inserts or replaces a template keyed by ID.
func (db *DB) UpsertTemplate(t *models.JobTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err = db.Exec(`
		INSERT INTO templates (id, name, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data, updated_at = excluded.updated_at
	`, t.ID, t.Name, string(data), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// DeleteTemplate deletes a template. Returns false if it did not exist.
func (db *DB) DeleteTemplate(id string) (bool, error) {
	res, err := db.Exec("DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return n > 0, nil
}

// CountTemplates returns the number of stored templates.
func (db *DB) CountTemplates() (int, error) {
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM templates").Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}
