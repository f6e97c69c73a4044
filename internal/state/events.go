package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// AppendEvent assigns the next per-job event id and stores the event.
// Allocation and insert share a transaction so ids never repeat or go backwards.
func (db *DB) AppendEvent(jobID string, eventType models.EventType, payload []byte) (*models.Event, error) {
	ev := &models.Event{
		JobID:     jobID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	err := db.Transaction(func(tx *sql.Tx) error {
		if err := tx.QueryRow("SELECT COALESCE(MAX(id), 0) + 1 FROM events WHERE job_id = ?", jobID).Scan(&ev.ID); err != nil {
			return fmt.Errorf("next event id: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO events (job_id, id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)
		`, jobID, ev.ID, string(eventType), string(payload), formatTime(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// ListEvents returns the events of a job with id > after, in ascending id order.
// A limit <= 0 returns all remaining events.
func (db *DB) ListEvents(jobID string, after int64, limit int) ([]*models.Event, error) {
	query := "SELECT id, job_id, type, payload, created_at FROM events WHERE job_id = ? AND id > ? ORDER BY id ASC"
	args := []any{jobID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var ev models.Event
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt, _ = parseTime(createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
