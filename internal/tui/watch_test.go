package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func event(t *testing.T, id int64, typ models.EventType, payload any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.Event{
		ID:        id,
		JobID:     "job-1",
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newModel(tasks ...*models.Task) *WatchModel {
	job := &models.Job{ID: "job-1", Prompt: "build", Status: models.JobStatusPlanning}
	return NewWatchModel(job, tasks, nil)
}

func TestWatchModel_SeedsFromSnapshot(t *testing.T) {
	m := newModel(
		&models.Task{ID: "t1", Title: "design", Role: "worker", Status: models.TaskStatusSucceeded, Attempts: 1},
		&models.Task{ID: "t2", Title: "build", Role: "worker", Status: models.TaskStatusPending},
	)

	view := m.View()
	for _, want := range []string{"Job job-1", "planning", "1/2", "design", "build"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchModel_AppliesTaskEvents(t *testing.T) {
	m := newModel(&models.Task{ID: "t1", Title: "design", Status: models.TaskStatusPending})

	m.Update(EventMsg{Event: event(t, 1, models.EventJobStarted, models.JobEventPayload{Status: models.JobStatusRunning})})
	m.Update(EventMsg{Event: event(t, 2, models.EventTaskDispatched, models.TaskEventPayload{TaskID: "t1", Attempt: 1, WorkerAgent: "w-1"})})

	if m.Status() != models.JobStatusRunning {
		t.Errorf("status = %s, want running", m.Status())
	}
	if got := m.rows["t1"].status; got != models.TaskStatusInProgress {
		t.Errorf("t1 status = %s, want in_progress", got)
	}
	if !strings.Contains(m.View(), "on w-1") {
		t.Errorf("view should name the worker:\n%s", m.View())
	}

	m.Update(EventMsg{Event: event(t, 3, models.EventTaskRetrying, models.TaskEventPayload{TaskID: "t1", Attempt: 1, Error: "boom"})})
	if got := m.rows["t1"].status; got != models.TaskStatusPending {
		t.Errorf("after retry t1 status = %s, want pending", got)
	}
	m.Update(EventMsg{Event: event(t, 4, models.EventTaskSucceeded, models.TaskEventPayload{TaskID: "t1", Attempt: 2})})
	if got := m.rows["t1"].status; got != models.TaskStatusSucceeded {
		t.Errorf("t1 status = %s, want succeeded", got)
	}
	if m.rows["t1"].attempts != 2 {
		t.Errorf("attempts = %d, want 2", m.rows["t1"].attempts)
	}
	if m.LastEventID() != 4 {
		t.Errorf("LastEventID = %d, want 4", m.LastEventID())
	}
}

func TestWatchModel_AddsUnknownTasks(t *testing.T) {
	m := newModel()

	m.Update(EventMsg{Event: event(t, 1, models.EventTaskDispatched, models.TaskEventPayload{TaskID: "r1", Title: "retry plan", Attempt: 1})})

	if len(m.order) != 1 || m.rows["r1"] == nil {
		t.Fatalf("replacement task not tracked: %v", m.order)
	}
	if !strings.Contains(m.View(), "retry plan") {
		t.Errorf("view missing replacement task:\n%s", m.View())
	}
}

func TestWatchModel_IgnoresReplayedEvents(t *testing.T) {
	m := newModel(&models.Task{ID: "t1", Title: "design", Status: models.TaskStatusPending})

	m.Update(EventMsg{Event: event(t, 5, models.EventTaskSucceeded, models.TaskEventPayload{TaskID: "t1"})})
	m.Update(EventMsg{Event: event(t, 3, models.EventTaskDispatched, models.TaskEventPayload{TaskID: "t1"})})

	if got := m.rows["t1"].status; got != models.TaskStatusSucceeded {
		t.Errorf("stale event changed status to %s", got)
	}
	if len(m.lines) != 1 {
		t.Errorf("log lines = %d, want 1", len(m.lines))
	}
}

func TestWatchModel_TerminalEventQuits(t *testing.T) {
	m := newModel()

	_, cmd := m.Update(EventMsg{Event: event(t, 1, models.EventJobFailed, models.JobEventPayload{Error: "task t1 failed"})})

	if !m.Done() {
		t.Error("model should be done after a terminal event")
	}
	if m.Status() != models.JobStatusFailed {
		t.Errorf("status = %s, want failed", m.Status())
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if !strings.Contains(m.View(), "task t1 failed") {
		t.Errorf("view should show the failure:\n%s", m.View())
	}
}

func TestWatchModel_StreamClosedQuits(t *testing.T) {
	m := newModel()

	_, cmd := m.Update(StreamClosedMsg{})

	if !m.Done() || cmd == nil {
		t.Fatal("closing the stream should quit")
	}
}

func TestWatchModel_QuitKey(t *testing.T) {
	m := newModel()

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})

	if !m.quitting {
		t.Error("q should quit")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if m.Done() {
		t.Error("quitting the view does not finish the job")
	}
}

func TestWatchModel_ReadsFromChannel(t *testing.T) {
	ch := make(chan *models.Event, 1)
	job := &models.Job{ID: "job-1", Status: models.JobStatusRunning}
	m := NewWatchModel(job, nil, ch)

	ch <- event(t, 1, models.EventJobSucceeded, models.JobEventPayload{Summary: "all good"})
	close(ch)

	msg := m.next()()
	em, ok := msg.(EventMsg)
	if !ok {
		t.Fatalf("msg = %T, want EventMsg", msg)
	}
	if em.Event.Type != models.EventJobSucceeded {
		t.Errorf("event type = %s", em.Event.Type)
	}
	if _, ok := m.next()().(StreamClosedMsg); !ok {
		t.Error("expected StreamClosedMsg after close")
	}
}

func TestWatchModel_WindowResize(t *testing.T) {
	m := newModel(&models.Task{ID: "t1", Title: "a"}, &models.Task{ID: "t2", Title: "b"})

	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	if m.viewport.Width != 120 {
		t.Errorf("viewport width = %d, want 120", m.viewport.Width)
	}
	if m.viewport.Height != 40-6-2 {
		t.Errorf("viewport height = %d, want %d", m.viewport.Height, 40-6-2)
	}
}
