package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/conductor/pkg/models"
)

const (
	defaultWidth  = 80
	defaultHeight = 24
	maxLogLines   = 500
)

// EventMsg carries one event from the job's stream.
type EventMsg struct {
	Event *models.Event
}

// StreamClosedMsg is sent when the event stream ends.
type StreamClosedMsg struct{}

type taskRow struct {
	id       string
	title    string
	role     string
	worker   string
	status   models.TaskStatus
	attempts int
}

// WatchModel follows one job's event stream.
type WatchModel struct {
	jobID   string
	prompt  string
	status  models.JobStatus
	summary string
	errMsg  string
	lastID  int64

	rows  map[string]*taskRow
	order []string
	lines []string

	events   <-chan *models.Event
	spinner  Spinner
	viewport viewport.Model
	width    int
	height   int
	done     bool
	quitting bool

	styles watchStyles
}

// NewWatchModel creates a view seeded with the job's current state.
func NewWatchModel(job *models.Job, tasks []*models.Task, events <-chan *models.Event) *WatchModel {
	m := &WatchModel{
		jobID:    job.ID,
		prompt:   job.Prompt,
		status:   job.Status,
		summary:  job.Summary,
		errMsg:   job.Error,
		rows:     make(map[string]*taskRow),
		events:   events,
		spinner:  NewSpinner(),
		viewport: viewport.New(defaultWidth, 1),
		width:    defaultWidth,
		height:   defaultHeight,
		styles:   newWatchStyles(),
	}
	for _, t := range tasks {
		m.rows[t.ID] = &taskRow{
			id:       t.ID,
			title:    t.Title,
			role:     t.Role,
			worker:   t.WorkerAgent,
			status:   t.Status,
			attempts: t.Attempts,
		}
		m.order = append(m.order, t.ID)
	}
	m.resize()
	return m
}

// NewWatchProgram creates a Bubbletea program for the watch view.
func NewWatchProgram(job *models.Job, tasks []*models.Task, events <-chan *models.Event) (*tea.Program, *WatchModel) {
	m := NewWatchModel(job, tasks, events)
	p := tea.NewProgram(m, tea.WithAltScreen())
	return p, m
}

// Status returns the last job status seen.
func (m *WatchModel) Status() models.JobStatus {
	return m.status
}

// Done reports whether the stream has ended or a terminal event arrived.
func (m *WatchModel) Done() bool {
	return m.done
}

// LastEventID returns the ID of the last event applied.
func (m *WatchModel) LastEventID() int64 {
	return m.lastID
}

// Init starts the spinner and the first stream read.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Init(), m.next())
}

func (m *WatchModel) next() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Update handles input, resizes and stream messages.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case EventMsg:
		if msg.Event == nil {
			return m, m.next()
		}
		m.apply(msg.Event)
		if msg.Event.Type.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.next()

	case StreamClosedMsg:
		m.done = true
		return m, tea.Quit
	}

	if m.done {
		return m, nil
	}
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

// apply folds one event into the task table and the activity log.
func (m *WatchModel) apply(ev *models.Event) {
	if ev.ID <= m.lastID {
		return
	}
	m.lastID = ev.ID

	var detail string
	switch ev.Type {
	case models.EventTaskDispatched, models.EventTaskSucceeded, models.EventTaskFailed,
		models.EventTaskRetrying, models.EventTaskSkipped, models.EventTaskRecovered,
		models.EventToolCalled, models.EventWorkerAcquired, models.EventWorkerReleased:
		var p models.TaskEventPayload
		if err := ev.DecodePayload(&p); err != nil {
			detail = "unreadable payload"
			break
		}
		detail = m.applyTask(ev.Type, p)
	default:
		var p models.JobEventPayload
		if err := ev.DecodePayload(&p); err != nil {
			detail = "unreadable payload"
			break
		}
		detail = m.applyJob(ev.Type, p)
	}

	line := fmt.Sprintf("%s %s",
		m.styles.time.Render(ev.CreatedAt.Format("15:04:05")),
		m.styles.forEvent(ev.Type).Render(string(ev.Type)))
	if detail != "" {
		line += " " + detail
	}
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *WatchModel) applyTask(t models.EventType, p models.TaskEventPayload) string {
	row, ok := m.rows[p.TaskID]
	if !ok && p.TaskID != "" {
		row = &taskRow{id: p.TaskID, status: models.TaskStatusPending}
		m.rows[p.TaskID] = row
		m.order = append(m.order, p.TaskID)
		m.resize()
	}
	if row == nil {
		return ""
	}
	if p.Title != "" {
		row.title = p.Title
	}
	if p.Role != "" {
		row.role = p.Role
	}
	if p.WorkerAgent != "" {
		row.worker = p.WorkerAgent
	}
	if p.Attempt > row.attempts {
		row.attempts = p.Attempt
	}

	switch t {
	case models.EventTaskDispatched:
		row.status = models.TaskStatusInProgress
	case models.EventTaskSucceeded:
		row.status = models.TaskStatusSucceeded
	case models.EventTaskFailed:
		row.status = models.TaskStatusFailed
	case models.EventTaskSkipped:
		row.status = models.TaskStatusSkipped
	case models.EventTaskRetrying, models.EventTaskRecovered:
		row.status = models.TaskStatusPending
	}

	name := row.title
	if name == "" {
		name = row.id
	}
	switch {
	case p.Error != "":
		return fmt.Sprintf("%s: %s", name, p.Error)
	case p.Reason != "":
		return fmt.Sprintf("%s: %s", name, p.Reason)
	case p.Attempt > 0:
		return fmt.Sprintf("%s (attempt %d)", name, p.Attempt)
	default:
		return name
	}
}

func (m *WatchModel) applyJob(t models.EventType, p models.JobEventPayload) string {
	switch t {
	case models.EventJobCreated, models.EventPlanBuilt:
		if m.status == models.JobStatusPending || m.status == "" {
			m.status = models.JobStatusPlanning
		}
	case models.EventJobStarted:
		m.status = models.JobStatusRunning
	case models.EventMergeAwaiting:
		m.status = models.JobStatusAwaitingMerge
	case models.EventJobSucceeded:
		m.status = models.JobStatusSucceeded
	case models.EventJobFailed:
		m.status = models.JobStatusFailed
	case models.EventJobCancelled:
		m.status = models.JobStatusCancelled
	}
	if p.Status != "" && p.Status.Valid() {
		m.status = p.Status
	}
	if p.Summary != "" {
		m.summary = p.Summary
	}
	if p.Error != "" {
		m.errMsg = p.Error
	}

	switch {
	case p.Error != "":
		return p.Error
	case p.Advice != "":
		return p.Advice
	case p.Tasks > 0:
		return fmt.Sprintf("%d tasks", p.Tasks)
	default:
		return p.Summary
	}
}

// resize gives the log whatever the header and task table leave over.
func (m *WatchModel) resize() {
	used := 6 + len(m.order)
	h := m.height - used
	if h < 3 {
		h = 3
	}
	m.viewport.Width = m.width
	m.viewport.Height = h
}

func (m *WatchModel) counts() (finished, total int) {
	for _, id := range m.order {
		if m.rows[id].status.Terminal() {
			finished++
		}
	}
	return finished, len(m.order)
}

// View renders the header, task table, activity log and footer.
func (m *WatchModel) View() string {
	var b strings.Builder

	title := fmt.Sprintf("Job %s", m.jobID)
	if !m.done && !m.status.Terminal() {
		title = m.spinner.View() + " " + title
	}
	b.WriteString(m.styles.header.Render(title))
	b.WriteString("\n")

	finished, total := m.counts()
	b.WriteString(m.styles.label.Render("Status: "))
	b.WriteString(m.styles.forJob(m.status).Render(string(m.status)))
	b.WriteString("  ")
	b.WriteString(m.styles.label.Render("Tasks: "))
	b.WriteString(m.styles.value.Render(fmt.Sprintf("%d/%d", finished, total)))
	b.WriteString("\n")

	for _, id := range m.order {
		row := m.rows[id]
		name := row.title
		if name == "" {
			name = row.id
		}
		st := m.styles.forTask(row.status)
		line := fmt.Sprintf("  %s %s", st.Render(taskIcon(row.status)), name)
		if row.role != "" {
			line += m.styles.dim.Render(" [" + row.role + "]")
		}
		if row.attempts > 1 {
			line += m.styles.warn.Render(fmt.Sprintf(" x%d", row.attempts))
		}
		if row.status == models.TaskStatusInProgress && row.worker != "" {
			line += m.styles.dim.Render(" on " + row.worker)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	switch {
	case m.errMsg != "" && m.status.Terminal():
		b.WriteString(m.styles.bad.Render(m.errMsg))
		b.WriteString("\n")
	case m.summary != "" && m.status.Terminal():
		b.WriteString(m.styles.ok.Render(m.summary))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.footer.Render("q quit  ↑/↓ scroll"))
	return b.String()
}
