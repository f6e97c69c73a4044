package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/conductor/pkg/models"
)

type watchStyles struct {
	header  lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	time    lipgloss.Style
	dim     lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	running lipgloss.Style
	footer  lipgloss.Style
}

func newWatchStyles() watchStyles {
	return watchStyles{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true),
		time:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		running: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		footer:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true),
	}
}

func (s watchStyles) forJob(status models.JobStatus) lipgloss.Style {
	switch status {
	case models.JobStatusSucceeded:
		return s.ok
	case models.JobStatusFailed:
		return s.bad
	case models.JobStatusCancelled, models.JobStatusAwaitingMerge:
		return s.warn
	case models.JobStatusRunning:
		return s.running
	default:
		return s.dim
	}
}

func (s watchStyles) forTask(status models.TaskStatus) lipgloss.Style {
	switch status {
	case models.TaskStatusSucceeded:
		return s.ok
	case models.TaskStatusFailed:
		return s.bad
	case models.TaskStatusSkipped:
		return s.warn
	case models.TaskStatusInProgress:
		return s.running
	default:
		return s.dim
	}
}

func (s watchStyles) forEvent(t models.EventType) lipgloss.Style {
	switch t {
	case models.EventTaskSucceeded, models.EventMergeSucceeded, models.EventJobSucceeded:
		return s.ok
	case models.EventTaskFailed, models.EventMergeFailed, models.EventJobFailed:
		return s.bad
	case models.EventTaskRetrying, models.EventTaskSkipped, models.EventJobReplanned,
		models.EventJobCancelled, models.EventMergeAwaiting, models.EventParallelismAdvice:
		return s.warn
	case models.EventTaskDispatched, models.EventJobStarted, models.EventMergeStarted:
		return s.running
	default:
		return s.dim
	}
}

func taskIcon(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusSucceeded:
		return "✓"
	case models.TaskStatusFailed:
		return "✗"
	case models.TaskStatusSkipped:
		return "-"
	case models.TaskStatusInProgress:
		return "▶"
	default:
		return "·"
	}
}
