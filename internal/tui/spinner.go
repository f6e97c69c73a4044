package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Spinner wraps bubbles/spinner for the watch header.
type Spinner struct {
	spinner spinner.Model
}

// NewSpinner creates a dot spinner.
func NewSpinner() Spinner {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return Spinner{spinner: s}
}

// Init returns the first tick.
func (s Spinner) Init() tea.Cmd {
	return s.spinner.Tick
}

// Update advances the spinner on its own tick messages.
func (s Spinner) Update(msg tea.Msg) (Spinner, tea.Cmd) {
	var cmd tea.Cmd
	s.spinner, cmd = s.spinner.Update(msg)
	return s, cmd
}

// View returns the current frame.
func (s Spinner) View() string {
	return s.spinner.View()
}
