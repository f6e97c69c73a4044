package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(14)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jobColor(s models.JobStatus) *color.Color {
	switch s {
	case models.JobStatusSucceeded:
		return color.New(color.FgGreen)
	case models.JobStatusFailed:
		return color.New(color.FgRed)
	case models.JobStatusCancelled, models.JobStatusAwaitingMerge:
		return color.New(color.FgYellow)
	case models.JobStatusRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}

func taskColor(s models.TaskStatus) *color.Color {
	switch s {
	case models.TaskStatusSucceeded:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusSkipped:
		return color.New(color.FgYellow)
	case models.TaskStatusInProgress:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}

func eventColor(t models.EventType) *color.Color {
	switch t {
	case models.EventTaskSucceeded, models.EventMergeSucceeded, models.EventJobSucceeded:
		return color.New(color.FgGreen)
	case models.EventTaskFailed, models.EventMergeFailed, models.EventJobFailed:
		return color.New(color.FgRed)
	case models.EventTaskRetrying, models.EventTaskSkipped, models.EventJobReplanned,
		models.EventJobCancelled, models.EventMergeAwaiting, models.EventParallelismAdvice:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Faint)
	}
}

func field(label, value string) {
	fmt.Printf("%s%s\n", labelStyle.Render(label), value)
}

func printJobLine(job *models.Job) {
	fmt.Printf("%s  %-14s  %s  %s\n",
		job.ID,
		jobColor(job.Status).Sprint(job.Status),
		dimStyle.Render(job.CreatedAt.Local().Format("2006-01-02 15:04")),
		truncateLine(job.Prompt, 60))
}

func printJobView(v *orchestrator.JobView) {
	job := v.Job
	fmt.Println(headerStyle.Render("Job " + job.ID))
	field("Status", jobColor(job.Status).Sprint(job.Status))
	field("Prompt", truncateLine(job.Prompt, 100))
	if job.Policy.TemplateID != "" {
		field("Template", job.Policy.TemplateID)
	}
	field("Policy", fmt.Sprintf("%s, parallelism %d, retries %d, %s, %s",
		job.Policy.WorkerMode, job.Policy.MaxParallelism, job.Policy.RetryLimit,
		job.Policy.FailurePolicy, job.Policy.MergePolicy))
	if job.Merge != models.MergeStatusNone {
		field("Merge", string(job.Merge))
	}
	if job.Summary != "" {
		field("Summary", job.Summary)
	}
	if job.Error != "" {
		field("Error", color.RedString(job.Error))
	}

	if len(v.Tasks) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(headerStyle.Render("Tasks"))
	for _, t := range v.Tasks {
		line := fmt.Sprintf("  %-5s %-12s %s %s", shortTaskID(t.ID), taskColor(t.Status).Sprint(t.Status), t.Title, dimStyle.Render("["+t.Role+"]"))
		if t.Attempts > 0 {
			line += dimStyle.Render(fmt.Sprintf(" attempts=%d", t.Attempts))
		}
		if len(t.DependsOn) > 0 {
			line += dimStyle.Render(" after " + strings.Join(shortTaskIDs(t.DependsOn), ","))
		}
		fmt.Println(line)
		if t.Error != "" {
			fmt.Printf("      %s\n", color.RedString(truncateLine(t.Error, 120)))
		}
	}
}

func printEvent(ev *models.Event) {
	detail := ""
	var p map[string]any
	if err := ev.DecodePayload(&p); err == nil {
		detail = payloadSummary(p)
	}
	fmt.Printf("%s %s %s %s\n",
		dimStyle.Render(fmt.Sprintf("#%d", ev.ID)),
		dimStyle.Render(ev.CreatedAt.Local().Format("15:04:05")),
		eventColor(ev.Type).Sprint(ev.Type),
		detail)
}

// payloadSummary renders the payload keys in a fixed order.
func payloadSummary(p map[string]any) string {
	var parts []string
	for _, k := range []string{"title", "task_id", "status", "attempt", "worker_agent", "tasks", "reason", "error", "advice", "summary"} {
		v, ok := p[k]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		if k == "task_id" {
			if _, titled := p["title"]; titled {
				continue
			}
			s = shortTaskID(s)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncateLine(s, 80)))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// shortTaskID shows the sequence suffix of a task ID, which is unique
// within its job.
func shortTaskID(id string) string {
	if i := strings.LastIndexByte(id, '-'); i >= 0 && i < len(id)-1 {
		return "#" + id[i+1:]
	}
	return shortID(id)
}

func shortTaskIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortTaskID(id)
	}
	return out
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
