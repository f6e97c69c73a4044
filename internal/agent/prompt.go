package agent

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// SummaryLimit bounds outputs kept in events and prior-output sections.
const SummaryLimit = 500

// ChecksFailedMarker in a checker's output fails the task.
const ChecksFailedMarker = "CHECKS_FAILED"

var workflows = map[string]string{
	"builder": `WORKFLOW (builder):
1. Inspect the workspace with list_files and read_file
2. Create or edit files with write_file
3. Use shell to build and test when the profile allows it
4. Report: the files you created or modified and how you verified them`,
	"checker": `WORKFLOW (checker):
1. Read the builder output from the prior phase outputs
2. Inspect the files it names and run checks where the profile allows it
3. Report: what passed, what failed. Output CHECKS_FAILED if validation fails.`,
	"merger": `WORKFLOW (merger):
1. Collect the results from the prior builder and checker outputs
2. Prepare the merge: summarize the changes and anything left open
3. Report: what is ready to merge and any blockers`,
}

const defaultWorkflow = `WORKFLOW:
1. Use the available tools to complete your assigned task
2. Report your results clearly when done`

// Workflow returns the step list for a role.
func Workflow(role string) string {
	if w, ok := workflows[strings.ToLower(role)]; ok {
		return w
	}
	return defaultWorkflow
}

// SystemPrompt combines the worker persona with the tool catalog and the
// invocation protocol.
func SystemPrompt(persona string, catalog *Catalog) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(persona))
	sb.WriteString("\n\nYou act through tools. To call a tool, reply with exactly one tag:\n")
	sb.WriteString(`<invoke name="TOOL">["arg1", "arg2"]</invoke>`)
	sb.WriteString("\nArguments are a JSON array of strings. Call one tool per reply and wait for its result.\n")
	sb.WriteString("When the task is complete, reply with your final answer and no invoke tag.\n")
	if catalog != nil {
		if desc := catalog.Describe(); desc != "" {
			sb.WriteString("\nAvailable tools:\n")
			sb.WriteString(desc)
		}
	}
	return sb.String()
}

// PriorOutput is the result of a direct dependency.
type PriorOutput struct {
	TaskID string
	Role   string
	Title  string
	Output string
}

// TaskInput is everything a task prompt is built from.
type TaskInput struct {
	Role        string
	JobPrompt   string
	Title       string
	Description string
	Context     models.TaskContext
	Prior       []PriorOutput
}

// TaskPrompt renders the first user turn of a worker run. Job text and
// prior outputs are untrusted and have invoke tags removed.
func TaskPrompt(in TaskInput) string {
	role := in.Role
	if role == "" {
		role = "worker"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are an orchestrator worker (role: %s). Execute the task described below.\n\n", role)
	sb.WriteString(Workflow(role))
	sb.WriteString("\n\n")

	if in.JobPrompt != "" {
		sb.WriteString("Job request:\n")
		sb.WriteString(SanitizeInvokeTags(in.JobPrompt))
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Task: %s\n", SanitizeInvokeTags(in.Title))
	if in.Description != "" {
		sb.WriteString(SanitizeInvokeTags(in.Description))
		sb.WriteString("\n")
	}

	if ctx := renderContext(in.Context); ctx != "" {
		sb.WriteString("\nContext:\n")
		sb.WriteString(ctx)
	}

	if len(in.Prior) > 0 {
		sb.WriteString("\nPrior phase outputs:\n")
		for _, p := range in.Prior {
			fmt.Fprintf(&sb, "[%s] %s (%s):\n%s\n", p.TaskID, p.Title, p.Role, Summarize(SanitizeInvokeTags(p.Output)))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderContext(c models.TaskContext) string {
	var sb strings.Builder
	if c.Phase > 0 {
		fmt.Fprintf(&sb, "- phase: %d\n", c.Phase)
	}
	if c.AcceptanceCriteria != "" {
		fmt.Fprintf(&sb, "- acceptance criteria: %s\n", SanitizeInvokeTags(c.AcceptanceCriteria))
	}
	if len(c.Files) > 0 {
		fmt.Fprintf(&sb, "- files: %s\n", strings.Join(c.Files, ", "))
	}
	if len(c.Inputs) > 0 {
		keys := make([]string, 0, len(c.Inputs))
		for k := range c.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, SanitizeInvokeTags(c.Inputs[k]))
		}
	}
	if c.ReplanOf != "" {
		fmt.Fprintf(&sb, "- replaces failed task: %s\n", c.ReplanOf)
	}
	return sb.String()
}

// ChecksFailed reports whether a checker's output fails its task.
func ChecksFailed(role, output string) bool {
	return strings.EqualFold(role, "checker") && strings.Contains(output, ChecksFailedMarker)
}

// Summarize truncates s to SummaryLimit bytes without splitting a rune.
func Summarize(s string) string {
	if len(s) <= SummaryLimit {
		return s
	}
	cut := SummaryLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
