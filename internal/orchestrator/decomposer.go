package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/schema"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// decompositionPrompt is the prompt template for task decomposition.
const decompositionPrompt = `Break this request into subtasks. Each task should be sized for a single worker to complete.

Request:
%s
%s
Return ONLY a JSON object with this exact structure (no other text):
{
  "tasks": [
    {
      "key": "short-unique-key",
      "role": "builder",
      "title": "Short task title",
      "description": "Detailed task description",
      "depends_on": ["key of a task listed earlier"],
      "context": {"acceptance_criteria": "How to verify this task is complete"}
    }
  ]
}

Guidelines:
- Tasks should be as independent as possible so they can run in parallel
- Only add dependencies when truly necessary (task A must complete before task B)
- A task may only depend on tasks listed before it
- Acceptance criteria should be specific and verifiable`

// replanPrompt asks for replacement tasks after a task exhausted its retries.
const replanPrompt = `A task in this job failed and will not be retried.

Job request:
%s

Failed task: %s
%s

Error:
%s

Propose replacement tasks that reach the same goal by a different route.
Return ONLY a JSON object of the form {"tasks": [...]} using the same task
fields as the original plan (key, role, title, description, depends_on,
context). depends_on may only name keys inside your reply.
If the goal cannot be reached another way, return {"tasks": []}.`

// Decomposer asks the reasoner to break a prompt into a task graph.
type Decomposer struct {
	reasoner agent.Reasoner
	model    string
	schemas  *schema.Registry
}

// NewDecomposer creates a decomposer. model may be empty to use the
// reasoner's default.
func NewDecomposer(reasoner agent.Reasoner, model string, schemas *schema.Registry) *Decomposer {
	return &Decomposer{reasoner: reasoner, model: model, schemas: schemas}
}

// Decompose returns the task specs for prompt. roles, when set, lists the
// roles the plan may use.
func (d *Decomposer) Decompose(ctx context.Context, prompt string, roles []string) ([]models.TaskSpec, error) {
	hint := ""
	if len(roles) > 0 {
		hint = "\nAvailable roles: " + strings.Join(roles, ", ") + "\n"
	}
	specs, err := d.ask(ctx, fmt.Sprintf(decompositionPrompt, prompt, hint))
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, models.NewValidationError("decomposition returned no tasks")
	}
	return specs, nil
}

// Replan asks for tasks replacing failed. An empty result means the
// reasoner declined.
func (d *Decomposer) Replan(ctx context.Context, job *models.Job, failed *models.Task) ([]models.TaskSpec, error) {
	msg := fmt.Sprintf(replanPrompt,
		agent.SanitizeInvokeTags(job.Prompt),
		agent.SanitizeInvokeTags(failed.Title),
		agent.SanitizeInvokeTags(failed.Description),
		agent.Summarize(agent.SanitizeInvokeTags(failed.Error)))
	return d.ask(ctx, msg)
}

func (d *Decomposer) ask(ctx context.Context, prompt string) ([]models.TaskSpec, error) {
	resp, err := d.reasoner.Complete(ctx, agent.Request{
		Model:    d.model,
		Messages: []agent.Message{{Role: agent.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}

	raw, err := extractJSON(resp)
	if err != nil {
		return nil, err
	}
	// An empty list is a valid "declined" reply but fails the plan schema.
	if isEmptyPlan(raw) {
		return nil, nil
	}
	doc, err := d.schemas.DecodePlan([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	return doc.Tasks, nil
}

// extractJSON finds the JSON object in a model reply. It prefers a fenced
// code block and falls back to the outermost braces.
func extractJSON(response string) (string, error) {
	if start := strings.Index(response, "```"); start != -1 {
		body := response[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl != -1 {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end != -1 {
			if candidate := strings.TrimSpace(body[:end]); strings.HasPrefix(candidate, "{") {
				return candidate, nil
			}
		}
	}

	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return "", models.NewValidationError("no JSON object found in planner response")
	}
	return response[jsonStart : jsonEnd+1], nil
}

func isEmptyPlan(raw string) bool {
	compact := strings.Join(strings.Fields(raw), "")
	return compact == `{"tasks":[]}` || compact == `{}`
}
