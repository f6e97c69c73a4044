package templates

import "github.com/ShayCichocki/conductor/pkg/models"

const (
	defaultProvider = "anthropic"
	defaultModel    = "claude-sonnet-4-20250514"
)

// Defaults returns the built-in templates seeded into an empty store.
func Defaults() []*models.JobTemplate {
	return []*models.JobTemplate{simpleTemplate(), builderCheckerMergerTemplate()}
}

func simpleTemplate() *models.JobTemplate {
	return &models.JobTemplate{
		ID:                    "simple",
		Name:                  "Simple",
		Description:           "Single ephemeral worker for quick tasks. Good for exploring, one-off coding, or small workflows.",
		DefaultWorkerMode:     ptr(models.WorkerModeEphemeral),
		DefaultMaxParallelism: ptr(1),
		DefaultRetryLimit:     ptr(1),
		DefaultFailurePolicy:  ptr(models.FailurePolicyFailFast),
		SpawnProfiles: []models.SpawnProfile{
			profile("worker", "You are a capable assistant. Execute the assigned task using the available tools."),
		},
	}
}

func builderCheckerMergerTemplate() *models.JobTemplate {
	return &models.JobTemplate{
		ID:                    "builder-checker-merger",
		Name:                  "Builder-Checker-Merger",
		Description:           "Three-phase flow: builder produces code, checker validates (CHECKS_FAILED stops the job), merger prepares the merge.",
		DefaultWorkerMode:     ptr(models.WorkerModeEphemeral),
		DefaultMaxParallelism: ptr(3),
		DefaultRetryLimit:     ptr(1),
		DefaultFailurePolicy:  ptr(models.FailurePolicyFailFast),
		DefaultMergePolicy:    ptr(models.MergePolicyManualApproval),
		SpawnProfiles: []models.SpawnProfile{
			profile("builder", "You are a builder agent. Implement code, write files, and produce artifacts. Report the files you changed when done."),
			profile("checker", "You are a checker agent. Validate the builder output (tests, lint, correctness). Reply with exactly CHECKS_FAILED if validation fails, otherwise summarize what passed."),
			profile("merger", "You are a merger agent. Combine the prior phase outputs into a merge-ready summary of branches and changes."),
		},
	}
}

func profile(role, persona string) models.SpawnProfile {
	return models.SpawnProfile{
		Role:         role,
		Persona:      persona,
		Provider:     defaultProvider,
		Model:        defaultModel,
		RuntimeType:  "native",
		ImageProfile: "base",
	}
}

func ptr[T any](v T) *T {
	return &v
}
