// Package orchestrator runs jobs: it plans a request into a task graph,
// dispatches ready tasks to leased workers up to the job's parallelism,
// applies the failure policy to failed attempts and hands finished jobs to
// the merge step.
//
// Every state change is persisted before its event is appended to the job's
// event log, so a job can be resumed by another process from the store
// alone. The run loop of a job is the only writer of its task records.
//
// Example usage:
//
//	engine, err := orchestrator.New(orchestrator.RequiredConfig{
//		DB:       db,
//		Pool:     pool,
//		Reasoner: client,
//	}, orchestrator.WithMergeAction(orchestrator.NoopMerge{}))
//	job, err := engine.Run(ctx, models.JobRequest{
//		Prompt: "Add a health endpoint",
//		Phases: []string{"builder", "checker"},
//	})
package orchestrator
