package orchestrator

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

func TestSubmit_RejectsBadRequests(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)
	ctx := testContext(t)

	base := func() models.JobRequest { return newRequest(models.FailurePolicyFailFast, 0, 1) }
	tests := []struct {
		name   string
		mutate func(*models.JobRequest)
	}{
		{"empty prompt", func(r *models.JobRequest) { r.Prompt = "  " }},
		{"zero parallelism", func(r *models.JobRequest) { r.MaxParallelism = ptr(0) }},
		{"negative retries", func(r *models.JobRequest) { r.RetryLimit = ptr(-1) }},
		{"bad failure policy", func(r *models.JobRequest) { r.FailurePolicy = ptr(models.FailurePolicy("yolo")) }},
		{"bad worker mode", func(r *models.JobRequest) { r.WorkerMode = ptr(models.WorkerMode("remote")) }},
		{"phases and tasks", func(r *models.JobRequest) {
			r.Phases = []string{"builder"}
			r.Tasks = []models.TaskSpec{{Key: "a", Title: "A"}}
		}},
		{"blank phase", func(r *models.JobRequest) { r.Phases = []string{"builder", ""} }},
		{"duplicate keys", func(r *models.JobRequest) {
			r.Tasks = []models.TaskSpec{{Key: "a", Title: "A"}, {Key: "a", Title: "B"}}
		}},
		{"unknown dependency", func(r *models.JobRequest) {
			r.Tasks = []models.TaskSpec{{Key: "a", Title: "A", DependsOn: []string{"zzz"}}}
		}},
		{"cycle", func(r *models.JobRequest) {
			r.Tasks = []models.TaskSpec{
				{Key: "a", Title: "A", DependsOn: []string{"b"}},
				{Key: "b", Title: "B", DependsOn: []string{"a"}},
			}
		}},
		{"forward reference", func(r *models.JobRequest) {
			r.Tasks = []models.TaskSpec{
				{Key: "a", Title: "A", DependsOn: []string{"b"}},
				{Key: "b", Title: "B"},
			}
		}},
		{"missing title", func(r *models.JobRequest) { r.Tasks = []models.TaskSpec{{Key: "a"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := e.Submit(ctx, req)
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}

	jobs, err := e.ListJobs(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("rejected requests stored %d jobs", len(jobs))
	}
}

func TestSubmit_UnknownTemplate(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)
	req := newRequest(models.FailurePolicyFailFast, 0, 1)
	req.TemplateID = "nope"
	if _, err := e.Submit(testContext(t), req); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmit_PolicyPrecedence(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)

	cfg := models.DefaultOrchestratorConfig()
	cfg.DefaultRetryLimit = 3
	cfg.DefaultFailurePolicy = models.FailurePolicyFailFast
	cfg.DefaultMergePolicy = models.MergePolicyAutoOnReviewPass
	if err := e.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	tmpl, err := e.Templates().Upsert(&models.JobTemplate{
		Name:                  "review",
		DefaultMaxParallelism: ptr(2),
		DefaultFailurePolicy:  ptr(models.FailurePolicyBestEffort),
		DefaultRetryLimit:     ptr(5),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	job, err := e.Submit(testContext(t), models.JobRequest{
		Prompt:     "do it",
		TemplateID: "review",
		RetryLimit: ptr(0),
		Phases:     []string{"builder"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := models.PolicySnapshot{
		TemplateID:     tmpl.ID,
		WorkerMode:     cfg.DefaultWorkerMode,
		MaxParallelism: 2,
		RetryLimit:     0,
		FailurePolicy:  models.FailurePolicyBestEffort,
		MergePolicy:    models.MergePolicyAutoOnReviewPass,
	}
	got := job.Policy
	got.SpawnProfiles = nil
	if got.TemplateID != want.TemplateID || got.WorkerMode != want.WorkerMode ||
		got.MaxParallelism != want.MaxParallelism || got.RetryLimit != want.RetryLimit ||
		got.FailurePolicy != want.FailurePolicy || got.MergePolicy != want.MergePolicy {
		t.Errorf("policy = %+v, want %+v", got, want)
	}

	// Later config edits do not reach the stored snapshot.
	cfg.DefaultMergePolicy = models.MergePolicyManualApproval
	if err := e.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if v := getView(t, e, job.ID); v.Job.Policy.MergePolicy != models.MergePolicyAutoOnReviewPass {
		t.Errorf("snapshot changed to %s", v.Job.Policy.MergePolicy)
	}
}

func TestSubmit_PhasesBuildChain(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)
	req := newRequest(models.FailurePolicyFailFast, 0, 1)
	req.Phases = []string{"builder", "checker", "merger"}

	job, err := e.Submit(testContext(t), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobStatusPlanning {
		t.Errorf("status = %s", job.Status)
	}

	v := getView(t, e, job.ID)
	if len(v.Tasks) != 3 {
		t.Fatalf("tasks = %d", len(v.Tasks))
	}
	for i, task := range v.Tasks {
		if task.ID != taskID(job.ID, i+1) {
			t.Errorf("task %d id = %s", i, task.ID)
		}
		if task.Role != req.Phases[i] || task.Context.Phase != i+1 {
			t.Errorf("task %d = role %s phase %d", i, task.Role, task.Context.Phase)
		}
		if i == 0 && len(task.DependsOn) != 0 {
			t.Errorf("first phase depends on %v", task.DependsOn)
		}
		if i > 0 && (len(task.DependsOn) != 1 || task.DependsOn[0] != v.Tasks[i-1].ID) {
			t.Errorf("task %d depends on %v", i, task.DependsOn)
		}
	}

	types := eventTypes(t, e, job.ID)
	if len(types) != 2 || types[0] != models.EventJobCreated || types[1] != models.EventPlanBuilt {
		t.Errorf("events = %v", types)
	}
}

func TestSubmit_TemplateProfilesBecomePhases(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)
	if _, err := e.Templates().Upsert(&models.JobTemplate{
		Name: "pair",
		SpawnProfiles: []models.SpawnProfile{
			{Role: "builder", Persona: "You build."},
			{Role: "checker", Persona: "You check."},
		},
	}); err != nil {
		t.Fatal(err)
	}

	job, err := e.Submit(testContext(t), models.JobRequest{Prompt: "ship it", TemplateID: "pair"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v := getView(t, e, job.ID)
	if len(v.Tasks) != 2 || v.Tasks[0].Role != "builder" || v.Tasks[1].Role != "checker" {
		t.Fatalf("tasks = %+v", v.Tasks)
	}
	if len(v.Job.Policy.SpawnProfiles) != 2 {
		t.Errorf("snapshot profiles = %d", len(v.Job.Policy.SpawnProfiles))
	}
}

func TestSubmit_SingleTaskWithoutDecomposition(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1, WithoutDecomposition())
	job, err := e.Submit(testContext(t), models.JobRequest{Prompt: "fix the bug"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	v := getView(t, e, job.ID)
	if len(v.Tasks) != 1 {
		t.Fatalf("tasks = %d", len(v.Tasks))
	}
	if v.Tasks[0].Role != defaultRole || v.Tasks[0].Description != "fix the bug" {
		t.Errorf("task = %+v", v.Tasks[0])
	}
}

func TestSubmit_DecomposesPrompt(t *testing.T) {
	r := newFakeReasoner()
	r.plan = "Here is the plan:\n```json\n" + `{"tasks":[
		{"key":"wire","title":"Wire it","depends_on":["build"]},
		{"key":"build","role":"builder","title":"Build it","context":{"acceptance_criteria":"compiles"}}
	]}` + "\n```"
	e, _ := newTestEngine(t, r, 1)

	job, err := e.Submit(testContext(t), models.JobRequest{Prompt: "make a thing"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.JobStatusPlanning {
		t.Fatalf("status = %s, error %q", job.Status, job.Error)
	}

	v := getView(t, e, job.ID)
	if len(v.Tasks) != 2 {
		t.Fatalf("tasks = %d", len(v.Tasks))
	}
	build, wire := v.Tasks[0], v.Tasks[1]
	if build.Title != "Build it" || wire.Title != "Wire it" {
		t.Fatalf("order = %s, %s", build.Title, wire.Title)
	}
	if len(wire.DependsOn) != 1 || wire.DependsOn[0] != build.ID {
		t.Errorf("wire depends on %v", wire.DependsOn)
	}
	if build.Context.AcceptanceCriteria != "compiles" {
		t.Errorf("context = %+v", build.Context)
	}
	if wire.Role != defaultRole {
		t.Errorf("wire role = %q", wire.Role)
	}
}

func TestSubmit_DecompositionFailureFailsJob(t *testing.T) {
	r := newFakeReasoner()
	r.plan = "I cannot plan this."
	e, _ := newTestEngine(t, r, 1)

	job, err := e.Submit(testContext(t), models.JobRequest{Prompt: "make a thing"})
	if err != nil {
		t.Fatalf("Submit returned %v, want the failed job", err)
	}
	if job.Status != models.JobStatusFailed || job.Error == "" {
		t.Errorf("job = %s, error %q", job.Status, job.Error)
	}
	types := eventTypes(t, e, job.ID)
	if types[0] != models.EventJobCreated || types[len(types)-1] != models.EventJobFailed {
		t.Errorf("events = %v", types)
	}
}

func TestSubmit_ParallelismAdvisory(t *testing.T) {
	e, _ := newTestEngine(t, newFakeReasoner(), 1)
	cfg := models.DefaultOrchestratorConfig()
	cfg.ParallelismWarnThreshold = 2
	if err := e.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}

	req := newRequest(models.FailurePolicyFailFast, 0, 4)
	req.Phases = []string{"builder"}
	job, err := e.Submit(testContext(t), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Policy.MaxParallelism != 4 {
		t.Errorf("parallelism capped to %d", job.Policy.MaxParallelism)
	}

	events, err := e.Events(job.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var built models.JobEventPayload
	advisories := 0
	for _, ev := range events {
		switch ev.Type {
		case models.EventPlanBuilt:
			if err := json.Unmarshal(ev.Payload, &built); err != nil {
				t.Fatal(err)
			}
		case models.EventParallelismAdvice:
			advisories++
		}
	}
	if advisories != 1 {
		t.Errorf("advisory events = %d", advisories)
	}
	if !strings.Contains(built.Advice, "exceeds") {
		t.Errorf("plan_built advice = %q", built.Advice)
	}
}

func TestResolveProfile(t *testing.T) {
	profiles := []models.SpawnProfile{
		{Role: "builder", Model: "m-build"},
		{Role: "Checker", Model: "m-check"},
	}
	tests := []struct {
		role  string
		index int
		want  string
	}{
		{"builder", 5, "m-build"},
		{"checker", 0, "m-check"},
		{"merger", 0, "m-build"},
		{"merger", 3, "m-check"},
		{"merger", -1, "m-build"},
	}
	for _, tt := range tests {
		got := ResolveProfile(profiles, tt.role, tt.index)
		if got == nil || got.Model != tt.want {
			t.Errorf("ResolveProfile(%q, %d) = %+v, want %s", tt.role, tt.index, got, tt.want)
		}
	}
	if ResolveProfile(nil, "builder", 0) != nil {
		t.Error("expected nil without profiles")
	}
}

func TestTaskID_UniqueAcrossJobsWithSharedPrefix(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	for _, jobID := range []string{
		"aaaaaaaa-1111-4000-8000-000000000001",
		"aaaaaaaa-2222-4000-8000-000000000002",
	} {
		job := &models.Job{ID: jobID, Status: models.JobStatusPlanning, Prompt: "p", CreatedAt: now, UpdatedAt: now}
		task := &models.Task{
			ID:        taskID(jobID, 1),
			JobID:     jobID,
			Role:      "builder",
			Title:     "Phase 1: builder",
			Status:    models.TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := db.CreateJob(job, []*models.Task{task}); err != nil {
			t.Fatalf("CreateJob %s: %v", jobID, err)
		}
	}

	if taskID("aaaaaaaa-1111", 1) == taskID("aaaaaaaa-2222", 1) {
		t.Error("task IDs of different jobs collide")
	}
}
