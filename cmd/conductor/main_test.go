package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/conductor/internal/config"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func requestCommand(t *testing.T, flags ...string) *cobra.Command {
	t.Helper()
	jobFlags.phases = nil
	cmd := &cobra.Command{Use: "test"}
	addRequestFlags(cmd)
	if err := cmd.Flags().Parse(flags); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestBuildRequest_Flags(t *testing.T) {
	cmd := requestCommand(t,
		"--template", "simple",
		"--parallelism", "3",
		"--retry", "0",
		"--failure-policy", "best_effort",
		"--phase", "builder", "--phase", "checker",
	)

	req, err := buildRequest(cmd, []string{"add a cache"})
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Prompt != "add a cache" || req.TemplateID != "simple" {
		t.Errorf("prompt/template = %q/%q", req.Prompt, req.TemplateID)
	}
	if req.MaxParallelism == nil || *req.MaxParallelism != 3 {
		t.Errorf("MaxParallelism = %v, want 3", req.MaxParallelism)
	}
	if req.RetryLimit == nil || *req.RetryLimit != 0 {
		t.Errorf("RetryLimit = %v, want explicit 0", req.RetryLimit)
	}
	if req.FailurePolicy == nil || *req.FailurePolicy != models.FailurePolicyBestEffort {
		t.Errorf("FailurePolicy = %v", req.FailurePolicy)
	}
	if req.WorkerMode != nil || req.MergePolicy != nil {
		t.Error("unset flags must stay nil so templates and defaults apply")
	}
	if strings.Join(req.Phases, ",") != "builder,checker" {
		t.Errorf("Phases = %v", req.Phases)
	}
}

func TestBuildRequest_RequiresPrompt(t *testing.T) {
	cmd := requestCommand(t)
	if _, err := buildRequest(cmd, nil); err == nil {
		t.Fatal("expected error for missing prompt")
	}
}

func TestBuildRequest_FileAndTasks(t *testing.T) {
	reqFile := writeFile(t, "req.yaml", `
prompt: from file
merge_policy: auto_on_review_pass
max_parallelism: 2
`)
	tasksFile := writeFile(t, "tasks.yaml", `
- key: a
  title: design
  role: builder
- key: b
  title: review
  role: checker
  depends_on: [a]
  context:
    acceptance_criteria: tests pass
`)
	cmd := requestCommand(t, "--file", reqFile, "--tasks", tasksFile, "--parallelism", "4")

	req, err := buildRequest(cmd, nil)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Prompt != "from file" {
		t.Errorf("Prompt = %q", req.Prompt)
	}
	if req.MergePolicy == nil || *req.MergePolicy != models.MergePolicyAutoOnReviewPass {
		t.Errorf("MergePolicy = %v", req.MergePolicy)
	}
	if *req.MaxParallelism != 4 {
		t.Errorf("flag should override file, got %d", *req.MaxParallelism)
	}
	if len(req.Tasks) != 2 {
		t.Fatalf("Tasks = %d, want 2", len(req.Tasks))
	}
	if req.Tasks[1].DependsOn[0] != "a" || req.Tasks[1].Context.AcceptanceCriteria != "tests pass" {
		t.Errorf("task b = %+v", req.Tasks[1])
	}
}

func TestConfigValues_RoundTrip(t *testing.T) {
	c := config.Default()
	oc := models.DefaultOrchestratorConfig()

	tests := []struct {
		key   string
		value string
	}{
		{"pool.ceiling", "8"},
		{"pool.acquire_timeout", "1m0s"},
		{"sandbox.keep_workspaces", "true"},
		{"merge.command", "git merge --ff-only"},
		{"reasoner.rate_limit_rps", "0.5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := setConfigValue(c, tt.key, tt.value); err != nil {
				t.Fatalf("set: %v", err)
			}
			got, err := getConfigValue(c, oc, tt.key)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got != tt.value {
				t.Errorf("got %q, want %q", got, tt.value)
			}
		})
	}
}

func TestConfigValues_Rejects(t *testing.T) {
	c := config.Default()
	oc := models.DefaultOrchestratorConfig()

	if err := setConfigValue(c, "pool.ceiling", "0"); err == nil {
		t.Error("ceiling 0 should be rejected")
	}
	if err := setConfigValue(c, "pool.acquire_timeout", "soon"); err == nil {
		t.Error("bad duration should be rejected")
	}
	if err := setConfigValue(c, "nope", "x"); err == nil {
		t.Error("unknown key should be rejected")
	}
	if _, err := getConfigValue(c, oc, "nope"); err == nil {
		t.Error("unknown key should be rejected")
	}
	if err := setOrchestratorValue(&oc, "orchestrator.default_retry_limit", "x"); err == nil {
		t.Error("non-numeric retry limit should be rejected")
	}
}

func TestSetOrchestratorValue(t *testing.T) {
	oc := models.DefaultOrchestratorConfig()

	if err := setOrchestratorValue(&oc, "orchestrator.default_failure_policy", "fail_fast"); err != nil {
		t.Fatal(err)
	}
	if err := setOrchestratorValue(&oc, "orchestrator.default_max_parallelism", "5"); err != nil {
		t.Fatal(err)
	}
	if oc.DefaultFailurePolicy != models.FailurePolicyFailFast || oc.DefaultMaxParallelism != 5 {
		t.Errorf("config = %+v", oc)
	}
	if err := oc.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestConfigKeysAreReadable(t *testing.T) {
	c := config.Default()
	oc := models.DefaultOrchestratorConfig()
	for _, key := range configKeys {
		if _, err := getConfigValue(c, oc, key); err != nil {
			t.Errorf("%s: %v", key, err)
		}
	}
}

func TestPayloadSummary(t *testing.T) {
	got := payloadSummary(map[string]any{
		"task_id": "0123456789abcdef",
		"attempt": 2,
		"error":   "boom",
	})
	want := "task_id=01234567 attempt=2 error=boom"
	if got != want {
		t.Errorf("payloadSummary = %q, want %q", got, want)
	}

	got = payloadSummary(map[string]any{"task_id": "0123456789", "title": "design"})
	if got != "title=design" {
		t.Errorf("titled payload = %q", got)
	}
}

func TestShortTaskID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"5f0c2a9e-1b7d-4c1e-9a53-0d2f6e8b7c41-007", "#007"},
		{"0123456789abcdef", "01234567"},
		{"trailing-", "trailing"},
	}
	for _, tt := range tests {
		if got := shortTaskID(tt.id); got != tt.want {
			t.Errorf("shortTaskID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestTruncateLine(t *testing.T) {
	if got := truncateLine("a\nb", 10); got != "a b" {
		t.Errorf("got %q", got)
	}
	if got := truncateLine(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("got %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("k", "90s")
	if err != nil || d != 90*time.Second {
		t.Errorf("parseDuration = %v, %v", d, err)
	}
}
