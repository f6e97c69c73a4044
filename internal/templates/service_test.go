package templates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/pkg/models"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db, logging.Discard())
}

func TestSeedDefaults(t *testing.T) {
	svc := setupService(t)

	n, err := svc.SeedDefaults()
	if err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	if n != 2 {
		t.Fatalf("seeded %d templates, want 2", n)
	}

	bcm, err := svc.Get("builder-checker-merger")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(bcm.SpawnProfiles) != 3 || bcm.SpawnProfiles[1].Role != "checker" {
		t.Errorf("profiles = %+v", bcm.SpawnProfiles)
	}
	if *bcm.DefaultMergePolicy != models.MergePolicyManualApproval {
		t.Errorf("merge policy = %v", *bcm.DefaultMergePolicy)
	}

	n, err = svc.SeedDefaults()
	if err != nil || n != 0 {
		t.Errorf("second seed = %d, %v; want 0, nil", n, err)
	}
}

func TestUpsert_DerivesIDAndEnforcesUniqueName(t *testing.T) {
	svc := setupService(t)

	tpl, err := svc.Upsert(&models.JobTemplate{Name: "Nightly Build!"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if tpl.ID != "nightly-build" {
		t.Errorf("ID = %q, want nightly-build", tpl.ID)
	}

	_, err = svc.Upsert(&models.JobTemplate{ID: "other", Name: "Nightly Build!"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error for duplicate name, got %v", err)
	}

	created := tpl.CreatedAt
	time.Sleep(2 * time.Millisecond)
	again, err := svc.Upsert(&models.JobTemplate{ID: "nightly-build", Name: "Nightly Build!", Description: "v2"})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !again.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, again.CreatedAt)
	}
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	svc := setupService(t)
	bad := models.FailurePolicy("whenever")
	_, err := svc.Upsert(&models.JobTemplate{Name: "x", DefaultFailurePolicy: &bad})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPatchAndDelete(t *testing.T) {
	svc := setupService(t)
	if _, err := svc.SeedDefaults(); err != nil {
		t.Fatal(err)
	}

	limit := 4
	patched, err := svc.Patch("simple", models.TemplatePatch{DefaultRetryLimit: &limit})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if *patched.DefaultRetryLimit != 4 || patched.Name != "Simple" {
		t.Errorf("patched = %+v", patched)
	}

	if _, err := svc.Patch("missing", models.TemplatePatch{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Patch missing: expected not found, got %v", err)
	}

	if err := svc.Delete("simple"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete("simple"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("second Delete: expected not found, got %v", err)
	}
}

func TestResolve_ByName(t *testing.T) {
	svc := setupService(t)
	if _, err := svc.SeedDefaults(); err != nil {
		t.Fatal(err)
	}
	tpl, err := svc.Resolve("Simple")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tpl.ID != "simple" {
		t.Errorf("resolved %q", tpl.ID)
	}
	if _, err := svc.Resolve("nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

const reviewTemplate = `
id: review
name: Review
default_worker_mode: existing
default_max_parallelism: 2
default_failure_policy: best_effort
spawn_profiles:
  - role: reviewer
    persona: You review diffs.
    image_profile: networked
`

func TestImportDir(t *testing.T) {
	svc := setupService(t)
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewTemplate), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := svc.ImportDir(dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if n != 1 {
		t.Fatalf("imported %d, want 1", n)
	}

	tpl, err := svc.Get("review")
	if err != nil {
		t.Fatal(err)
	}
	if *tpl.DefaultWorkerMode != models.WorkerModeExisting || tpl.SpawnProfiles[0].ImageProfile != "networked" {
		t.Errorf("imported = %+v", tpl)
	}
}

func TestParseYAML_UnknownField(t *testing.T) {
	_, err := ParseYAML([]byte("name: x\ncolour: blue\n"))
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestWatch_ReloadsChangedFile(t *testing.T) {
	svc := setupService(t)
	dir := t.TempDir()

	w, err := svc.Watch(dir)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	if err := os.WriteFile(filepath.Join(dir, "review.yaml"), []byte(reviewTemplate), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tpl, err := svc.Get("review"); err == nil && tpl.Name == "Review" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("template was not imported after file write")
}
