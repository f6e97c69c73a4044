package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/conductor/internal/agent"
	"github.com/ShayCichocki/conductor/internal/logging"
	"github.com/ShayCichocki/conductor/internal/orchestrator/policy"
	"github.com/ShayCichocki/conductor/internal/sandbox"
	"github.com/ShayCichocki/conductor/internal/state"
	"github.com/ShayCichocki/conductor/internal/workerpool"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// behavior scripts the final answer of one task attempt. n counts the
// attempts of that task, starting at 1.
type behavior func(ctx context.Context, n int) (string, error)

func failing(context.Context, int) (string, error) {
	return "", errors.New("boom")
}

func blocking(ctx context.Context, _ int) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func answer(s string) behavior {
	return func(context.Context, int) (string, error) { return s, nil }
}

// fakeReasoner answers task prompts by task title and planning prompts
// with canned plans. It records concurrency.
type fakeReasoner struct {
	mu      sync.Mutex
	tasks   map[string]behavior
	calls   map[string]int
	prompts map[string]string
	plan    string
	replan  string
	delay   time.Duration
	active  int
	peak    int
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{
		tasks:   make(map[string]behavior),
		calls:   make(map[string]int),
		prompts: make(map[string]string),
	}
}

func (f *fakeReasoner) on(title string, b behavior) *fakeReasoner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[title] = b
	return f
}

func (f *fakeReasoner) callCount(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[title]
}

func (f *fakeReasoner) prompt(title string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[title]
}

func (f *fakeReasoner) peakActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeReasoner) Complete(ctx context.Context, req agent.Request) (string, error) {
	prompt := req.Messages[0].Content
	switch {
	case strings.HasPrefix(prompt, "Break this request"):
		return f.plan, nil
	case strings.HasPrefix(prompt, "A task in this job failed"):
		return f.replan, nil
	}

	title := taskTitle(prompt)
	f.mu.Lock()
	f.calls[title]++
	n := f.calls[title]
	f.prompts[title] = prompt
	b := f.tasks[title]
	delay := f.delay
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if b == nil {
		return "done: " + title, nil
	}
	return b(ctx, n)
}

func taskTitle(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "Task: ") {
			return strings.TrimPrefix(line, "Task: ")
		}
	}
	return ""
}

// countingMerge records merge calls.
type countingMerge struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *countingMerge) Merge(ctx context.Context, in MergeInput) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return "merged " + in.Job.ID, m.err
}

func (m *countingMerge) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func openTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPool(t *testing.T, ceiling int) *workerpool.Pool {
	t.Helper()
	return workerpool.New(workerpool.Options{
		Ceiling:        ceiling,
		AcquireTimeout: 5 * time.Second,
		Runtime:        sandbox.NewLocalRuntime(sandbox.LocalOptions{Root: t.TempDir()}),
		Log:            logging.Discard(),
	})
}

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Loop.PollInterval = 20 * time.Millisecond
	p.Merge.Timeout = 5 * time.Second
	return p
}

// newEngineOn creates an engine over an existing store.
func newEngineOn(t *testing.T, db *state.DB, r agent.Reasoner, ceiling int, opts ...Option) *Engine {
	t.Helper()
	all := append([]Option{WithPolicy(testPolicy()), WithLog(logging.Discard())}, opts...)
	e, err := New(RequiredConfig{DB: db, Pool: newTestPool(t, ceiling), Reasoner: r}, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func newTestEngine(t *testing.T, r agent.Reasoner, ceiling int, opts ...Option) (*Engine, *state.DB) {
	t.Helper()
	db := openTestDB(t)
	return newEngineOn(t, db, r, ceiling, opts...), db
}

func ptr[T any](v T) *T {
	return &v
}

// newRequest builds a request with ephemeral workers and manual merge.
func newRequest(fp models.FailurePolicy, retry, parallelism int) models.JobRequest {
	return models.JobRequest{
		Prompt:         "build the widget",
		WorkerMode:     ptr(models.WorkerModeEphemeral),
		MaxParallelism: ptr(parallelism),
		RetryLimit:     ptr(retry),
		FailurePolicy:  ptr(fp),
		MergePolicy:    ptr(models.MergePolicyManualApproval),
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func eventTypes(t *testing.T, e *Engine, jobID string) []models.EventType {
	t.Helper()
	events, err := e.Events(jobID, 0, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	types := make([]models.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countType(types []models.EventType, want models.EventType) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func waitForEvent(t *testing.T, e *Engine, jobID string, want models.EventType) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if countType(eventTypes(t, e, jobID), want) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s event for job %s", want, jobID)
}

func getView(t *testing.T, e *Engine, jobID string) *JobView {
	t.Helper()
	v, err := e.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return v
}

func taskByTitle(t *testing.T, v *JobView, title string) *models.Task {
	t.Helper()
	for _, task := range v.Tasks {
		if task.Title == title {
			return task
		}
	}
	t.Fatalf("no task titled %q", title)
	return nil
}
