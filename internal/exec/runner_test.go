package exec

import (
	"context"
	"strings"
	"testing"
)

func TestExecRunner_RunShell(t *testing.T) {
	r := NewRunner()
	dir := t.TempDir()

	out, err := r.RunShell(context.Background(), Command{Dir: dir, Env: []string{"GREETING=hi"}}, "echo $GREETING; pwd")
	if err != nil {
		t.Fatalf("RunShell: %v (%s)", err, out)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 || lines[0] != "hi" {
		t.Fatalf("output = %q", out)
	}
	if !strings.HasSuffix(lines[1], dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("pwd = %q, want %q", lines[1], dir)
	}
}

func TestExecRunner_RunShellFailure(t *testing.T) {
	r := NewRunner()
	out, err := r.RunShell(context.Background(), Command{}, "echo boom >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(string(out), "boom") {
		t.Errorf("combined output = %q", out)
	}
}

func TestExecRunner_MemoryCapStillRuns(t *testing.T) {
	r := NewRunner()
	out, err := r.RunShell(context.Background(), Command{MaxMemoryMB: 512}, "echo ok")
	if err != nil {
		t.Fatalf("RunShell: %v (%s)", err, out)
	}
	if strings.TrimSpace(string(out)) != "ok" {
		t.Errorf("output = %q", out)
	}
}
