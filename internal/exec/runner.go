package exec

import (
	"context"
	"fmt"
	"os/exec"
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, c Command, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if c.Env != nil {
		cmd.Env = c.Env
	}
	return cmd.CombinedOutput()
}

// RunShell executes a shell command through "sh -c".
// A memory cap is applied with ulimit before the script runs.
func (r *ExecRunner) RunShell(ctx context.Context, c Command, script string) ([]byte, error) {
	if c.MaxMemoryMB > 0 {
		script = fmt.Sprintf("ulimit -v %d 2>/dev/null; %s", c.MaxMemoryMB*1024, script)
	}
	return r.Run(ctx, c, "sh", "-c", script)
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)
