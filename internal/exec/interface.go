// Package exec provides an interface for command execution.
package exec

import (
	"context"
)

// Command describes one process invocation.
type Command struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env replaces the process environment when non-nil.
	Env []string
	// MaxMemoryMB caps the address space of shell commands. Zero means unlimited.
	MaxMemoryMB uint64
}

// CommandRunner defines the interface for running external commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	Run(ctx context.Context, c Command, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, c Command, script string) (output []byte, err error)
}
