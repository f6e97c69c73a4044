package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/conductor/internal/exec"
	"github.com/ShayCichocki/conductor/internal/sandbox"
)

// MaxToolOutput caps the text a tool may feed back to the model.
const MaxToolOutput = 30000

// Tool is one capability a worker can invoke.
type Tool interface {
	Name() string
	Description() string
	// Usage shows the argument shape in invoke syntax.
	Usage() string
	Run(ctx context.Context, ws *sandbox.Workspace, args []string) (string, error)
}

// Catalog is the set of tools available to a worker.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewCatalog creates a catalog holding the given tools.
func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool)}
	for _, t := range tools {
		c.Register(t)
	}
	return c
}

// DefaultCatalog returns the builtin workspace tools.
func DefaultCatalog(runner exec.CommandRunner) *Catalog {
	return NewCatalog(readFileTool{}, writeFileTool{}, listFilesTool{}, shellTool{runner: runner})
}

// Register adds or replaces a tool.
func (c *Catalog) Register(t Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[t.Name()] = t
}

// Lookup returns the named tool.
func (c *Catalog) Lookup(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Names returns tool names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe renders the catalog for the system prompt.
func (c *Catalog) Describe() string {
	var sb strings.Builder
	for _, name := range c.Names() {
		t, _ := c.Lookup(name)
		fmt.Fprintf(&sb, "- %s: %s\n  %s\n", t.Name(), t.Description(), t.Usage())
	}
	return sb.String()
}

// toolArgs maps positional arguments, or a single JSON object argument,
// onto the named parameters.
func toolArgs(args []string, names ...string) map[string]string {
	out := make(map[string]string, len(names))
	if len(args) == 1 && strings.HasPrefix(strings.TrimSpace(args[0]), "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(args[0]), &obj); err == nil {
			for _, n := range names {
				if v, ok := obj[n]; ok {
					if s, ok := v.(string); ok {
						out[n] = s
					} else {
						out[n] = fmt.Sprint(v)
					}
				}
			}
			return out
		}
	}
	for i, n := range names {
		if i < len(args) {
			out[n] = args[i]
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (output truncated)"
}

type readFileTool struct{}

func (readFileTool) Name() string        { return "read_file" }
func (readFileTool) Description() string { return "Read a file from the workspace." }
func (readFileTool) Usage() string {
	return `<invoke name="read_file">["path"]</invoke>`
}

func (readFileTool) Run(_ context.Context, ws *sandbox.Workspace, args []string) (string, error) {
	p := toolArgs(args, "path")
	if p["path"] == "" {
		return "", fmt.Errorf("read_file: path is required")
	}
	path, err := ws.Resolve(p["path"])
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return truncate(string(content), MaxToolOutput), nil
}

type writeFileTool struct{}

func (writeFileTool) Name() string        { return "write_file" }
func (writeFileTool) Description() string { return "Create or overwrite a file in the workspace." }
func (writeFileTool) Usage() string {
	return `<invoke name="write_file">["path", "content"]</invoke>`
}

func (writeFileTool) Run(_ context.Context, ws *sandbox.Workspace, args []string) (string, error) {
	p := toolArgs(args, "path", "content")
	if p["path"] == "" {
		return "", fmt.Errorf("write_file: path is required")
	}
	path, err := ws.CheckWritable(p["path"])
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(p["content"]), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(p["content"]), p["path"]), nil
}

type listFilesTool struct{}

func (listFilesTool) Name() string        { return "list_files" }
func (listFilesTool) Description() string { return "List a workspace directory." }
func (listFilesTool) Usage() string {
	return `<invoke name="list_files">["dir"]</invoke>`
}

func (listFilesTool) Run(_ context.Context, ws *sandbox.Workspace, args []string) (string, error) {
	p := toolArgs(args, "path")
	dir := p["path"]
	if dir == "" {
		if len(ws.Caps.Filesystem) == 0 {
			return "", fmt.Errorf("list_files: workspace has no filesystem scope")
		}
		dir = ws.Caps.Filesystem[0]
	}
	path, err := ws.Resolve(dir)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		info, err := entry.Info()
		switch {
		case err != nil:
			fmt.Fprintf(&sb, "? %s\n", entry.Name())
		case entry.IsDir():
			fmt.Fprintf(&sb, "d %s/\n", entry.Name())
		default:
			fmt.Fprintf(&sb, "- %s (%d bytes)\n", entry.Name(), info.Size())
		}
	}
	return sb.String(), nil
}

type shellTool struct {
	runner exec.CommandRunner
}

func (shellTool) Name() string        { return "shell" }
func (shellTool) Description() string { return "Run a shell command in the workspace directory." }
func (shellTool) Usage() string {
	return `<invoke name="shell">["command"]</invoke>`
}

func (t shellTool) Run(ctx context.Context, ws *sandbox.Workspace, args []string) (string, error) {
	if !ws.AllowsShell() {
		return "", fmt.Errorf("shell is not permitted by the %q profile", ws.ImageProfile)
	}
	p := toolArgs(args, "command")
	if strings.TrimSpace(p["command"]) == "" {
		return "", fmt.Errorf("shell: command is required")
	}
	runner := t.runner
	if runner == nil {
		runner = exec.NewRunner()
	}
	out, err := runner.RunShell(ctx, exec.Command{
		Dir:         ws.Dir,
		Env:         ws.Env(),
		MaxMemoryMB: ws.Caps.MaxMemoryMB,
	}, p["command"])
	result := truncate(string(out), MaxToolOutput)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out:\n%s", result)
		}
		return "", fmt.Errorf("%s\nError: %w", result, err)
	}
	return result, nil
}
