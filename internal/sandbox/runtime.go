package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Spec describes the workspace a worker needs.
type Spec struct {
	// Name identifies the workspace. It is sanitized for the filesystem.
	Name         string
	Role         string
	Persona      string
	RuntimeType  string
	ImageProfile string
}

// Workspace is a provisioned worker directory plus its capability scope.
type Workspace struct {
	Name string
	Dir  string
	// Sandboxed is false for native runtimes, which get the whole workspace.
	Sandboxed    bool
	ImageProfile string
	Caps         Capabilities
}

// Runtime provisions and destroys workspaces.
type Runtime interface {
	Provision(ctx context.Context, spec Spec) (*Workspace, error)
	Teardown(ws *Workspace) error
}

// LocalRuntime creates workspaces as directories under a root.
type LocalRuntime struct {
	root           string
	defaultProfile string
	keep           bool
	log            *logrus.Entry
}

// LocalOptions configures a LocalRuntime.
type LocalOptions struct {
	Root           string
	DefaultProfile string
	// Keep leaves workspace directories in place after teardown.
	Keep bool
	Log  *logrus.Entry
}

// NewLocalRuntime creates a runtime rooted at opts.Root.
func NewLocalRuntime(opts LocalOptions) *LocalRuntime {
	profile := opts.DefaultProfile
	if profile == "" {
		profile = ProfileBase
	}
	return &LocalRuntime{
		root:           opts.Root,
		defaultProfile: profile,
		keep:           opts.Keep,
		log:            opts.Log,
	}
}

// Root returns the directory workspaces are created under.
func (r *LocalRuntime) Root() string {
	return r.root
}

// Provision creates the workspace directory, writes the persona and
// resolves capabilities from the image profile and container.toml.
func (r *LocalRuntime) Provision(ctx context.Context, spec Spec) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profile := spec.ImageProfile
	if profile == "" {
		profile = r.defaultProfile
	}
	cfg, err := LoadContainerConfig(r.root, profile)
	if err != nil {
		return nil, err
	}

	runtimeType := spec.RuntimeType
	if runtimeType == "" {
		runtimeType = cfg.Runtime.Type
	}

	ws := &Workspace{
		Name:         SanitizeName(spec.Name),
		Sandboxed:    runtimeType != RuntimeNative,
		ImageProfile: profile,
		Caps:         cfg.Capabilities,
	}
	if !ws.Sandboxed {
		ws.Caps = DefaultCapabilities(ProfileFull)
	}
	ws.Dir = filepath.Join(r.root, ws.Name)

	if err := os.MkdirAll(ws.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	for _, scope := range ws.Caps.Filesystem {
		if err := os.MkdirAll(filepath.Join(ws.Dir, scope), 0755); err != nil {
			os.RemoveAll(ws.Dir)
			return nil, fmt.Errorf("create workspace scope %s: %w", scope, err)
		}
	}

	persona := spec.Persona
	if persona == "" {
		persona = DefaultPersona(spec.Role)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "persona.md"), []byte(persona), 0644); err != nil {
		os.RemoveAll(ws.Dir)
		return nil, fmt.Errorf("write persona: %w", err)
	}

	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"workspace": ws.Name,
			"profile":   profile,
			"sandboxed": ws.Sandboxed,
			"network":   ws.Caps.Network,
		}).Debug("Workspace provisioned")
	}
	return ws, nil
}

// Teardown removes the workspace directory. It is safe to call twice.
func (r *LocalRuntime) Teardown(ws *Workspace) error {
	if ws == nil || r.keep {
		return nil
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	if r.log != nil {
		r.log.WithField("workspace", ws.Name).Debug("Workspace removed")
	}
	return nil
}

// DefaultPersona is used when a spawn profile carries none.
func DefaultPersona(role string) string {
	if role == "" {
		role = "worker"
	}
	return fmt.Sprintf("You are a %s agent. Execute the assigned task using the available tools.", role)
}

// SanitizeName replaces anything outside [A-Za-z0-9_-] with an underscore.
func SanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Resolve maps a workspace-relative or absolute path to an absolute path
// and checks that it falls inside the filesystem scope.
func (ws *Workspace) Resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(ws.Dir, path)
	}
	abs = filepath.Clean(abs)

	for _, scope := range ws.Caps.Filesystem {
		root := filepath.Clean(filepath.Join(ws.Dir, scope))
		if abs == root || strings.HasPrefix(abs, root+string(os.PathSeparator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the workspace scope", path)
}

// Env returns the environment for processes started in the workspace.
func (ws *Workspace) Env() []string {
	if ws.Caps.EnvInherit {
		return append(os.Environ(), "WORKSPACE="+ws.Dir)
	}
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + ws.Dir,
		"WORKSPACE=" + ws.Dir,
	}
}

// AllowsShell reports whether shell commands may run. A shell can reach
// the whole workspace and the network, so it needs both capabilities.
func (ws *Workspace) AllowsShell() bool {
	return ws.Caps.FullAccess() && ws.Caps.Network
}
