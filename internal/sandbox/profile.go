// Package sandbox provisions worker workspaces and the capability scope
// (filesystem, network, memory, environment) a worker runs under.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Image profile names.
const (
	ProfileBase      = "base"
	ProfileNetworked = "networked"
	ProfileFull      = "full"
)

// Runtime types. Anything other than RuntimeNative is treated as sandboxed.
const (
	RuntimeNative  = "native"
	RuntimeSandbox = "sandbox"
)

// ContainerFile is the override file looked up in the sandbox root.
const ContainerFile = "container.toml"

// Capabilities is what a sandboxed worker is allowed to touch.
type Capabilities struct {
	// Filesystem lists workspace-relative directories the worker may access.
	Filesystem []string `toml:"filesystem"`
	Network    bool     `toml:"network"`
	// MaxMemoryMB caps shell tool memory. Zero means unlimited.
	MaxMemoryMB uint64 `toml:"max_memory_mb"`
	EnvInherit  bool   `toml:"env_inherit"`
	// Protect lists workspace-relative globs the write tool refuses.
	Protect []string `toml:"protect"`
}

// FullAccess reports whether the scope covers the whole workspace.
func (c Capabilities) FullAccess() bool {
	for _, p := range c.Filesystem {
		if filepath.Clean(p) == "." {
			return true
		}
	}
	return false
}

// DefaultCapabilities returns the capabilities of a named image profile.
// Unknown names get the base profile.
func DefaultCapabilities(profile string) Capabilities {
	switch profile {
	case ProfileNetworked:
		return Capabilities{
			Filesystem:  []string{"./skills", "./memory"},
			Network:     true,
			MaxMemoryMB: 256,
			Protect:     defaultProtect(),
		}
	case ProfileFull:
		return Capabilities{
			Filesystem: []string{"."},
			Network:    true,
			EnvInherit: true,
			Protect:    defaultProtect(),
		}
	default:
		return Capabilities{
			Filesystem:  []string{"./skills", "./memory"},
			MaxMemoryMB: 128,
			Protect:     defaultProtect(),
		}
	}
}

// ContainerConfig is the decoded container.toml.
type ContainerConfig struct {
	Runtime struct {
		Type  string `toml:"type"`
		Image string `toml:"image"`
	} `toml:"runtime"`
	Capabilities Capabilities `toml:"capabilities"`
}

// LoadContainerConfig resolves the capabilities for profile, applying any
// container.toml found in dir on top of the profile defaults. Keys absent
// from the file keep their profile value.
func LoadContainerConfig(dir, profile string) (*ContainerConfig, error) {
	cfg := &ContainerConfig{}
	cfg.Runtime.Type = RuntimeNative
	cfg.Runtime.Image = profile
	cfg.Capabilities = DefaultCapabilities(profile)

	data, err := os.ReadFile(filepath.Join(dir, ContainerFile))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ContainerFile, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ContainerFile, err)
	}
	return cfg, nil
}
