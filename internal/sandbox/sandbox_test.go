package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultCapabilities(t *testing.T) {
	tests := []struct {
		profile string
		network bool
		memory  uint64
		full    bool
	}{
		{ProfileBase, false, 128, false},
		{ProfileNetworked, true, 256, false},
		{ProfileFull, true, 0, true},
		{"mystery", false, 128, false},
	}
	for _, tt := range tests {
		t.Run(tt.profile, func(t *testing.T) {
			c := DefaultCapabilities(tt.profile)
			if c.Network != tt.network || c.MaxMemoryMB != tt.memory || c.FullAccess() != tt.full {
				t.Errorf("DefaultCapabilities(%q) = %+v", tt.profile, c)
			}
		})
	}
}

func TestLoadContainerConfig_Overrides(t *testing.T) {
	dir := t.TempDir()
	content := `
[runtime]
type = "sandbox"

[capabilities]
network = true
`
	if err := os.WriteFile(filepath.Join(dir, ContainerFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadContainerConfig(dir, ProfileBase)
	if err != nil {
		t.Fatalf("LoadContainerConfig: %v", err)
	}
	if cfg.Runtime.Type != RuntimeSandbox {
		t.Errorf("runtime type = %q", cfg.Runtime.Type)
	}
	if !cfg.Capabilities.Network {
		t.Error("network override not applied")
	}
	if cfg.Capabilities.MaxMemoryMB != 128 {
		t.Errorf("memory = %d, want profile default 128", cfg.Capabilities.MaxMemoryMB)
	}
}

func TestLoadContainerConfig_Missing(t *testing.T) {
	cfg, err := LoadContainerConfig(t.TempDir(), ProfileNetworked)
	if err != nil {
		t.Fatalf("LoadContainerConfig: %v", err)
	}
	if cfg.Runtime.Type != RuntimeNative || !cfg.Capabilities.Network {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadContainerConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ContainerFile), []byte("[capabilities\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadContainerConfig(dir, ProfileBase); err == nil {
		t.Error("expected parse error")
	}
}

func TestLocalRuntime_ProvisionAndTeardown(t *testing.T) {
	root := t.TempDir()
	rt := NewLocalRuntime(LocalOptions{Root: root})

	ws, err := rt.Provision(context.Background(), Spec{
		Name:        "ephemeral-job/1-builder",
		Role:        "builder",
		RuntimeType: RuntimeSandbox,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if ws.Name != "ephemeral-job_1-builder" {
		t.Errorf("Name = %q", ws.Name)
	}
	if !ws.Sandboxed || ws.ImageProfile != ProfileBase {
		t.Errorf("ws = %+v", ws)
	}

	persona, err := os.ReadFile(filepath.Join(ws.Dir, "persona.md"))
	if err != nil {
		t.Fatalf("read persona: %v", err)
	}
	if !strings.Contains(string(persona), "builder agent") {
		t.Errorf("persona = %q", persona)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "skills")); err != nil {
		t.Errorf("skills scope not created: %v", err)
	}

	if err := rt.Teardown(ws); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("workspace still exists: %v", err)
	}
	if err := rt.Teardown(ws); err != nil {
		t.Errorf("second Teardown: %v", err)
	}
}

func TestLocalRuntime_ProvisionCancelled(t *testing.T) {
	rt := NewLocalRuntime(LocalOptions{Root: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rt.Provision(ctx, Spec{Name: "w"}); err == nil {
		t.Error("expected context error")
	}
}

func TestWorkspace_Resolve(t *testing.T) {
	ws := &Workspace{Dir: "/ws", Caps: DefaultCapabilities(ProfileBase), Sandboxed: true}

	tests := []struct {
		path string
		ok   bool
	}{
		{"skills/notes.md", true},
		{"./memory", true},
		{"/ws/memory/a.txt", true},
		{"main.go", false},
		{"skills/../../etc/passwd", false},
		{"/etc/passwd", false},
	}
	for _, tt := range tests {
		_, err := ws.Resolve(tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("Resolve(%q) err = %v, want ok=%v", tt.path, err, tt.ok)
		}
	}
	if ws.AllowsShell() {
		t.Error("base profile should not allow shell")
	}

	native := &Workspace{Dir: "/ws", Caps: DefaultCapabilities(ProfileFull)}
	if _, err := native.Resolve("main.go"); err != nil {
		t.Errorf("full scope rejected main.go: %v", err)
	}
	if !native.AllowsShell() {
		t.Error("full profile should allow shell")
	}
}

func TestWorkspace_Env(t *testing.T) {
	ws := &Workspace{Dir: "/ws", Caps: DefaultCapabilities(ProfileBase)}
	env := ws.Env()
	if len(env) != 3 {
		t.Errorf("scoped env = %v", env)
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "HOME=") && kv != "HOME=/ws" {
			t.Errorf("HOME = %q", kv)
		}
	}
}
