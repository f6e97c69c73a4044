package sandbox

import (
	"context"
	"testing"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		pattern string
		want    bool
	}{
		{"double star matches deep path", "a/b/secrets/c/d.txt", "**/secrets/**", true},
		{"double star matches top level", "secrets/token", "**/secrets/**", true},
		{"extension anywhere", "skills/tls/server.pem", "**/*.pem", true},
		{"extension at root", "server.key", "**/*.key", true},
		{"dotenv variant", "memory/.env.local", "**/.env.*", true},
		{"literal", "container.toml", "container.toml", true},
		{"literal only at root", "skills/container.toml", "container.toml", false},
		{"no match", "skills/notes.md", "**/secrets/**", false},
		{"suffix is not extension", "skills/keynote.md", "**/*.key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchGlob(tt.path, tt.pattern); got != tt.want {
				t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestWorkspace_CheckWritable(t *testing.T) {
	rt := NewLocalRuntime(LocalOptions{Root: t.TempDir()})
	ws, err := rt.Provision(context.Background(), Spec{Name: "w", RuntimeType: RuntimeSandbox, ImageProfile: ProfileBase})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	if _, err := ws.CheckWritable("memory/notes.md"); err != nil {
		t.Errorf("plain file refused: %v", err)
	}
	for _, p := range []string{"memory/.env", "skills/id.pem", "memory/secrets/db.txt"} {
		if _, err := ws.CheckWritable(p); err == nil {
			t.Errorf("%s should be protected", p)
		}
	}
	if _, err := ws.CheckWritable("../escape.txt"); err == nil {
		t.Error("path outside scope should be refused")
	}
}

func TestDefaultProtectIsCopied(t *testing.T) {
	c := DefaultCapabilities(ProfileBase)
	c.Protect[0] = "changed"
	if DefaultProtected[0] == "changed" {
		t.Fatal("capabilities share the default protect list")
	}
}
