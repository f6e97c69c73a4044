package config

import "testing"

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, err := GetAPIKey(&Config{Reasoner: ReasonerConfig{APIKey: "sk-ant-config-key"}})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected env key to win, got %q", key)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		key, src := ResolveAPIKey(&Config{Reasoner: ReasonerConfig{APIKey: "sk-ant-config-key"}})
		if key != "sk-ant-config-key" || src != KeySourceConfig {
			t.Errorf("ResolveAPIKey = %q, %q", key, src)
		}
	})

	t.Run("unexpanded reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		_, err := GetAPIKey(&Config{Reasoner: ReasonerConfig{APIKey: "${MISSING_KEY_VAR}"}})
		if err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		if _, err := GetAPIKey(nil); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
