package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		level   logrus.Level
		wantErr bool
	}{
		{"defaults", config.LoggingConfig{}, logrus.InfoLevel, false},
		{"debug json", config.LoggingConfig{Level: "debug", Format: "json"}, logrus.DebugLevel, false},
		{"bad level", config.LoggingConfig{Level: "loud"}, 0, true},
		{"bad format", config.LoggingConfig{Format: "xml"}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if logger.GetLevel() != tt.level {
				t.Errorf("level = %v, want %v", logger.GetLevel(), tt.level)
			}
		})
	}
}

func TestSetup_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "conductor.log")

	if _, err := Setup(config.LoggingConfig{Level: "info", Format: "json", File: path}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { Close() })

	For("scheduler").WithField("job_id", "j1").Info("dispatching")

	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	for _, want := range []string{`"component":"scheduler"`, `"job_id":"j1"`, `"msg":"dispatching"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}
