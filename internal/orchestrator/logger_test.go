package orchestrator

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type nopCloser struct{ closed int }

func (c *nopCloser) Close() error { c.closed++; return nil }

func TestDebugLogger_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	c := &nopCloser{}
	d := newDebugLogger(&buf, c)

	d.Trace("runLoop", "job %s dispatched", "j1")
	out := buf.String()
	if !strings.Contains(out, "component=runLoop") || !strings.Contains(out, "job j1 dispatched") {
		t.Errorf("trace output = %q", out)
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if c.closed != 1 {
		t.Errorf("closed %d times, want 1", c.closed)
	}
}

func TestDebugLogger_NilAndNop(t *testing.T) {
	var d *DebugLogger
	d.Trace("x", "ignored")
	if err := d.Close(); err != nil {
		t.Error(err)
	}
	NopLogger().Trace("x", "ignored")

	setTraceLogger(nil)
	trace("x", "no logger installed")
}

func TestNewDebugLoggerForDataDir(t *testing.T) {
	dir := t.TempDir()
	d := NewDebugLoggerForDataDir(dir)
	d.Trace("test", "hello")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "scheduler-trace.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello") {
		t.Errorf("trace file = %q", data)
	}

	if NewDebugLoggerForDataDir("").logger != nil {
		t.Error("empty data dir should give a nop logger")
	}
}

func TestTraceGraph_UsesInstalledLogger(t *testing.T) {
	var buf bytes.Buffer
	setTraceLogger(newDebugLogger(&buf, &nopCloser{}))
	t.Cleanup(func() { setTraceLogger(nil) })

	traceGraph("[graph.Ready] %d ready tasks", 2)
	if out := buf.String(); !strings.Contains(out, "component=graph") || !strings.Contains(out, "2 ready tasks") {
		t.Errorf("trace output = %q", out)
	}
}
