package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// traceLogger is the scheduling trace shared by the engine's components.
// The graph, the run loop and the event log have no logger of their own.
var traceLogger atomic.Pointer[DebugLogger]

func setTraceLogger(l *DebugLogger) {
	traceLogger.Store(l)
}

// trace writes one line to the scheduling trace, tagged with the component
// that produced it.
func trace(component, format string, args ...any) {
	traceLogger.Load().Trace(component, format, args...)
}

// traceGraph adapts trace to the dependency graph's debug hook.
func traceGraph(format string, args ...any) {
	trace("graph", format, args...)
}

// DebugLogger writes a verbose scheduling trace to its own file, separate
// from the structured process log. A nil or zero DebugLogger discards
// everything.
type DebugLogger struct {
	logger *logrus.Logger
	closer io.Closer
}

// NewDebugLogger opens (appending) the trace file at logPath. An empty path
// yields a logger that discards everything.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return newDebugLogger(f, f), nil
}

func newDebugLogger(w io.Writer, c io.Closer) *DebugLogger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		TimestampFormat:  "15:04:05.000",
		QuoteEmptyFields: true,
	})
	d := &DebugLogger{logger: l, closer: c}
	d.Trace("engine", "trace started, pid %d", os.Getpid())
	return d
}

// NewDebugLoggerForDataDir puts the trace at <dataDir>/logs/scheduler-trace.log.
// Failure to open it disables tracing rather than failing startup.
func NewDebugLoggerForDataDir(dataDir string) *DebugLogger {
	if dataDir == "" {
		return NopLogger()
	}
	d, err := NewDebugLogger(filepath.Join(dataDir, "logs", "scheduler-trace.log"))
	if err != nil {
		logrus.WithError(err).Warn("Scheduler trace disabled")
		return NopLogger()
	}
	return d
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Trace writes a line tagged with component.
func (d *DebugLogger) Trace(component, format string, args ...any) {
	if d == nil || d.logger == nil {
		return
	}
	d.logger.WithField("component", component).Debugf(format, args...)
}

// Close closes the trace file. It is safe to call more than once.
func (d *DebugLogger) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}
