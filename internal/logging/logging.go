// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ShayCichocki/conductor/internal/config"
)

var (
	rootMu sync.RWMutex
	root   = logrus.New()
	closer io.Closer
)

// Setup builds the root logger from cfg. Calling it again replaces the
// previous output and closes any file it had opened.
func Setup(cfg config.LoggingConfig) (*logrus.Logger, error) {
	logger, c, err := New(cfg)
	if err != nil {
		return nil, err
	}

	rootMu.Lock()
	defer rootMu.Unlock()
	if closer != nil {
		closer.Close()
	}
	root = logger
	closer = c
	return logger, nil
}

// New builds a standalone logger without touching the root logger.
// The returned closer is nil unless a log file was opened.
func New(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.File == "" {
		logger.SetOutput(os.Stderr)
		return logger, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	return logger, f, nil
}

// Root returns the process-wide logger.
func Root() *logrus.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return Root().WithField("component", component)
}

// Discard returns an entry that drops everything. Used by tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Close releases the root logger's file, if any.
func Close() error {
	rootMu.Lock()
	defer rootMu.Unlock()
	if closer == nil {
		return nil
	}
	err := closer.Close()
	closer = nil
	root.SetOutput(os.Stderr)
	return err
}
