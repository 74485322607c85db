// Package diag provides the SDK's internal diagnostic logger.
//
// The logger is process-wide state constructed on first access. It never
// writes to the host application's own logger unless SetLogger is called:
// by default it emits warnings and errors to stderr, and debug output once
// debug mode is enabled through SetDebug.
package diag

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	once   sync.Once
	mu     sync.RWMutex
	level  = new(slog.LevelVar)
	logger *slog.Logger
)

func initLogger() {
	level.Set(slog.LevelWarn)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("sdk", "beacon")
}

// Logger returns the process-wide diagnostic logger.
func Logger() *slog.Logger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the diagnostic logger. A nil logger restores the
// default stderr logger.
func SetLogger(l *slog.Logger) {
	once.Do(initLogger)
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
			With("sdk", "beacon")
		return
	}
	logger = l
}

// SetDebug toggles debug-level output of the default logger.
func SetDebug(enabled bool) {
	once.Do(initLogger)
	if enabled {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelWarn)
	}
}

// Component returns the diagnostic logger tagged with a component name.
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

// Safe runs fn and converts a panic into an error. Every call into
// collaborator-supplied code (integrations, processors, hooks) goes through
// Safe so that a fault there never reaches the host application.
func Safe(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("recovered panic: %w", e)
				return
			}
			err = fmt.Errorf("recovered panic: %v", r)
		}
	}()
	fn()
	return nil
}
