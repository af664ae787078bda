// Package logging wraps go.uber.org/zap the way dmzoneill-ollama-proxy's
// pkg/logging package does: a package-level logger built once from a level
// string, with New/Init/Sync helpers. Call sites log through the returned
// *zap.Logger, so they still import zap for fields.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide structured logger. It starts as a no-op so
// packages imported before Init is called never nil-panic.
var Logger = zap.NewNop()

// New builds a zap.Logger at the given level ("debug", "info", "warn",
// "error") and, for production, JSON-encoded output; for anything else,
// a human-readable development console encoder.
func New(level string, production bool) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return l, nil
}

// Init builds the level/production logger and installs it as the package
// default, returning it for components that prefer an explicit reference.
func Init(level string, production bool) (*zap.Logger, error) {
	l, err := New(level, production)
	if err != nil {
		return nil, err
	}
	Logger = l
	return l, nil
}

// Sync flushes any buffered log entries; call before process exit.
func Sync() {
	_ = Logger.Sync()
}
