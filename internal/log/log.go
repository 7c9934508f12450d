// Package log configures the process-wide zerolog logger and hands out
// component-scoped children.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Canonical field names used across the codebase.
const (
	FieldComponent = "component"
	FieldHandle    = "handle"
	FieldQueryID   = "query_id"
	FieldRunID     = "run_id"
	FieldEvent     = "event"
	FieldSeq       = "seq"
	FieldAttempt   = "attempt"
)

// Config captures options for the global logger.
type Config struct {
	Level  string    // "debug", "info", ... (default info, or LOG_LEVEL)
	Output io.Writer // defaults to os.Stderr
}

var (
	mu   sync.Mutex
	base = zerolog.New(os.Stderr).With().
		Timestamp().
		Str("service", "flowbus").
		Logger()
	configured bool
)

// Configure initialises the global logger. Later calls are no-ops so
// library consumers that never call it still get a working default.
func Configure(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	if configured {
		return
	}
	configured = true

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	} else if env := os.Getenv("LOG_LEVEL"); env != "" {
		if parsed, err := zerolog.ParseLevel(env); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	writer := cfg.Output
	if writer == nil {
		writer = os.Stderr
	}

	base = zerolog.New(writer).With().
		Timestamp().
		Str("service", "flowbus").
		Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str(FieldComponent, name).Logger()
}
