// Package logging provides structured logging for property cache lifecycle
// events.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured cache lifecycle logging.
type Logger struct {
	*slog.Logger
}

// New creates a logger that writes JSON to stderr at level.
func New(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewWithHandler wraps an existing slog.Handler, e.g. tint's colored
// text handler chosen by cmd/propwatch.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{Logger: slog.New(h)}
}

// Default is used by package dbuspropcache when the caller hasn't installed
// a logger via SetDefault.
var Default = New(slog.LevelInfo)

// SetDefault replaces the package-wide default logger.
func SetDefault(l *Logger) {
	Default = l
}

// LoadAttempt logs the start of a GetAll for target.
func (l *Logger) LoadAttempt(ctx context.Context, target string) {
	l.LogAttrs(ctx, slog.LevelDebug, "property_load_attempt", slog.String("target", target))
}

// LoadSucceeded logs a successful GetAll reply.
func (l *Logger) LoadSucceeded(ctx context.Context, target string, count int) {
	l.LogAttrs(ctx, slog.LevelDebug, "property_load_succeeded",
		slog.String("target", target), slog.Int("properties", count))
}

// LoadFailed logs a failed GetAll reply. ServiceUnknown is the expected,
// unremarkable case of "service not running yet" and logs at info; every
// other failure logs at warning.
func (l *Logger) LoadFailed(ctx context.Context, target string, kind string, err error) {
	level := slog.LevelWarn
	if kind == "service-unknown" {
		level = slog.LevelInfo
	}
	l.LogAttrs(ctx, level, "property_load_failed",
		slog.String("target", target), slog.String("kind", kind), slog.String("error", err.Error()))
}

// OwnerChanged logs a NameOwnerChanged transition observed for target.
func (l *Logger) OwnerChanged(ctx context.Context, target string, appeared bool) {
	l.LogAttrs(ctx, slog.LevelInfo, "service_owner_changed",
		slog.String("target", target), slog.Bool("appeared", appeared))
}

// SelfHeal logs a retry triggered by an unexpected PropertiesChanged while
// the backend believed the service unavailable.
func (l *Logger) SelfHeal(ctx context.Context, target string) {
	l.LogAttrs(ctx, slog.LevelDebug, "property_self_heal", slog.String("target", target))
}

// SetFailed logs a failed Set reply. Set errors are never surfaced to
// callers, so a log line is the only record of the failure. handle is the
// correlation id of the Handle that issued the Set, letting a multi-Handle
// process tell which caller's request failed.
func (l *Logger) SetFailed(ctx context.Context, target, handle, property string, err error) {
	l.LogAttrs(ctx, slog.LevelWarn, "property_set_failed",
		slog.String("target", target), slog.String("handle", handle),
		slog.String("property", property), slog.String("error", err.Error()))
}

// ThreadAffinityViolation logs a detected cross-thread use of a Handle.
// handle is the offending Handle's correlation id.
func (l *Logger) ThreadAffinityViolation(ctx context.Context, target, handle string) {
	l.LogAttrs(ctx, slog.LevelError, "thread_affinity_violation",
		slog.String("target", target), slog.String("handle", handle))
}
