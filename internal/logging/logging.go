// Package logging builds the logr.Logger handed to every ringprobe component
// and provides structured action logs for scenario phases.
package logging

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/exp/slices"
)

// New returns a zap-backed logr.Logger writing to stderr.
// level is a zap level name ("debug", "info", "warn", "error"); format is
// "json" or "console".
func New(level, format string) (logr.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Discard(), fmt.Errorf("parsing log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q", format)
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// FromCore wraps an existing zap core, used by tests with zaptest/observer.
func FromCore(core zapcore.Core) logr.Logger {
	return zapr.NewLogger(zap.New(core))
}

// ActionParams are the key/value pairs attached to an action log entry.
type ActionParams map[string]any

// Logger emits action_started / action_completed / action_failed entries
// with durations, one per injected or observed scenario action.
type Logger struct {
	log logr.Logger
}

// NewLogger scopes an action logger to a named component.
func NewLogger(log logr.Logger, component string) *Logger {
	return &Logger{log: log.WithValues("component", component)}
}

// Logr returns the underlying logger.
func (l *Logger) Logr() logr.Logger {
	return l.log
}

// ActionStarted logs the start of an action.
func (l *Logger) ActionStarted(action string, params ActionParams) {
	kv := append([]any{"action", action, "phase", "started"}, params.keysAndValues()...)
	l.log.Info("action_started", kv...)
}

// ActionCompleted logs the completion of an action.
func (l *Logger) ActionCompleted(action string, params ActionParams, result string, duration time.Duration) {
	kv := append([]any{
		"action", action,
		"phase", "completed",
		"result", result,
		"duration", duration.String(),
	}, params.keysAndValues()...)
	l.log.Info("action_completed", kv...)
}

// ActionFailed logs the failure of an action.
func (l *Logger) ActionFailed(action string, params ActionParams, err error, duration time.Duration) {
	kv := append([]any{
		"action", action,
		"phase", "failed",
		"duration", duration.String(),
	}, params.keysAndValues()...)
	l.log.Error(err, "action_failed", kv...)
}

// Track logs ActionStarted now and returns a func that logs completion or
// failure depending on the error it is given.
//
// Example:
//
//	done := l.Track("stop_node", logging.ActionParams{"node": n.ID})
//	err := cp.Stop(ctx, n)
//	done(err)
func (l *Logger) Track(action string, params ActionParams) func(error) {
	start := time.Now()
	l.ActionStarted(action, params)
	return func(err error) {
		if err != nil {
			l.ActionFailed(action, params, err, time.Since(start))
			return
		}
		l.ActionCompleted(action, params, "ok", time.Since(start))
	}
}

func (p ActionParams) keysAndValues() []any {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, p[k])
	}
	return out
}
