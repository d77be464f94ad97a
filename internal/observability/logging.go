// Package observability provides structured logging and metrics shared
// across duraloopd's components, grounded on the prior implementation's
// internal/observability package.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logger built by NewLogger.
type LogConfig struct {
	Level string
	Format string // "json" or "text"
	Output io.Writer
	AddSource bool
}

type contextKey string

const (
	sessionIDKey contextKey = "session_id"
	agentNameKey contextKey = "agent_name"
	handleKey contextKey = "process_handle"
)

// WithSessionID attaches a session id to ctx so NewLogger-built loggers
// include it on every record.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

func WithAgentName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentNameKey, name)
}

func WithProcessHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, handleKey, handle)
}

// contextHandler injects well-known context values as attributes on
// every record, the way logging package threads
// request/session ids through log/slog instead of a third-party
// logger — matching what its first-party code actually does.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(sessionIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("session_id", v))
	}
	if v, ok := ctx.Value(agentNameKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("agent_name", v))
	}
	if v, ok := ctx.Value(handleKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("process_handle", v))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// NewLogger builds a *slog.Logger per cfg, defaulting to info/json/stdout.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: levelFromString(cfg.Level), AddSource: cfg.AddSource}

	var base slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		base = slog.NewTextHandler(cfg.Output, opts)
	} else {
		base = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(contextHandler{base})
}

func levelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
