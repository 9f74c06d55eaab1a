// Package logging provides structured logging for the relayer
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	claimIDKey   contextKey = "claim_id"
	loggerKey    contextKey = "logger"
)

// Options controls where and how log lines are written.
type Options struct {
	Level  string
	Format string // "json" or "text"
	File   string // optional path; rotated when set
}

// New creates a new structured logger writing to stdout
func New(level string, format string) *slog.Logger {
	return NewWithOptions(Options{Level: level, Format: format})
}

// NewWithOptions creates a logger that also writes to a rotated file when
// Options.File is set. Gift lifecycle lines are the audit trail operators use
// for stuck claims, so they are kept on disk in addition to stdout.
func NewWithOptions(o Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if o.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return newLogger(out, o.Level, o.Format)
}

func newLogger(out io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithClaimID tags the context with the gift being worked on.
func WithClaimID(ctx context.Context, claimID string) context.Context {
	return context.WithValue(ctx, claimIDKey, claimID)
}

// ClaimID extracts the claim ID from context
func ClaimID(ctx context.Context) string {
	if id, ok := ctx.Value(claimIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L returns the context logger decorated with request and claim ids.
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if claimID := ClaimID(ctx); claimID != "" {
		logger = logger.With("claim_id", claimID)
	}
	return logger
}
