// Package logger provides structured logging infrastructure for the application.
// This is part of the platform layer and contains no business logic.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Context key types for storing values in context
type contextKey string

const (
	// InvocationIDKey is the context key for the stage invocation ID
	InvocationIDKey contextKey = "invocation_id"
	// StageKey is the context key for the pipeline stage name
	StageKey contextKey = "stage"
	// TopicKey is the context key for the bus topic being processed
	TopicKey contextKey = "topic"
)

// Logger wraps slog.Logger for structured logging
type Logger struct {
	*slog.Logger
}

// New creates a new logger based on environment
func New(env string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if strings.EqualFold(env, "development") {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithContext returns a logger with context values extracted.
// Supports invocation_id, stage, and topic from context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}

	newLogger := l

	if invocationID, ok := ctx.Value(InvocationIDKey).(string); ok && invocationID != "" {
		newLogger = newLogger.WithInvocationID(invocationID)
	}

	if stage, ok := ctx.Value(StageKey).(string); ok && stage != "" {
		newLogger = newLogger.WithStage(stage)
	}

	if topic, ok := ctx.Value(TopicKey).(string); ok && topic != "" {
		newLogger = &Logger{
			Logger: newLogger.With(slog.String("topic", topic)),
		}
	}

	return newLogger
}

// WithInvocationID returns a logger with the stage invocation ID
func (l *Logger) WithInvocationID(invocationID string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("invocation_id", invocationID)),
	}
}

// WithStage returns a logger with the pipeline stage name
func (l *Logger) WithStage(stage string) *Logger {
	return &Logger{
		Logger: l.With(slog.String("stage", stage)),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, status int, latencyMs float64, clientIP string) {
	l.Info("http_request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", latencyMs),
		slog.String("client_ip", clientIP),
	)
}

// HTTPError logs an HTTP error
func (l *Logger) HTTPError(method, path string, status int, err error, clientIP string) {
	l.Error("http_error",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.String("client_ip", clientIP),
	)
}

// StageInvocation logs the start of a stage invocation
func (l *Logger) StageInvocation(stage, trigger, scopeKind string, scopeSize int) {
	l.Info("stage_invocation",
		slog.String("stage", stage),
		slog.String("trigger", trigger),
		slog.String("scope_kind", scopeKind),
		slog.Int("scope_size", scopeSize),
	)
}

// StageOutcome logs the result of a stage invocation
func (l *Logger) StageOutcome(stage string, success bool, duration time.Duration, errKind string) {
	if success {
		l.Info("stage_outcome",
			slog.String("stage", stage),
			slog.Bool("success", true),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	} else {
		l.Warn("stage_outcome",
			slog.String("stage", stage),
			slog.Bool("success", false),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
			slog.String("error_kind", errKind),
		)
	}
}

// BusDelivery logs a message delivery attempt on the event bus
func (l *Logger) BusDelivery(topic string, attempt, maxRetry int, err error) {
	if err == nil {
		l.Debug("bus_delivery",
			slog.String("topic", topic),
			slog.Int("attempt", attempt),
		)
		return
	}
	l.Warn("bus_delivery_failed",
		slog.String("topic", topic),
		slog.Int("attempt", attempt),
		slog.Int("max_retry", maxRetry),
		slog.String("error", err.Error()),
	)
}

// DeadLetter logs a message that exhausted its delivery retries
func (l *Logger) DeadLetter(topic string, retryCount int, lastError string) {
	l.Error("dead_letter",
		slog.String("topic", topic),
		slog.Int("retry_count", retryCount),
		slog.String("last_error", lastError),
	)
}

// FallbackFired logs a fallback timer expiry
func (l *Logger) FallbackFired(stage, scopeKey string, armedAt time.Time) {
	l.Warn("fallback_fired",
		slog.String("stage", stage),
		slog.String("scope_key", scopeKey),
		slog.Time("armed_at", armedAt),
	)
}

// DatabaseError logs database errors
func (l *Logger) DatabaseError(operation string, err error) {
	l.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}
