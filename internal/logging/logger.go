// Package logging provides structured logging configuration using zap.
//
// This package integrates with chi's RequestID middleware to propagate
// request IDs through structured log entries, enabling request tracing
// across the entire request lifecycle.
package logging

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const fieldsKey ctxKey = iota

// Setup builds the global zap logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "console", "json" (default: "json")
func Setup(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.ToLower(format) == "console" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// parseLevel converts a string log level to a zapcore.Level.
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// FromContext returns a logger enriched with request context.
//
// When called with a request context that contains a chi RequestID,
// the returned logger automatically includes request_id in all log entries.
// Fields attached with ContextWithFields are added as well.
//
// Usage:
//
//	func handleRequest(w http.ResponseWriter, r *http.Request) {
//	    logger := logging.FromContext(r.Context())
//	    logger.Infow("processing request", "batch_id", batchID)
//	}
func FromContext(ctx context.Context) *zap.SugaredLogger {
	logger := zap.S()
	if ctx == nil {
		return logger
	}

	// Chi's RequestID middleware stores the ID in context
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if fields, ok := ctx.Value(fieldsKey).([]any); ok && len(fields) > 0 {
		logger = logger.With(fields...)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	importLogger := logging.WithFields(ctx,
//	    "batch_id", batchID,
//	    "project_id", projectID,
//	)
//	importLogger.Infow("commit started")
func WithFields(ctx context.Context, args ...any) *zap.SugaredLogger {
	return FromContext(ctx).With(args...)
}

// ContextWithFields stores key/value pairs that every FromContext logger
// derived from the returned context will carry.
func ContextWithFields(ctx context.Context, args ...any) context.Context {
	existing, _ := ctx.Value(fieldsKey).([]any)
	merged := make([]any, 0, len(existing)+len(args))
	merged = append(merged, existing...)
	merged = append(merged, args...)
	return context.WithValue(ctx, fieldsKey, merged)
}
