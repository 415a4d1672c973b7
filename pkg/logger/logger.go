// Package logger wraps log/slog behind the component+fields call shape
// picoclaw's own logger used, so call sites read the same way without
// pulling in a third logging dependency distinct from the standard
// library (see DESIGN.md for why slog rather than a third-party logger).
package logger

import (
	"context"
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

func SetLevel(level slog.Level) {
	base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func fieldsToAttrs(fields map[string]interface{}) []any {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func InfoC(component, message string) {
	base.With("component", component).Info(message)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	base.With("component", component).Info(message, fieldsToAttrs(fields)...)
}

func WarnC(component, message string) {
	base.With("component", component).Warn(message)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	base.With("component", component).Warn(message, fieldsToAttrs(fields)...)
}

func ErrorC(component, message string) {
	base.With("component", component).Error(message)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	base.With("component", component).Error(message, fieldsToAttrs(fields)...)
}

func DebugC(component, message string) {
	base.With("component", component).Debug(message)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	base.With("component", component).Debug(message, fieldsToAttrs(fields)...)
}

// CtxF logs with a context, allowing future propagation of trace ids
// without changing every call site.
func CtxF(ctx context.Context, level slog.Level, component, message string, fields map[string]interface{}) {
	base.With("component", component).Log(ctx, level, message, fieldsToAttrs(fields)...)
}
