package logger

import (
	"context"
)

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Fatal(msg string, keysAndValues ...any)
}

type noOpLogger struct{}

func (n *noOpLogger) Debug(msg string, keysAndValues ...any) {}
func (n *noOpLogger) Info(msg string, keysAndValues ...any)  {}
func (n *noOpLogger) Warn(msg string, keysAndValues ...any)  {}
func (n *noOpLogger) Error(msg string, keysAndValues ...any) {}
func (n *noOpLogger) Fatal(msg string, keysAndValues ...any) {}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &noOpLogger{}
}

type contextKey string

const loggerKey contextKey = "logger"

func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContextOr is FromContext with a caller supplied fallback.
func FromContextOr(ctx context.Context, fallback Logger) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return fallback
}

func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

type fieldsLogger struct {
	next   Logger
	fields []any
}

// With returns a logger that adds keysAndValues to every entry.
func With(l Logger, keysAndValues ...any) Logger {
	if zl, ok := l.(*ZapLogger); ok {
		return &ZapLogger{logger: zl.logger.With(keysAndValues...)}
	}
	return &fieldsLogger{next: l, fields: keysAndValues}
}

func (f *fieldsLogger) merge(keysAndValues []any) []any {
	all := make([]any, 0, len(f.fields)+len(keysAndValues))
	all = append(all, f.fields...)
	return append(all, keysAndValues...)
}

func (f *fieldsLogger) Debug(msg string, keysAndValues ...any) {
	f.next.Debug(msg, f.merge(keysAndValues)...)
}

func (f *fieldsLogger) Info(msg string, keysAndValues ...any) {
	f.next.Info(msg, f.merge(keysAndValues)...)
}

func (f *fieldsLogger) Warn(msg string, keysAndValues ...any) {
	f.next.Warn(msg, f.merge(keysAndValues)...)
}

func (f *fieldsLogger) Error(msg string, keysAndValues ...any) {
	f.next.Error(msg, f.merge(keysAndValues)...)
}

func (f *fieldsLogger) Fatal(msg string, keysAndValues ...any) {
	f.next.Fatal(msg, f.merge(keysAndValues)...)
}
