package workflow

import (
	"context"
	"log/slog"
)

// LevelCritical 比error更严重, 需要人工立刻介入
const LevelCritical = slog.Level(12)

// Logger run使用的日志接口, 默认实现是slog
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warning(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
	Critical(ctx context.Context, msg string, args ...any)
}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger logger为nil时使用slog.Default()
func NewSlogLogger(logger *slog.Logger) Logger {
	return &slogLogger{logger: logger}
}

func (l *slogLogger) get() *slog.Logger {
	if l.logger == nil {
		return slog.Default()
	}
	return l.logger
}

func (l *slogLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.get().DebugContext(ctx, msg, args...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	l.get().InfoContext(ctx, msg, args...)
}

func (l *slogLogger) Warning(ctx context.Context, msg string, args ...any) {
	l.get().WarnContext(ctx, msg, args...)
}

func (l *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	l.get().ErrorContext(ctx, msg, args...)
}

func (l *slogLogger) Critical(ctx context.Context, msg string, args ...any) {
	l.get().Log(ctx, LevelCritical, msg, args...)
}
