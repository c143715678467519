package types

import "log/slog"

// Logger is the structured logging seam used by pipeline components that are
// shared between binaries. *slog.Logger is adapted to it with NewSlogLogger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

// slogAdapter wraps *slog.Logger to implement Logger. slog.Logger satisfies
// Info, Warn and Error directly, but its With returns *slog.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

// NewSlogLogger adapts l to the Logger interface. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogAdapter{logger: l}
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// Compile-time assertion that slogAdapter implements Logger.
var _ Logger = (*slogAdapter)(nil)
