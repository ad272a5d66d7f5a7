package engine

import (
	"context"

	"github.com/tsarna/dime/pkg/dime/server"
	"github.com/tsarna/dime/pkg/dime/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging wraps another engine and logs every callback.
// If the wrapped engine is nil, it acts as a standalone logging engine.
type Logging struct {
	wrapped  server.Engine
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

// NewLogging creates a Logging engine wrapping wrapped, which may be nil.
func NewLogging(wrapped server.Engine, logger *zap.Logger, logLevel zapcore.Level) *Logging {
	return NewNamedLogging(wrapped, logger, logLevel, "LoggingEngine")
}

// NewNamedLogging is NewLogging with a custom name for the log entries.
func NewNamedLogging(wrapped server.Engine, logger *zap.Logger, logLevel zapcore.Level, name string) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *Logging) OnInput(ctx context.Context, p server.Pusher, token uint32, key int32, time uint32) {
	l.logger.Log(l.logLevel, "OnInput called",
		zap.String("engine", l.name),
		zap.Uint32("token", token),
		zap.Int32("key", key),
		zap.String("char", keyString(key)),
		zap.Uint32("time", time),
		zap.Bool("hasWrapped", l.wrapped != nil),
	)

	if l.wrapped != nil {
		l.wrapped.OnInput(ctx, p, token, key, time)
	}
}

func (l *Logging) OnEnable(ctx context.Context, p server.Pusher, token uint32, enabled bool) {
	l.logger.Log(l.logLevel, "OnEnable called",
		zap.String("engine", l.name),
		zap.Uint32("token", token),
		zap.Bool("enabled", enabled),
		zap.Bool("hasWrapped", l.wrapped != nil),
	)

	if l.wrapped != nil {
		l.wrapped.OnEnable(ctx, p, token, enabled)
	}
}

func (l *Logging) OnFocus(ctx context.Context, p server.Pusher, token uint32, focused bool) {
	l.logger.Log(l.logLevel, "OnFocus called",
		zap.String("engine", l.name),
		zap.Uint32("token", token),
		zap.Bool("focused", focused),
		zap.Bool("hasWrapped", l.wrapped != nil),
	)

	if l.wrapped != nil {
		l.wrapped.OnFocus(ctx, p, token, focused)
	}
}

func (l *Logging) OnCursor(ctx context.Context, p server.Pusher, token uint32, rect wire.Rect) {
	l.logger.Log(l.logLevel, "OnCursor called",
		zap.String("engine", l.name),
		zap.Uint32("token", token),
		zap.Int16("x", rect.X),
		zap.Int16("y", rect.Y),
		zap.Int16("w", rect.W),
		zap.Int16("h", rect.H),
		zap.Bool("hasWrapped", l.wrapped != nil),
	)

	if l.wrapped != nil {
		l.wrapped.OnCursor(ctx, p, token, rect)
	}
}

// keyString renders printable keys for the log.
func keyString(key int32) string {
	if key >= 0x20 && key != 0x7f && key <= 0x10ffff {
		return string(rune(key))
	}
	return ""
}

var _ server.Engine = (*Logging)(nil)
