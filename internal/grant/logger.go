package grant

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger adapts zap to Temporal's keyval logger.
type zapLogger struct {
	l *zap.Logger
}

// NewLogger returns a Temporal logger writing to l.
func NewLogger(l *zap.Logger) log.Logger {
	return &zapLogger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z *zapLogger) Debug(msg string, keyvals ...any) { z.l.Debug(msg, fields(keyvals)...) }
func (z *zapLogger) Info(msg string, keyvals ...any)  { z.l.Info(msg, fields(keyvals)...) }
func (z *zapLogger) Warn(msg string, keyvals ...any)  { z.l.Warn(msg, fields(keyvals)...) }
func (z *zapLogger) Error(msg string, keyvals ...any) { z.l.Error(msg, fields(keyvals)...) }

// fields pairs up keyvals; a trailing key without a value is dropped.
func fields(keyvals []any) []zap.Field {
	out := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, keyvals[i+1]))
	}
	return out
}
