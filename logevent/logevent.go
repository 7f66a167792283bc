// Package logevent provides the three-level info/detail/severe event
// logging the coordinator uses to narrate open/commit/close and to record
// best-effort failures it deliberately does not propagate.
package logevent

import (
	"go.uber.org/zap"

	"github.com/dfcache/dfcache/common"
)

// Logger wraps a *zap.Logger with the event shape the coordinator calls
// throughout open/commit/close: a plain narration (Info), a verbose
// diagnostic (Detail, mapped to zap's Debug level), and a failure (Severe,
// mapped to zap's Error level).
type Logger struct {
	z *zap.Logger
}

// New wraps an existing zap logger.
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{z: z}
}

// NewProduction builds a Logger using zap's production defaults.
func NewProduction() (*Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// NewNop returns a Logger that discards everything, for tests and callers
// that don't want the event stream.
func NewNop() *Logger {
	return New(zap.NewNop())
}

// Info narrates a normal lifecycle milestone (open, commit, close, defrag).
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.z.Info(msg, fields...)
}

// Detail logs a verbose diagnostic, including best-effort failures the
// caller has decided not to propagate (e.g. failing to remove an empty data
// file on Close).
func (l *Logger) Detail(msg string, fields ...zap.Field) {
	l.z.Debug(msg, fields...)
}

// Severe logs a failure, whether or not the caller also surfaces it.
func (l *Logger) Severe(msg string, err error, fields ...zap.Field) {
	all := append([]zap.Field{zap.Error(err)}, fields...)
	l.z.Error(msg, all...)
}

// SeverePos is Severe with the scaled position that was being accessed when
// the failure occurred, mirroring logSevereEvent(message, Throwable, long).
func (l *Logger) SeverePos(msg string, err error, pos common.ScaledPos) {
	l.Severe(msg, err, zap.Int64("pos", int64(pos)))
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
