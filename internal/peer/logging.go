package peer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into logger, tagging each
// record with the pion scope ("ice", "dtls", ...).
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{log: logger}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With("pion", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l *leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *leveledLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.emit(levelTrace, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
