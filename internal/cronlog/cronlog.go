// Package cronlog adapts zap to the cron logger interface.
package cronlog

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type cronLogger struct {
	logger *zap.Logger
}

// New returns a cron.Logger writing to logger
func New(logger *zap.Logger) cron.Logger {
	return &cronLogger{logger: logger.Named("cron")}
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}

// Options returns the cron options shared by every job runner: zap logging
// and panic recovery.
func Options(logger *zap.Logger) []cron.Option {
	l := New(logger)
	return []cron.Option{
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l)),
	}
}
