// Package logging builds the process logger and adapts it to the libraries
// that bring their own logger interface.
package logging

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger for level ("debug", "info", "warn", "error") and format
// ("json" or "text").
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "debug":
		lvl = zap.DebugLevel
	case "warn":
		lvl = zap.WarnLevel
	case "error":
		lvl = zap.ErrorLevel
	default:
		lvl = zap.InfoLevel
	}

	var cfg zap.Config
	if format == "text" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("chat"), nil
}

// gocronLogger routes scheduler logs into zap. gocron passes key/value pairs
// after the message.
type gocronLogger struct {
	logger *zap.SugaredLogger
}

//nolint:ireturn // gocron expects its own interface
func NewGocronLogger(logger *zap.Logger) gocron.Logger {
	return &gocronLogger{logger: logger.Named("scheduler").Sugar()}
}

func (l *gocronLogger) Debug(msg string, args ...any) { l.logger.Debugw(msg, pairs(args)...) }
func (l *gocronLogger) Info(msg string, args ...any)  { l.logger.Infow(msg, pairs(args)...) }
func (l *gocronLogger) Warn(msg string, args ...any)  { l.logger.Warnw(msg, pairs(args)...) }
func (l *gocronLogger) Error(msg string, args ...any) { l.logger.Errorw(msg, pairs(args)...) }

// pairs stringifies keys so a stray non-string key does not make zap
// complain, and keeps a trailing odd value under "extra".
func pairs(args []any) []any {
	out := make([]any, 0, len(args)+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			out = append(out, "extra", args[i])
			break
		}
		out = append(out, fmt.Sprint(args[i]), args[i+1])
	}
	return out
}
