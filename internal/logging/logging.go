package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
)

// New builds the process logger from cfg.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text or json)", cfg.Format)
	}
	return logger, nil
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// PionFactory routes pion's scoped loggers into logger. pion is chatty at
// info, so its messages are shifted down one level.
func PionFactory(logger logrus.FieldLogger) logging.LoggerFactory {
	return &pionFactory{logger: logger}
}

type pionFactory struct {
	logger logrus.FieldLogger
}

func (f *pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{entry: f.logger.WithField("pion", scope)}
}

type pionLogger struct {
	entry logrus.FieldLogger
}

func (l *pionLogger) Trace(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
