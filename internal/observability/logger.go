package observability

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(newFormatter())
	logger.SetLevel(logrus.InfoLevel)
}

func newFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
}

// serviceHook stamps every entry with the name of the running binary.
type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// InitLogger sets the level of the package logger and tags its entries with service.
// An unknown level falls back to info.
func InitLogger(level, service string) {
	hooks := make(logrus.LevelHooks)
	if service != "" {
		hooks.Add(serviceHook{service: service})
	}
	logger.ReplaceHooks(hooks)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

func GetLogger() *logrus.Logger {
	return logger
}

// NewTestLogger returns a standalone logger writing JSON to w at debug level.
func NewTestLogger(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(newFormatter())
	l.SetLevel(logrus.DebugLevel)
	return l
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}
