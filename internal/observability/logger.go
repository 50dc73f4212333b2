package observability

import (
	"time"

	"github.com/sirupsen/logrus"
)

const serviceName = "go-relay"

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.SetLevel(logrus.InfoLevel)
	logger.AddHook(processHook{})
}

// InitLogger sets the level and tags every entry with the process component
// (producer, worker or dispatcher). Unknown levels fall back to info.
func InitLogger(level, component string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.ReplaceHooks(make(logrus.LevelHooks))
	logger.AddHook(processHook{component: component})
}

func GetLogger() *logrus.Logger {
	return logger
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// processHook adds service and component unless the entry already set them.
type processHook struct {
	component string
}

func (processHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h processHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	if _, ok := entry.Data["component"]; !ok && h.component != "" {
		entry.Data["component"] = h.component
	}
	return nil
}
