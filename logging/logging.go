package logging

import (
	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
)

// ConfigureLogrusJSON switches the logger to JSON output with a GCP
// compatible severity field, for when the job runs under a log collector
func ConfigureLogrusJSON(logger *log.Logger) {
	if logger == nil {
		return
	}

	logger.SetFormatter(&log.JSONFormatter{})
	logger.AddHook(SeverityHook{})
}

// SeverityHook adds a `severity` field derived from the logrus level unless
// the entry already has one
type SeverityHook struct{}

func (SeverityHook) Levels() []log.Level {
	return log.AllLevels
}

func (SeverityHook) Fire(entry *log.Entry) error {
	if entry == nil {
		return nil
	}
	if _, ok := entry.Data["severity"]; ok {
		return nil
	}

	entry.Data["severity"] = severityForLevel(entry.Level)
	return nil
}

func severityForLevel(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return "EMERGENCY"
	case log.FatalLevel:
		return "CRITICAL"
	case log.ErrorLevel:
		return "ERROR"
	case log.WarnLevel:
		return "WARNING"
	case log.InfoLevel:
		return "INFO"
	case log.DebugLevel, log.TraceLevel:
		return "DEBUG"
	default:
		return "DEFAULT"
	}
}

// RetryLogger routes go-retryablehttp's leveled logging into logrus. Its own
// per-request chatter goes to debug so that a normal run stays quiet.
type RetryLogger struct {
	Logger *log.Logger
}

// assert interface
var _ retryablehttp.LeveledLogger = RetryLogger{}

func (l RetryLogger) entry(keysAndValues []any) *log.Entry {
	logger := l.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	fields := log.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}

	return logger.WithFields(fields)
}

func (l RetryLogger) Error(msg string, keysAndValues ...any) {
	l.entry(keysAndValues).Error(msg)
}

func (l RetryLogger) Warn(msg string, keysAndValues ...any) {
	l.entry(keysAndValues).Warn(msg)
}

func (l RetryLogger) Info(msg string, keysAndValues ...any) {
	l.entry(keysAndValues).Debug(msg)
}

func (l RetryLogger) Debug(msg string, keysAndValues ...any) {
	l.entry(keysAndValues).Debug(msg)
}
