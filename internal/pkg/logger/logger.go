package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"regradar/internal/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields map[string]interface{}

// Logger wraps logrus with the structured helpers the services use.
type Logger struct {
	entry *logrus.Entry
}

func New(cfg config.LogConfig) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	base.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	case "file":
		output = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	default:
		output = os.Stdout
	}
	base.SetOutput(output)

	return &Logger{entry: logrus.NewEntry(base)}, nil
}

func (log *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: log.entry.WithFields(logrus.Fields(fields))}
}

func (log *Logger) WithError(err error) *Logger {
	return &Logger{entry: log.entry.WithError(err)}
}

func (log *Logger) Debug(msg string, keysAndValues ...interface{}) {
	log.withKV(keysAndValues).Debug(msg)
}

func (log *Logger) Info(msg string, keysAndValues ...interface{}) {
	log.withKV(keysAndValues).Info(msg)
}

func (log *Logger) Warn(msg string, keysAndValues ...interface{}) {
	log.withKV(keysAndValues).Warn(msg)
}

func (log *Logger) Error(msg string, keysAndValues ...interface{}) {
	log.withKV(keysAndValues).Error(msg)
}

// LogService records one call against a backing service (redis, gateway,
// tavily, crawler) with its duration and outcome.
func (log *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := log.entry.WithFields(logrus.Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Info("service call completed")
}

// LogAgent records one pipeline step for a session.
func (log *Logger) LogAgent(sessionID, agent, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := log.entry.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"agent":       agent,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if fields != nil {
		entry = entry.WithFields(logrus.Fields(fields))
	}

	if err != nil {
		entry.WithError(err).Error("agent step failed")
		return
	}
	entry.Info("agent step completed")
}

// LogTurn records a chat turn lifecycle event.
func (log *Logger) LogTurn(turnID, sessionID, event string, duration time.Duration, err error) {
	entry := log.entry.WithFields(logrus.Fields{
		"turn_id":     turnID,
		"session_id":  sessionID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})

	if err != nil {
		entry.WithError(err).Error("turn event")
		return
	}
	entry.Info("turn event")
}

func (log *Logger) LogHTTPRequest(method, path string, status int, duration time.Duration, clientIP string) {
	log.entry.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
		"client_ip":   clientIP,
	}).Info("http request")
}

func (log *Logger) withKV(keysAndValues []interface{}) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return log.entry
	}

	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return log.entry.WithFields(fields)
}
