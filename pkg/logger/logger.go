package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the application's field conventions
type Logger struct {
	*logrus.Logger
	mu sync.RWMutex
}

// LogLevel represents log levels
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// LogFormat represents log output formats
type LogFormat string

const (
	JSONFormat LogFormat = "json"
	TextFormat LogFormat = "text"
)

// Config represents logger configuration
type Config struct {
	Level  LogLevel
	Format LogFormat
	Output string // file path or "stdout"
}

var (
	instance *Logger
	once     sync.Once
)

// Init initializes the global logger from the environment
func Init() {
	once.Do(func() {
		instance = NewLogger(getLoggerConfig())
	})
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	logger := &Logger{
		Logger: logrus.New(),
	}

	logger.SetLevel(getLogrusLevel(config.Level))

	if config.Format == JSONFormat {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if config.Output == "stdout" || config.Output == "" {
		logger.SetOutput(os.Stdout)
		return logger
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0755); err != nil {
		logger.SetOutput(os.Stdout)
		logger.WithError(err).Warn("Failed to create log directory, falling back to stdout")
		return logger
	}

	file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logger.SetOutput(os.Stdout)
		logger.WithError(err).Warn("Failed to open log file, falling back to stdout")
		return logger
	}
	logger.SetOutput(file)

	return logger
}

// getLoggerConfig returns logger configuration from environment
func getLoggerConfig() Config {
	config := Config{
		Level:  InfoLevel,
		Format: TextFormat,
		Output: "stdout",
	}

	if level := os.Getenv("MATCHA_LOG_LEVEL"); level != "" {
		config.Level = LogLevel(strings.ToLower(level))
	}

	if format := os.Getenv("MATCHA_LOG_FORMAT"); format != "" {
		config.Format = LogFormat(strings.ToLower(format))
	}

	if output := os.Getenv("MATCHA_LOG_OUTPUT"); output != "" {
		config.Output = output
	}

	if os.Getenv("MATCHA_ENV") == "production" {
		config.Format = JSONFormat
	}

	return config
}

// getLogrusLevel converts LogLevel to logrus.Level
func getLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Global logger functions

func Debug(args ...interface{}) {
	if instance != nil {
		instance.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if instance != nil {
		instance.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if instance != nil {
		instance.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if instance != nil {
		instance.Infof(format, args...)
	}
}

func Warn(args ...interface{}) {
	if instance != nil {
		instance.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if instance != nil {
		instance.Warnf(format, args...)
	}
}

func Error(args ...interface{}) {
	if instance != nil {
		instance.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if instance != nil {
		instance.Errorf(format, args...)
	}
}

func Fatal(args ...interface{}) {
	if instance != nil {
		instance.Fatal(args...)
	} else {
		logrus.Fatal(args...)
	}
}

// WithField creates an entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	ensureInstance()
	return instance.WithField(key, value)
}

// WithFields creates an entry with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	ensureInstance()
	return instance.WithFields(fields)
}

// WithError creates an entry with an error field
func WithError(err error) *logrus.Entry {
	ensureInstance()
	return instance.WithError(err)
}

func ensureInstance() {
	if instance == nil {
		Init()
	}
}

// Context-aware logging functions

// LogChannelEvent logs connection lifecycle events on a logical channel
func LogChannelEvent(event, channelKey string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"event":       event,
		"channel_key": channelKey,
		"type":        "channel_event",
	}

	for k, v := range metadata {
		fields[k] = v
	}

	WithFields(fields).Info("Channel Event")
}

// LogCallEvent logs call signaling events
func LogCallEvent(event string, chatID, fromUserID, toUserID int64, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"event":        event,
		"chat_id":      chatID,
		"from_user_id": fromUserID,
		"to_user_id":   toUserID,
		"type":         "call_event",
	}

	for k, v := range metadata {
		fields[k] = v
	}

	WithFields(fields).Info("Call Event")
}

// LogUserAction logs local user actions
func LogUserAction(userID int64, action string, metadata map[string]interface{}) {
	fields := logrus.Fields{
		"user_id": userID,
		"action":  action,
		"type":    "user_action",
	}

	for k, v := range metadata {
		fields[k] = v
	}

	WithFields(fields).Info("User Action")
}

// SetLevel changes the logger level at runtime
func SetLevel(level LogLevel) {
	if instance != nil {
		instance.mu.Lock()
		defer instance.mu.Unlock()
		instance.Logger.SetLevel(getLogrusLevel(level))
	}
}

// Close closes the logger output if it writes to a file
func Close() error {
	if instance != nil {
		if file, ok := instance.Out.(*os.File); ok && file != os.Stdout && file != os.Stderr {
			return file.Close()
		}
	}
	return nil
}
