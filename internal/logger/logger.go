package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates a new structured logger with production-ready configuration
func New() *logrus.Logger {
	log := logrus.New()

	// Set output to stdout
	log.SetOutput(os.Stdout)

	// Use JSON formatter for structured logging
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	// Set default log level
	log.SetLevel(logrus.InfoLevel)

	return log
}

// NewForComponent creates a logger for a specific component
func NewForComponent(component string) *logrus.Entry {
	return New().WithField("component", component)
}
