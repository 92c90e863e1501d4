// Package log builds the process-wide structured logger used by every
// long-lived component (ingestor, engine, fan-out, push notifier,
// scheduler, HTTP surface).
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger honoring level and the LOG_FORMAT environment
// variable ("text" for development, JSON otherwise).
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	if os.Getenv("LOG_FORMAT") == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return l
}

// Component returns a child logger tagged with a "component" field, the
// convention every package in this repository uses for its own logger.
func Component(base *logrus.Logger, name string) *logrus.Entry {
	return base.WithField("component", name)
}
