// Package logger provides the structured logger shared by the ledger services.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Logger wraps logrus with a fixed component field.
type Logger struct {
	*logrus.Entry
}

// New builds a logger for component using cfg.
func New(component string, cfg Config) *Logger {
	return newWithOutput(component, cfg, os.Stdout)
}

// NewDefault builds an info-level text logger for component.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// NewNop returns a logger that discards all output. Intended for tests.
func NewNop() *Logger {
	return newWithOutput("nop", Config{Level: "panic"}, io.Discard)
}

func newWithOutput(component string, cfg Config, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Entry: base.WithField("component", component)}
}

// With returns a child logger for a sub-component.
func (l *Logger) With(component string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", component)}
}
