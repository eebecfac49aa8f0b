package logger

import (
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Logger is the structured logger passed into components.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type LoggerConfig struct {
	Level      string
	Format     string // "text" or "json"
	Output     io.Writer
	TimeFormat string
}

type charmLogger struct {
	l *charmlog.Logger
}

func NewWithConfig(config LoggerConfig) Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05"
	}

	l := charmlog.NewWithOptions(config.Output, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      config.TimeFormat,
		Level:           parseLevel(config.Level),
	})
	if strings.EqualFold(config.Format, "json") {
		l.SetFormatter(charmlog.JSONFormatter)
	}

	return &charmLogger{l: l}
}

// New returns an info level text logger on stderr.
func New() Logger {
	return NewWithConfig(LoggerConfig{})
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func (c *charmLogger) Debug(msg string, keyvals ...any) { c.l.Debug(msg, keyvals...) }
func (c *charmLogger) Info(msg string, keyvals ...any)  { c.l.Info(msg, keyvals...) }
func (c *charmLogger) Warn(msg string, keyvals ...any)  { c.l.Warn(msg, keyvals...) }
func (c *charmLogger) Error(msg string, keyvals ...any) { c.l.Error(msg, keyvals...) }

func (c *charmLogger) With(keyvals ...any) Logger {
	return &charmLogger{l: c.l.With(keyvals...)}
}

type nop struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)   {}
func (nop) Info(string, ...any)    {}
func (nop) Warn(string, ...any)    {}
func (nop) Error(string, ...any)   {}
func (n nop) With(...any) Logger { return n }
