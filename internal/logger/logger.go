// Package logger is the ambient structured-logging layer. It owns process
// wide slog setup (Init) and exposes Notifier, the narrow interface the
// core depends on so it never imports slog directly.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var Log *slog.Logger

// Notifier is the one method the core uses to surface events: start/stop of
// a process, a blocked command, a search completing. Anything that can
// accept a level, a message, and key/value attrs satisfies it.
type Notifier interface {
	Emit(level, msg string, attrs ...any)
}

// SlogNotifier adapts a *slog.Logger to Notifier.
type SlogNotifier struct {
	logger *slog.Logger
}

// NewSlogNotifier wraps logger, or the package global Log if logger is nil.
func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	if logger == nil {
		logger = Log
	}
	return &SlogNotifier{logger: logger}
}

func (n *SlogNotifier) Emit(level, msg string, attrs ...any) {
	if n.logger == nil {
		return
	}
	switch level {
	case "debug":
		n.logger.Debug(msg, attrs...)
	case "warn":
		n.logger.Warn(msg, attrs...)
	case "error":
		n.logger.Error(msg, attrs...)
	default:
		n.logger.Info(msg, attrs...)
	}
}

// Init initializes the global logger
func Init(level string, logFile string) error {
	// Parse log level
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelDebug
	}

	// Set up multi-writer (stdout + file)
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	multiWriter := io.MultiWriter(writers...)

	// Create handler with custom options
	handler := slog.NewTextHandler(multiWriter, &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return nil
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
