package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

var (
	disabled atomic.Bool
	level    = new(slog.LevelVar)
	logger   atomic.Pointer[slog.Logger]
	discard  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func init() {
	logger.Store(newLogger(os.Stdout, false))
}

func newLogger(w io.Writer, json bool) *slog.Logger {
	if json {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	}))
}

// Setup configures the shared logger. levelName is one of debug, info,
// warn, error. When json is true records are emitted as JSON lines.
func Setup(levelName string, json bool) {
	SetOutput(os.Stdout, levelName, json)
}

// SetOutput is Setup with an explicit writer.
func SetOutput(w io.Writer, levelName string, json bool) {
	level.Set(ParseLevel(levelName))
	logger.Store(newLogger(w, json))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the shared structured logger.
func L() *slog.Logger {
	if disabled.Load() {
		return discard
	}
	return logger.Load()
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

func log(lvl slog.Level, msg string) {
	if disabled.Load() {
		return
	}
	logger.Load().Log(context.Background(), lvl, msg)
}

// Info logs an info message
func Info(v ...any) {
	log(slog.LevelInfo, fmt.Sprint(v...))
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	log(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(v ...any) {
	log(slog.LevelError, fmt.Sprint(v...))
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	log(slog.LevelError, fmt.Sprintf(format, v...))
}

// Warn logs a warning message
func Warn(v ...any) {
	log(slog.LevelWarn, fmt.Sprint(v...))
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	log(slog.LevelWarn, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func Debug(v ...any) {
	log(slog.LevelDebug, fmt.Sprint(v...))
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	log(slog.LevelDebug, fmt.Sprintf(format, v...))
}
