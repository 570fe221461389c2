package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/moltbunker/peermesh/pkg/types"
)

var (
	defaultLogger *slog.Logger
	mu            sync.RWMutex
)

func init() {
	// Initialize with default JSON handler for production
	defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// SetLogger sets the global logger
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// SetOutput sets the output destination for the logger
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// SetLevel sets the logging level
func SetLevel(level slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetTextOutput sets up human-readable text output (for development)
func SetTextOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// Logger returns the default logger
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional context
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// Common field helpers
func Session(id types.SessionID) slog.Attr {
	return slog.Uint64("session", uint64(id))
}

func Proto(id types.ProtocolID) slog.Attr {
	return slog.Uint64("protocol", uint64(id))
}

func Addr(addr fmt.Stringer) slog.Attr {
	if addr == nil {
		return slog.String("addr", "")
	}
	return slog.String("addr", addr.String())
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}
