// Package logger is the process-wide component logger. Every line carries a
// component name; structured fields are passed as a map.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Options configures the global logger.
type Options struct {
	Level string // debug, info, warn, error
	File  string // optional JSON log file, appended to
	// Console selects human-readable console output; otherwise JSON on stderr.
	Console bool
	Output  io.Writer // defaults to os.Stderr
}

var (
	mu      sync.RWMutex
	base    = newLogger(os.Stderr, true, zerolog.InfoLevel)
	logFile *os.File
)

func newLogger(out io.Writer, console bool, level zerolog.Level) zerolog.Logger {
	if console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Init replaces the global logger. It is safe to call more than once; a
// previously opened log file is closed.
func Init(opts Options) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(opts.Level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var console io.Writer = out
	if opts.Console {
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var file *os.File
	writer := console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		writer = zerolog.MultiLevelWriter(console, f)
	}

	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	base = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(ev *zerolog.Event, component, message string, fields map[string]interface{}) {
	if ev == nil {
		return
	}
	ev = ev.Str("component", component)
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(message)
}

func DebugC(component, message string) {
	l := current()
	emit(l.Debug(), component, message, nil)
}

func DebugCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Debug(), component, message, fields)
}

func InfoC(component, message string) {
	l := current()
	emit(l.Info(), component, message, nil)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Info(), component, message, fields)
}

func WarnC(component, message string) {
	l := current()
	emit(l.Warn(), component, message, nil)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Warn(), component, message, fields)
}

func ErrorC(component, message string) {
	l := current()
	emit(l.Error(), component, message, nil)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	l := current()
	emit(l.Error(), component, message, fields)
}

// WA returns a whatsmeow logger that writes through the global logger.
func WA(module string) waLog.Logger {
	l := current().With().Str("component", "whatsmeow").Logger()
	return waLog.Zerolog(l).Sub(module)
}
