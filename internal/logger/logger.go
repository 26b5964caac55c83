// Package logger provides tagged console logging for the updater, backed by
// zerolog. Batch runs can mirror output to a log file via SetLogFile.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	logFile *os.File
	log     = newLogger(os.Stdout)
)

func newLogger(extra io.Writer) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	var w io.Writer = console
	if extra != nil && extra != os.Stdout {
		w = zerolog.MultiLevelWriter(console, extra)
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// SetLogFile mirrors all subsequent log output to the given file, creating
// parent-relative paths as needed. Used by batch runs.
func SetLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	log = newLogger(f)
	return nil
}

// CloseLogFile stops mirroring to the log file and returns output to the
// console only.
func CloseLogFile() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	log = newLogger(os.Stdout)
}

func current() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return log
}

// Info logs an informational message under a component tag.
func Info(tag, msg string) {
	l := current()
	l.Info().Str("tag", tag).Msg(msg)
}

// Success logs a completed operation.
func Success(tag, msg string) {
	l := current()
	l.Info().Str("tag", tag).Str("status", "ok").Msg(msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	l := current()
	l.Warn().Str("tag", tag).Msg(msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	l := current()
	l.Error().Str("tag", tag).Msg(msg)
}

// Debug logs fine-grained detail, visible when GSV_DEBUG is set.
func Debug(tag, msg string) {
	if os.Getenv("GSV_DEBUG") == "" {
		return
	}
	l := current()
	l.Debug().Str("tag", tag).Msg(msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	fmt.Printf("game-seeker-vault updater %s (%s)\n", version, time.Now().Format("2006-01-02"))
}

// Section prints a visual separator for a processing phase.
func Section(name string) {
	fmt.Printf("\n============================================================\n%s\n============================================================\n", name)
}

// Stats prints one key/value line of a summary block.
func Stats(key string, value interface{}) {
	fmt.Printf("  %-28s %v\n", key, value)
}
