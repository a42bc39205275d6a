// Package logger is a small tag-style facade over zerolog used by the CLI,
// the HTTP server and the price providers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	out io.Writer = os.Stdout
	log           = newLogger(os.Stdout, zerolog.InfoLevel)
)

func newLogger(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(cw).Level(lvl).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	log = newLogger(w, log.GetLevel())
}

// SetLevel sets the minimum level: debug, info, warn or error.
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	defer mu.Unlock()
	log = log.Level(lvl)
	return nil
}

func Debug(tag, msg string) {
	l := current()
	l.Debug().Str("tag", tag).Msg(msg)
}

func Info(tag, msg string) {
	l := current()
	l.Info().Str("tag", tag).Msg(msg)
}

// Success logs at info level with an ok marker.
func Success(tag, msg string) {
	l := current()
	l.Info().Str("tag", tag).Bool("ok", true).Msg(msg)
}

func Warn(tag, msg string) {
	l := current()
	l.Warn().Str("tag", tag).Msg(msg)
}

func Error(tag, msg string) {
	l := current()
	l.Error().Str("tag", tag).Msg(msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	mu.RLock()
	w := out
	mu.RUnlock()
	fmt.Fprintf(w, "\n  frontier %s\n  mean-variance portfolio optimizer\n\n", version)
}

// Section prints a heading between groups of output.
func Section(title string) {
	mu.RLock()
	w := out
	mu.RUnlock()
	fmt.Fprintf(w, "\n── %s ──\n", title)
}

// Stats logs a single key/value metric.
func Stats(key string, value any) {
	l := current()
	l.Info().Str("tag", "STATS").Interface(key, value).Send()
}

// Server logs the listening address.
func Server(addr string) {
	l := current()
	l.Info().Str("tag", "SERVER").Str("addr", "http://"+addr).Msg("Listening")
}
