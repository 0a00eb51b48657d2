// Package logging builds the zerolog loggers used by the task runner: a
// console logger for the process and, per run directory, leveled log files
// that the LLM judge reads back.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// File names written into every run directory.
const (
	AllLog   = "all.log"
	InfoLog  = "info.log"
	ErrorLog = "error.log"
)

// Options configures a logger.
type Options struct {
	// Level is the minimum level written to the console and all.log.
	Level zerolog.Level
	// Console receives human-readable output. Nil means stderr; io.Discard
	// silences it.
	Console io.Writer
	NoColor bool
}

// ParseLevel converts a configured level name, defaulting to info.
func ParseLevel(name string) zerolog.Level {
	if name == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (o Options) console() io.Writer {
	out := o.Console
	if out == nil {
		out = os.Stderr
	}
	if out == io.Discard {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, NoColor: o.NoColor, TimeFormat: time.Kitchen}
}

// New returns a console logger.
func New(opts Options) zerolog.Logger {
	return zerolog.New(opts.console()).Level(opts.Level).With().Timestamp().Logger()
}

// RunLog is a logger bound to a run directory.
type RunLog struct {
	Logger zerolog.Logger
	files  []*os.File
}

// OpenRun creates dir if needed and returns a logger writing to the console
// and to all.log, info.log (info and above) and error.log (error and above)
// inside dir. Close releases the files.
func OpenRun(dir string, opts Options) (*RunLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}

	rl := &RunLog{}
	writers := []io.Writer{opts.console()}
	for _, f := range []struct {
		name  string
		level zerolog.Level
	}{
		{AllLog, opts.Level},
		{InfoLog, maxLevel(opts.Level, zerolog.InfoLevel)},
		{ErrorLog, zerolog.ErrorLevel},
	} {
		file, err := os.OpenFile(filepath.Join(dir, f.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_ = rl.Close()
			return nil, fmt.Errorf("open %s: %w", f.name, err)
		}
		rl.files = append(rl.files, file)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{Out: file, NoColor: true, TimeFormat: time.RFC3339}},
			Level:  f.level,
		})
	}

	rl.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(opts.Level).
		With().Timestamp().
		Logger()
	return rl, nil
}

// Close closes the log files.
func (r *RunLog) Close() error {
	var errs []error
	for _, f := range r.files {
		errs = append(errs, f.Close())
	}
	r.files = nil
	return errors.Join(errs...)
}

func maxLevel(a, b zerolog.Level) zerolog.Level {
	if a > b {
		return a
	}
	return b
}
