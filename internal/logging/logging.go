// Package logging builds the service loggers: stderr by default, a rotating
// log file when one is configured.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

const (
	// DefaultMaxAge is how long rotated files are kept.
	DefaultMaxAge = 7 * 24 * time.Hour
	// DefaultRotationTime is the rotation period.
	DefaultRotationTime = 24 * time.Hour
)

// Options configures the service logger.
type Options struct {
	// File is the log path; a date suffix is appended per rotation and the
	// bare path is kept as a link to the current file. Empty logs to stderr
	// only.
	File string

	// MaxAge is how long rotated files are kept; zero means DefaultMaxAge.
	MaxAge time.Duration

	// RotationTime is the rotation period; zero means DefaultRotationTime.
	RotationTime time.Duration

	// Quiet drops the stderr echo when a file is configured.
	Quiet bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger with the given prefix. The returned closer releases the
// rotating writer; with no file configured it is a no-op.
func New(prefix string, opts Options) (*log.Logger, io.Closer, error) {
	flags := log.LstdFlags | log.Lmsgprefix
	if opts.File == "" {
		return log.New(os.Stderr, prefix, flags), nopCloser{}, nil
	}

	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	rotation := opts.RotationTime
	if rotation <= 0 {
		rotation = DefaultRotationTime
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
	}
	writer, err := rotatelogs.New(
		opts.File+".%Y%m%d",
		rotatelogs.WithLinkName(opts.File),
		rotatelogs.WithMaxAge(maxAge),
		rotatelogs.WithRotationTime(rotation),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: opening %s: %w", opts.File, err)
	}

	var out io.Writer = writer
	if !opts.Quiet {
		out = io.MultiWriter(os.Stderr, writer)
	}
	return log.New(out, prefix, flags), writer, nil
}
