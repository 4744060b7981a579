// Package tasklog implements the per-task append-only log writer:
// level-tagged lines and banner frames, with the subprocess's stdout and
// stderr redirected to the same file.
package tasklog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Level tags a single log line.
type Level string

const (
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
	Sys   Level = "SYS"
)

// Log writes tagged lines to a single append-only file. A Log opened
// with an empty path discards everything.
type Log struct {
	path string
	f    *os.File
}

// Open opens (creating if needed) the log file at path for appending. An
// empty path yields a discarding Log.
func Open(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tasklog: open %s: %w", path, err)
	}
	return &Log{path: path, f: f}, nil
}

// Writer returns an io.Writer suitable for attaching directly to a
// subprocess's Stdout/Stderr. Writing through it does not add a level tag,
// since the subprocess owns the formatting of its own output.
func (l *Log) Writer() io.Writer {
	if l.f == nil {
		return io.Discard
	}
	return l.f
}

// Line appends one level-tagged, timestamped line.
func (l *Log) Line(level Level, format string, args ...any) {
	if l.f == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.f, "%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339Nano), level, msg)
}

// Banner writes a framed, multi-line block, used for the per-attempt
// notice a node writes on each Execute so it stands out when a human
// tails the file.
func (l *Log) Banner(level Level, title string) {
	if l.f == nil {
		return
	}
	rule := strings.Repeat("=", len(title)+4)
	fmt.Fprintf(l.f, "%s [%s] %s\n  %s\n%s\n", time.Now().UTC().Format(time.RFC3339Nano), level, rule, title, rule)
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	return l.f.Close()
}
