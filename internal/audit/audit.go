// Package audit records every request that crosses the control channel.
//
// Entries are appended to ~/.lyceum/audit.log as newline-delimited JSON,
// accepted and rejected alike. When the file grows past its size limit it
// is renamed to audit.log.1, replacing any previous generation, and a new
// file is started.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// DefaultMaxSize is the size at which a file-backed log rotates.
const DefaultMaxSize = 10 << 20

// Kind describes the request type.
type Kind string

const (
	KindSetting Kind = "setting"
	KindAction  Kind = "action"
	KindOpen    Kind = "open_external"
)

// Outcome is the gateway's verdict.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	Failed   Outcome = "failed" // accepted but the operation returned an error
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name"`            // setting name, action verb or url
	Value     string    `json:"value,omitempty"` // JSON text of a setting value
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"` // "api", "cli"
}

// Logger serializes entries to a sink. The zero value is not usable; a nil
// *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	file    *os.File // nil for writer-backed loggers
	path    string
	size    int64
	maxSize int64
}

// Option configures a file-backed Logger.
type Option func(*Logger)

// WithMaxSize sets the rotation threshold in bytes. Zero disables rotation.
func WithMaxSize(n int64) Option {
	return func(l *Logger) { l.maxSize = n }
}

// NewLogger opens path for appending, creating it with mode 0600.
func NewLogger(path string, opts ...Option) (*Logger, error) {
	l := &Logger{path: path, maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewWriterLogger writes entries to w, which the logger never closes or
// rotates.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w}
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file, l.out, l.size = f, f, info.Size()
	return nil
}

// rotate moves the current file aside. Caller holds mu.
func (l *Logger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing audit log: %w", err)
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotating audit log: %w", err)
	}
	return l.open()
}

// Log appends one entry, stamping it with the current time if unset.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var line bytes.Buffer
	if err := json.NewEncoder(&line).Encode(entry); err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil && l.maxSize > 0 && l.size > 0 && l.size+int64(line.Len()) > l.maxSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.out.Write(line.Bytes())
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return nil
}

// Close releases the file, if any.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.out = io.Discard
	return err
}
