// Package runlog writes the per-run plain-text log.
package runlog

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Log is an append-only run log. Writes from concurrent subprocess output
// copiers are serialized.
type Log struct {
	mu   sync.Mutex
	w    io.Writer
	file *os.File
}

// Create opens path for writing, truncating any existing log.
func Create(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating run log: %w", err)
	}
	return &Log{w: f, file: f}, nil
}

// New wraps w; Close does not close it.
func New(w io.Writer) *Log {
	return &Log{w: w}
}

func (l *Log) Path() string {
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (l *Log) Printf(format string, args ...any) {
	fmt.Fprintf(l, format, args...)
}

// Begin opens a delimited section such as `--- Running before command: X ---`.
func (l *Log) Begin(kind, name string) {
	l.Printf("\n--- Running %s: %s ---\n", kind, name)
}

// End closes the section opened by Begin.
func (l *Log) End(kind, name string) {
	l.Printf("--- End of %s: %s ---\n", kind, name)
}

func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
