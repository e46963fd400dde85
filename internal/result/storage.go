package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the results artifact written at the root of a run directory.
const FileName = "results.json"

// maxRunsPerDay bounds the sequence search in CreateRunDir.
const maxRunsPerDay = 1000

// CreateRunDir allocates <baseDir>/<YYYY-MM-DD>-<NNN> using the first free
// sequence number for today and points <baseDir>/latest at it.
func CreateRunDir(baseDir string) (string, error) {
	return createRunDir(baseDir, time.Now())
}

func createRunDir(baseDir string, now time.Time) (string, error) {
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving runs dir: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating runs dir: %w", err)
	}
	stamp := now.Format("2006-01-02")
	for seq := 1; seq < maxRunsPerDay; seq++ {
		runDir := filepath.Join(baseDir, fmt.Sprintf("%s-%03d", stamp, seq))
		// Mkdir fails on an existing directory, so concurrent invocations
		// never share a run directory.
		err := os.Mkdir(runDir, 0o755)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating run dir: %w", err)
		}
		latest := filepath.Join(baseDir, "latest")
		os.Remove(latest)
		if err := os.Symlink(runDir, latest); err != nil {
			return "", fmt.Errorf("creating latest symlink: %w", err)
		}
		return runDir, nil
	}
	return "", fmt.Errorf("no free run directory for %s under %s", stamp, baseDir)
}

// TaskDir returns the per-task directory inside a run directory.
func TaskDir(runDir, test, environment, experiment string, repetition int) string {
	return filepath.Join(runDir, test, fmt.Sprintf("%s.%s.%02d", environment, experiment, repetition))
}

// Store accumulates records in memory and rewrites the results file after
// every append. It is safe for concurrent use.
type Store struct {
	path string

	mu      sync.Mutex
	records []Record
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Append adds rec and persists the full record list. The record is kept in
// memory even if the write fails.
func (s *Store) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return writeResults(s.path, &Results{Runs: s.records})
}

// Records returns a copy of the records appended so far.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// writeResults replaces path via a temp file so readers never observe a
// truncated document.
func writeResults(path string, res *Results) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".results-*.json")
	if err != nil {
		return fmt.Errorf("creating temp results file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing results file: %w", err)
	}
	return nil
}

// ReadResults loads a results file. Path may be a run directory.
func ReadResults(path string) (*Results, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading results: %w", err)
	}
	var res Results
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing results: %w", err)
	}
	return &res, nil
}
