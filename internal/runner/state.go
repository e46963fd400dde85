package runner

import (
	"sync"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/result"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// RunState is the live display state of one task. Only the worker running
// the task writes it; renderers read it through Snapshot.
type RunState struct {
	mu      sync.Mutex
	task    *Task
	status  Status
	message string
	logFile string
	results map[string]result.CheckResult
	stats   *agent.Stats
	err     error
}

// StateSnapshot is a point-in-time copy of a RunState.
type StateSnapshot struct {
	ID      int
	Name    string
	Status  Status
	Message string
	LogFile string
	Results map[string]result.CheckResult
	Stats   *agent.Stats
	Err     error
}

func (s StateSnapshot) Passed() bool {
	return s.Status == StatusComplete && result.Passed(s.Results)
}

func (s StateSnapshot) FailedChecks() []string {
	return result.FailedChecks(s.Results)
}

// NewRunStates returns one pending state per task, in task order.
func NewRunStates(tasks []Task) []*RunState {
	states := make([]*RunState, len(tasks))
	for i := range tasks {
		states[i] = &RunState{task: &tasks[i], status: StatusPending}
	}
	return states
}

// SetMessage updates the progress message; the first update marks the run
// as running.
func (s *RunState) SetMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPending {
		s.status = StatusRunning
	}
	s.message = msg
}

func (s *RunState) SetLogFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logFile = path
}

// Complete moves the state to complete. Terminal states are never left.
func (s *RunState) Complete(results map[string]result.CheckResult, stats *agent.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = StatusComplete
	s.message = ""
	s.results = results
	s.stats = stats
}

// Fail moves the state to error.
func (s *RunState) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.status = StatusError
	s.err = err
}

func (s *RunState) terminal() bool {
	return s.status == StatusComplete || s.status == StatusError
}

func (s *RunState) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StateSnapshot{
		Status:  s.status,
		Message: s.message,
		LogFile: s.logFile,
		Results: s.results,
		Stats:   s.stats,
		Err:     s.err,
	}
	if s.task != nil {
		snap.ID, snap.Name = s.task.ID, s.task.Name
	}
	return snap
}

// Snapshots copies every state, for renderers.
func Snapshots(states []*RunState) []StateSnapshot {
	out := make([]StateSnapshot, len(states))
	for i, s := range states {
		out[i] = s.Snapshot()
	}
	return out
}
