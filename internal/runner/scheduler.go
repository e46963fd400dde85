package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/signalnine/terca/internal/result"
)

// PanicError is a panic recovered from a task or an adapter.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Executor runs one task. Pipeline.Execute is the production executor.
type Executor func(ctx context.Context, t *Task, state *RunState) (*Outcome, error)

// Scheduler runs tasks on a fixed set of workers pulling from one FIFO
// queue, persisting a record after every task.
type Scheduler struct {
	// Concurrency defaults to the number of CPUs.
	Concurrency int
	Execute     Executor
	Store       *result.Store
	Logger      *slog.Logger
}

type taskQueue struct {
	mu    sync.Mutex
	items []int
}

func (q *taskQueue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0, false
	}
	i := q.items[0]
	q.items = q.items[1:]
	return i, true
}

func (q *taskQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

// Run blocks until every task has run or, after ctx is cancelled, until
// the tasks already started have finished. Tasks still queued at
// cancellation never start. states must be parallel to tasks.
func (s *Scheduler) Run(ctx context.Context, tasks []Task, states []*RunState) error {
	if len(states) != len(tasks) {
		return fmt.Errorf("got %d states for %d tasks", len(states), len(tasks))
	}
	if len(tasks) == 0 {
		return nil
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &taskQueue{items: make([]int, len(tasks))}
	for i := range tasks {
		q.items[i] = i
	}
	stop := context.AfterFunc(ctx, func() {
		if n := q.clear(); n > 0 {
			logger.Info("cancelled, dropping queued runs", "count", n)
		}
	})
	defer stop()

	workers := s.Concurrency
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	workers = min(workers, len(tasks))

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for ctx.Err() == nil {
				i, ok := q.pop()
				if !ok {
					return nil
				}
				s.runTask(ctx, &tasks[i], states[i], logger)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runTask(ctx context.Context, t *Task, state *RunState, logger *slog.Logger) {
	rec := result.Record{
		ID:          t.ID,
		Test:        t.Test.Name,
		Environment: t.Variant.Environment,
		Experiment:  t.Variant.Experiment,
		Repetition:  t.Repetition,
		Variant:     t.Variant,
	}

	out, err := s.safeExecute(ctx, t, state)
	if err != nil {
		rec.Error = errorInfo(err)
		state.Fail(err)
		logger.Error("run failed", "task", t.Name, "err", err)
	} else {
		if out.Results == nil {
			out.Results = map[string]result.CheckResult{}
		}
		rec.Results, rec.Stats = out.Results, out.Stats
		state.Complete(out.Results, out.Stats)
		logger.Debug("run complete", "task", t.Name, "passed", rec.Passed())
	}

	if s.Store == nil {
		return
	}
	if err := s.Store.Append(rec); err != nil {
		logger.Error("writing results", "path", s.Store.Path(), "err", err)
	}
}

func (s *Scheduler) safeExecute(ctx context.Context, t *Task, state *RunState) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	out, err = s.Execute(ctx, t, state)
	if err == nil && out == nil {
		out = &Outcome{}
	}
	return out, err
}

func errorInfo(err error) *result.ErrorInfo {
	info := &result.ErrorInfo{Message: err.Error()}
	var se *StepError
	if errors.As(err, &se) {
		info.Step = se.Step
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		info.Stack = pe.Stack
	}
	return info
}
