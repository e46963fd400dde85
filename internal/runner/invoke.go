package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/runlog"
)

// DefaultTimeout applies when neither the test nor the suite sets one.
const DefaultTimeout = 300 * time.Second

// DefaultAbandonGrace is how long an adapter may keep running after its
// context ends before the run stops waiting for it.
const DefaultAbandonGrace = 30 * time.Second

// ResolveTimeout picks the test's timeout, then the suite's, then the default.
func ResolveTimeout(suite *config.Suite, tc *config.TestCase) time.Duration {
	switch {
	case tc.TimeoutSeconds > 0:
		return time.Duration(tc.TimeoutSeconds) * time.Second
	case suite.TimeoutSeconds > 0:
		return time.Duration(suite.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// BuildPrompt joins the non-empty parts with blank lines.
func BuildPrompt(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

type progressItem struct {
	p   agent.Progress
	err error
}

// invokeAgent drains the adapter's progress sequence into the run log under
// a timeout layered on ctx. On timeout the returned stats are marked timed
// out and adapter errors caused by the abort are dropped. An adapter that
// ignores cancellation is abandoned after grace.
func invokeAgent(ctx context.Context, a agent.Adapter, opts *agent.Options, timeout, grace time.Duration, log *runlog.Log, state *RunState) (*agent.Stats, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeoutCause(ctx, timeout, agent.ErrTimeout)
	defer cancel()

	items := make(chan progressItem)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(items)
		defer func() {
			if r := recover(); r != nil {
				err := &PanicError{Value: r, Stack: string(debug.Stack())}
				select {
				case items <- progressItem{err: err}:
				case <-done:
				}
			}
		}()
		for p, err := range a.Run(runCtx, opts) {
			select {
			case items <- progressItem{p: p, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		stats    *agent.Stats
		runErr   error
		cause    error // set if runCtx ended while the adapter was still working
		finished bool
		ctxDone  = runCtx.Done()
		abandon  <-chan time.Time
	)
loop:
	for {
		select {
		case it, ok := <-items:
			if !ok {
				break loop
			}
			if it.err != nil {
				runErr = it.err
				if !finished && runCtx.Err() != nil {
					cause = context.Cause(runCtx)
				}
				break loop
			}
			if it.p.Output != "" {
				log.Write([]byte(it.p.Output))
				if line := lastLine(it.p.Output); line != "" {
					state.SetMessage("agent: " + line)
				}
			}
			if it.p.Stats != nil {
				stats = it.p.Stats
			}
			if it.p.Done {
				finished = true
				if it.p.ExitCode != nil {
					log.Printf("\n(agent exited with code %d)\n", *it.p.ExitCode)
				}
			}
		case <-ctxDone:
			ctxDone = nil
			// A deadline after the final progress item is not a timeout.
			if !finished {
				cause = context.Cause(runCtx)
			}
			abandon = time.After(grace)
		case <-abandon:
			if finished {
				break loop
			}
			log.Printf("\nagent did not stop within %s of cancellation, abandoning it\n", grace)
			runErr = fmt.Errorf("adapter did not stop: %w", context.Cause(runCtx))
			break loop
		}
	}
	if !errors.Is(cause, agent.ErrTimeout) {
		return stats, runErr
	}
	log.Printf("\n--- Agent timed out after %s ---\n", timeout)
	s := agent.Stats{DurationSeconds: time.Since(start).Seconds()}
	if stats != nil {
		s = *stats
	}
	s.TimedOut = true
	return &s, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	line := strings.TrimSpace(lines[len(lines)-1])
	if len(line) > 120 {
		line = line[:117] + "..."
	}
	return line
}
