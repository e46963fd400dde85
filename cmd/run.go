package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/display"
	"github.com/signalnine/terca/internal/result"
	"github.com/signalnine/terca/internal/runner"
)

// forceExitWindow is how soon a second interrupt must follow the first to
// exit without waiting for in-flight runs.
const forceExitWindow = time.Second

var errInterrupted = errors.New("interrupted")

var (
	flagTests        []string
	flagEnvironments []string
	flagExperiments  []string
	flagRepetitions  int
	flagConcurrency  int
	flagRunsDir      string
	flagNoUI         bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the suite's tests under every selected variant",
		RunE:  runSuite,
	}
	cmd.Flags().StringArrayVarP(&flagTests, "test", "t", nil, "run only this test (repeatable)")
	cmd.Flags().StringArrayVarP(&flagEnvironments, "environment", "e", nil, "run only this environment (repeatable)")
	cmd.Flags().StringArrayVarP(&flagExperiments, "experiment", "x", nil, "run only this experiment (repeatable)")
	cmd.Flags().IntVar(&flagRepetitions, "repetitions", 0, "override the suite's repetition count")
	cmd.Flags().IntVarP(&flagConcurrency, "concurrency", "j", 0, "max concurrent runs (default: suite setting, else CPU count)")
	cmd.Flags().StringVar(&flagRunsDir, "runs-dir", "", "directory for run groups (default <root>/.terca/runs)")
	cmd.Flags().BoolVar(&flagNoUI, "no-ui", false, "disable the live progress view")
	return cmd
}

func runSuite(cmd *cobra.Command, args []string) error {
	suite, err := config.Load(rootDir)
	if err != nil {
		return err
	}
	secrets, err := suite.SecretEnv()
	if err != nil {
		return err
	}
	tasks, err := runner.Plan(suite, runner.PlanOpts{
		Tests:        flagTests,
		Environments: flagEnvironments,
		Experiments:  flagExperiments,
		Repetitions:  flagRepetitions,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return errors.New("nothing to run: the suite has no tests")
	}

	runsDir := flagRunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir(suite.Root)
	}
	runDir, err := result.CreateRunDir(runsDir)
	if err != nil {
		return err
	}
	store := result.NewStore(filepath.Join(runDir, result.FileName))

	concurrency := flagConcurrency
	if concurrency <= 0 {
		concurrency = suite.Concurrency
	}
	pipeline := &runner.Pipeline{
		Suite:    suite,
		Registry: agent.DefaultRegistry(),
		RunDir:   runDir,
		Env:      secrets,
	}
	sched := &runner.Scheduler{
		Concurrency: concurrency,
		Execute:     pipeline.Execute,
		Store:       store,
	}

	ctx, stop := interruptContext(cmd.Context(), os.Exit)
	defer stop()

	states := runner.NewRunStates(tasks)
	snapshot := func() []runner.StateSnapshot { return runner.Snapshots(states) }
	header := fmt.Sprintf("=== %s ===\nsee %s", suite.Name, store.Path())
	out := cmd.OutOrStdout()

	slog.Debug("starting run", "dir", runDir, "tasks", len(tasks), "concurrency", concurrency)
	var live *display.Live
	if !flagNoUI && display.IsTerminal(out) {
		live = display.Start(out, header, snapshot, false)
	}
	runErr := sched.Run(ctx, tasks, states)
	if live != nil {
		live.Stop()
	} else {
		fmt.Fprint(out, display.Render(header, snapshot(), true))
	}
	fmt.Fprintf(out, "\n=== Terca Run Complete: %s ===\nSee %s for full results.\n", runDir, store.Path())

	if runErr != nil {
		return runErr
	}
	if errors.Is(context.Cause(ctx), errInterrupted) {
		return fmt.Errorf("run %w: %d of %d runs recorded", errInterrupted, len(store.Records()), len(tasks))
	}
	return nil
}

// interruptContext returns a context cancelled by the first SIGINT or
// SIGTERM. A second signal within forceExitWindow calls exit(130).
func interruptContext(parent context.Context, exit func(int)) (context.Context, func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancelCause(parent)
	done := make(chan struct{})
	go watchInterrupts(sigs, done, cancel, forceExitWindow, exit)
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel(nil)
	}
}

func watchInterrupts(sigs <-chan os.Signal, done <-chan struct{}, cancel context.CancelCauseFunc, window time.Duration, exit func(int)) {
	var first time.Time
	for {
		select {
		case <-sigs:
			if !first.IsZero() && time.Since(first) <= window {
				exit(130)
				return
			}
			first = time.Now()
			slog.Warn("interrupt received: finishing in-flight runs, interrupt again to exit now")
			cancel(errInterrupted)
		case <-done:
			return
		}
	}
}
