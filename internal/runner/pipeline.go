package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/signalnine/terca/internal/actions"
	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/gitops"
	"github.com/signalnine/terca/internal/result"
	"github.com/signalnine/terca/internal/runlog"
	"github.com/signalnine/terca/internal/validation"
	"github.com/signalnine/terca/internal/workspace"
)

// Pipeline steps, as reported in StepError.
const (
	StepPrepare   = "prepare"
	StepWorkspace = "workspace"
	StepBefore    = "before"
	StepAgent     = "agent"
	StepEvaluate  = "evaluate"
)

// StepError names the pipeline step a run failed in.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Outcome is what a successfully executed task produced.
type Outcome struct {
	Results map[string]result.CheckResult
	Stats   *agent.Stats
}

// Pipeline executes one task end to end inside RunDir.
type Pipeline struct {
	Suite    *config.Suite
	Registry *agent.Registry
	RunDir   string
	// Env is added to the environment of every process a run starts.
	Env []string
	// AbandonGrace defaults to DefaultAbandonGrace.
	AbandonGrace time.Duration
	Logger       *slog.Logger
}

// Execute runs the task's steps in order: prepare the run directory, build
// the workspace, run before actions and the variant command, invoke the
// agent and evaluate the checks. Only the agent invocation observes ctx
// cancellation; the other steps always run to completion once started.
func (p *Pipeline) Execute(ctx context.Context, t *Task, state *RunState) (*Outcome, error) {
	dir := result.TaskDir(p.RunDir, t.Test.Name, t.Variant.Environment, t.Variant.Experiment, t.Repetition)
	artifactsDir := filepath.Join(dir, "artifacts")
	wsDir := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, &StepError{StepPrepare, fmt.Errorf("creating run dir: %w", err)}
	}
	log, err := runlog.Create(filepath.Join(dir, "run.log"))
	if err != nil {
		return nil, &StepError{StepPrepare, err}
	}
	defer log.Close()
	state.SetLogFile(log.Path())

	// Steps other than the agent are short and leave the workspace
	// consistent, so they are not interrupted.
	steady := context.WithoutCancel(ctx)

	state.SetMessage("preparing workspace")
	source := t.Test.WorkspaceDir
	if source == "" {
		source = p.Suite.WorkspaceDir
	}
	if err := workspace.Build(steady, workspace.Layout{Dir: wsDir, Source: source, Layers: p.layers(t.Test)}); err != nil {
		return nil, &StepError{StepWorkspace, err}
	}

	env := &actions.Env{WorkspaceDir: wsDir, Log: log, Environ: p.Env, Status: state.SetMessage}
	before := slices.Concat(p.Suite.Before, t.Variant.Before, t.Test.Before)
	if err := actions.Run(steady, env, before); err != nil {
		return nil, &StepError{StepBefore, err}
	}

	if cmd := t.Variant.Command; cmd != "" {
		state.SetMessage("running variant command")
		log.Begin("variant command", cmd)
		if code, err := actions.Exec(steady, wsDir, cmd, log, log, p.Env); err != nil {
			log.Printf("%v\n", err)
		} else if code != 0 {
			log.Printf("(exit code %d)\n", code)
		}
		log.End("variant command", cmd)
	}

	stats, err := p.invoke(ctx, t, log, state, wsDir, artifactsDir)
	if err != nil {
		return nil, &StepError{StepAgent, err}
	}

	state.SetMessage("evaluating")
	results, err := validation.Evaluate(steady, &validation.Env{WorkspaceDir: wsDir, Log: log, Environ: p.Env}, t.Test.Checks)
	if err != nil {
		return nil, &StepError{StepEvaluate, err}
	}

	if gitops.IsRepo(wsDir) {
		if diff, err := gitops.CaptureChanges(steady, wsDir); err != nil {
			p.logger().Warn("capturing workspace changes", "task", t.Name, "err", err)
		} else if err := os.WriteFile(filepath.Join(artifactsDir, "diff.patch"), diff, 0o644); err != nil {
			p.logger().Warn("writing diff.patch", "task", t.Name, "err", err)
		}
	}
	return &Outcome{Results: results, Stats: stats}, nil
}

func (p *Pipeline) invoke(ctx context.Context, t *Task, log *runlog.Log, state *RunState, wsDir, artifactsDir string) (*agent.Stats, error) {
	name := t.Variant.Agent
	adapter, ok := p.Registry.Lookup(name)
	if !ok {
		log.Printf("\nNo agent adapter registered for %q, skipping agent invocation.\n", name)
		return nil, nil
	}

	prompt := BuildPrompt(p.Suite.Preamble, t.Variant.Preamble, t.Test.Prompt, t.Variant.Postamble, p.Suite.Postamble)
	state.SetMessage("agent: starting " + name)
	log.Begin("agent", name)
	defer log.End("agent", name)

	grace := p.AbandonGrace
	if grace <= 0 {
		grace = DefaultAbandonGrace
	}
	opts := &agent.Options{
		WorkspaceDir: wsDir,
		ArtifactsDir: artifactsDir,
		Prompt:       prompt,
		RulesFile:    t.Variant.Rules,
		MCPServers:   t.Variant.MCPServers,
		Config:       t.Variant.Config,
		Env:          p.Env,
		Log:          log,
	}
	return invokeAgent(ctx, adapter, opts, ResolveTimeout(p.Suite, t.Test), grace, log, state)
}

// layers returns the project-level then test-level base directories.
func (p *Pipeline) layers(tc *config.TestCase) []string {
	layers := []string{filepath.Join(p.Suite.Root, config.BaseDirName)}
	if tc.Dir != "" && tc.Dir != p.Suite.Root {
		layers = append(layers, filepath.Join(tc.Dir, config.BaseDirName))
	}
	return layers
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
