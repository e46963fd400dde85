// Package actions runs pre-run actions against a workspace.
package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/runlog"
	"github.com/signalnine/terca/internal/workspace"
)

// Env is what an action sees while it runs.
type Env struct {
	WorkspaceDir string
	Log          *runlog.Log
	// Environ is appended to the process environment of shell commands.
	Environ []string
	// Status, if set, receives a short description of the current action.
	Status func(msg string)
}

func (e *Env) status(msg string) {
	if e.Status != nil {
		e.Status(msg)
	}
}

type handler func(ctx context.Context, env *Env, a config.Action) error

var handlers = map[config.ActionKind]handler{
	config.ActionCommand: runCommand,
	config.ActionCopy:    runCopy,
	config.ActionFiles:   runFiles,
}

// Run executes actions in order and stops at the first failure.
func Run(ctx context.Context, env *Env, list []config.Action) error {
	for i, a := range list {
		h, ok := handlers[a.Kind]
		if !ok {
			return fmt.Errorf("action %d: unknown kind %q", i+1, a.Kind)
		}
		if err := h(ctx, env, a); err != nil {
			return fmt.Errorf("%s action %q: %w", a.Kind, a.String(), err)
		}
	}
	return nil
}

// runCommand logs the command's output; its exit code is informational.
func runCommand(ctx context.Context, env *Env, a config.Action) error {
	env.status("before: running " + a.Command)
	env.Log.Begin("before command", a.Command)
	code, err := Exec(ctx, env.WorkspaceDir, a.Command, env.Log, env.Log, env.Environ)
	if err != nil {
		return err
	}
	if code != 0 {
		env.Log.Printf("(exit code %d)\n", code)
	}
	env.Log.End("before command", a.Command)
	return nil
}

func runCopy(_ context.Context, env *Env, a config.Action) error {
	env.status("before: copying files")
	for _, m := range a.Copy {
		dst, err := workspace.Resolve(env.WorkspaceDir, m.To)
		if err != nil {
			return err
		}
		env.Log.Printf("\n--- Before: copying %s to %s ---\n", m.From, m.To)
		if err := workspace.CopyPath(m.From, dst); err != nil {
			return fmt.Errorf("copying %s: %w", m.From, err)
		}
	}
	return nil
}

func runFiles(_ context.Context, env *Env, a config.Action) error {
	env.status("before: writing files")
	names := make([]string, len(a.Files))
	for i, f := range a.Files {
		names[i] = f.Path
	}
	env.Log.Printf("\n--- Before: writing files: %s ---\n", strings.Join(names, ", "))
	for _, f := range a.Files {
		dst, err := workspace.Resolve(env.WorkspaceDir, f.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// waitDelay bounds how long Wait blocks on output pipes held by orphaned
// grandchildren once the shell has exited.
const waitDelay = 10 * time.Second

// Exec runs command through sh -c in dir. A non-zero exit is reported
// through the exit code; err is set only when the command could not run.
func Exec(ctx context.Context, dir, command string, stdout, stderr io.Writer, environ []string) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = append(os.Environ(), environ...)
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("running %q: %w", command, err)
}
