// Package validation scores a finished workspace against a test's checks.
package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/signalnine/terca/internal/actions"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/result"
	"github.com/signalnine/terca/internal/runlog"
	"github.com/signalnine/terca/internal/workspace"
)

// Env is what a check sees while it runs.
type Env struct {
	WorkspaceDir string
	Log          *runlog.Log
	Environ      []string
}

type checkFunc func(ctx context.Context, env *Env, c config.Check) (result.CheckResult, error)

var checks = map[config.CheckKind]checkFunc{
	config.CheckCommandSuccess: CommandSuccess,
	config.CheckFileExists:     FileExists,
	config.CheckTestPassRate:   TestPassRate,
}

// Evaluate runs checks in order and returns their results keyed by check
// name; a later check overwrites an earlier one with the same name. A check
// that fails to score is an error, while a check that scores zero is not.
func Evaluate(ctx context.Context, env *Env, list []config.Check) (map[string]result.CheckResult, error) {
	results := make(map[string]result.CheckResult, len(list))
	for _, c := range list {
		fn, ok := checks[c.Kind]
		if !ok {
			return results, fmt.Errorf("check %q: unknown kind %q", c.Name, c.Kind)
		}
		r, err := fn(ctx, env, c)
		if err != nil {
			return results, fmt.Errorf("check %q: %w", c.Name, err)
		}
		results[c.Name] = r
	}
	return results, nil
}

// CommandSuccess scores 1 when the command exits 0 and, if OutputContains
// is set, its stdout contains that text.
func CommandSuccess(ctx context.Context, env *Env, c config.Check) (result.CheckResult, error) {
	env.Log.Begin("evaluation command", c.Command)
	var stdout, stderr bytes.Buffer
	code, err := actions.Exec(ctx, env.WorkspaceDir, c.Command,
		io.MultiWriter(&stdout, env.Log), io.MultiWriter(&stderr, env.Log), env.Environ)
	if err != nil {
		return result.CheckResult{}, err
	}
	env.Log.Printf("--- End of evaluation command: %s (Exit code: %d) ---\n", c.Command, code)

	output := fmt.Sprintf("\n\nSTDOUT:\n%s\n\nSTDERR:\n%s", stdout.String(), stderr.String())
	switch {
	case code != 0:
		return result.CheckResult{Score: 0, Message: fmt.Sprintf("Command '%s' exited with code %d.%s", c.Command, code, output)}, nil
	case c.OutputContains == "":
		return result.CheckResult{Score: 1, Message: fmt.Sprintf("Command '%s' was successful.%s", c.Command, output)}, nil
	case strings.Contains(stdout.String(), c.OutputContains):
		return result.CheckResult{Score: 1, Message: fmt.Sprintf("Command '%s' contained output %s.%s", c.Command, strconv.Quote(c.OutputContains), output)}, nil
	default:
		return result.CheckResult{Score: 0, Message: fmt.Sprintf("Command '%s' output did not contain %s.%s", c.Command, strconv.Quote(c.OutputContains), output)}, nil
	}
}

// FileExists scores 1 when every path exists relative to the workspace and
// otherwise names the first missing one.
func FileExists(_ context.Context, env *Env, c config.Check) (result.CheckResult, error) {
	res := result.CheckResult{Score: 1, Message: "All files exist: " + strings.Join(c.Paths, ", ")}
	for _, p := range c.Paths {
		full, err := workspace.Resolve(env.WorkspaceDir, p)
		if err != nil {
			return result.CheckResult{}, err
		}
		_, err = os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			res = result.CheckResult{Score: 0, Message: "File not found: " + p}
			break
		}
		if err != nil {
			return result.CheckResult{}, err
		}
	}
	env.Log.Printf("\n--- Evaluation fileExists: %s (Result: %g) ---\n", strings.Join(c.Paths, ", "), res.Score)
	return res, nil
}
