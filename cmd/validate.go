package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/result"
	"github.com/signalnine/terca/internal/runlog"
	"github.com/signalnine/terca/internal/validation"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <run-dir>",
		Short: "Re-score an existing run",
		Long:  "Re-run each test's current checks against the workspaces kept in a run directory and rewrite its results.json. Runs that ended in an error are kept as they are.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := config.Load(rootDir)
			if err != nil {
				return err
			}
			secrets, err := suite.SecretEnv()
			if err != nil {
				return err
			}
			runDir, err := filepath.EvalSymlinks(args[0])
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			res, err := result.ReadResults(runDir)
			if err != nil {
				return err
			}
			return rescore(cmd.Context(), suite, runDir, res.Runs, secrets, cmd.OutOrStdout())
		},
	}
}

func rescore(ctx context.Context, suite *config.Suite, runDir string, records []result.Record, environ []string, out io.Writer) error {
	tests := make(map[string]*config.TestCase, len(suite.Tests))
	for i := range suite.Tests {
		tests[suite.Tests[i].Name] = &suite.Tests[i]
	}

	store := result.NewStore(filepath.Join(runDir, result.FileName))
	var rescored int
	for _, rec := range records {
		tc, ok := tests[rec.Test]
		if rec.Error == nil && ok {
			dir := result.TaskDir(runDir, rec.Test, rec.Environment, rec.Experiment, rec.Repetition)
			results, err := evaluateAgain(ctx, dir, tc.Checks, environ)
			if err != nil {
				slog.Warn("re-scoring run", "id", rec.ID, "test", rec.Test, "err", err)
			} else {
				rec.Results = results
				rescored++
			}
		} else if !ok {
			slog.Warn("test no longer in suite, keeping old results", "id", rec.ID, "test", rec.Test)
		}
		if err := store.Append(rec); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "Re-scored %d of %d runs in %s\n", rescored, len(records), store.Path())
	return nil
}

func evaluateAgain(ctx context.Context, dir string, checks []config.Check, environ []string) (map[string]result.CheckResult, error) {
	log, err := runlog.Create(filepath.Join(dir, "validate.log"))
	if err != nil {
		return nil, err
	}
	defer log.Close()
	return validation.Evaluate(ctx, &validation.Env{
		WorkspaceDir: filepath.Join(dir, "workspace"),
		Log:          log,
		Environ:      environ,
	}, checks)
}
