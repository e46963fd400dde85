package validation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/signalnine/terca/internal/actions"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/result"
)

// TestPassRate runs a test command and scores the fraction of tests that
// passed: 1 on a clean exit, otherwise the rate parsed from JUnit XML or a
// "N passed, M failed" summary line in its output.
func TestPassRate(ctx context.Context, env *Env, c config.Check) (result.CheckResult, error) {
	env.Log.Begin("evaluation command", c.Command)
	var out bytes.Buffer
	w := io.MultiWriter(&out, env.Log)
	code, err := actions.Exec(ctx, env.WorkspaceDir, c.Command, w, w, env.Environ)
	if err != nil {
		return result.CheckResult{}, err
	}
	env.Log.Printf("--- End of evaluation command: %s (Exit code: %d) ---\n", c.Command, code)

	score := ParseTestResults(out.String(), code)
	return result.CheckResult{
		Score:   score,
		Message: fmt.Sprintf("Command '%s' exited with code %d, pass rate %.2f.\n\nOUTPUT:\n%s", c.Command, code, score, out.String()),
	}, nil
}

// ParseTestResults interprets test output and exit code into a score.
func ParseTestResults(output string, exitCode int) float64 {
	if exitCode == 0 {
		return 1.0
	}
	return parsePassRate(output)
}

func parsePassRate(output string) float64 {
	if strings.Contains(output, "<testsuite") {
		return parseJUnitXML(output)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.Trim(strings.TrimSpace(line), "= ")
		var passed, failed int
		if n, _ := fmt.Sscanf(line, "%d passed", &passed); n == 1 {
			fmt.Sscanf(line, "%d passed, %d failed", &passed, &failed)
			total := passed + failed
			if total > 0 {
				return float64(passed) / float64(total)
			}
		}
	}
	return 0.0
}

func parseJUnitXML(output string) float64 {
	var tests, failures, errors int
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "<testsuite") {
			continue
		}
		fmt.Sscanf(extractAttr(line, "tests"), "%d", &tests)
		fmt.Sscanf(extractAttr(line, "failures"), "%d", &failures)
		fmt.Sscanf(extractAttr(line, "errors"), "%d", &errors)
		if tests > 0 {
			passed := max(tests-failures-errors, 0)
			return float64(passed) / float64(tests)
		}
	}
	return 0.0
}

func extractAttr(line, attr string) string {
	key := " " + attr + `="`
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}
	start := idx + len(key)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
