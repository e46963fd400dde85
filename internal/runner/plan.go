package runner

import (
	"fmt"
	"slices"

	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/variant"
)

// Task is one scheduled run: a test case under a variant at a repetition.
type Task struct {
	ID         int
	Test       *config.TestCase
	Variant    variant.Variant
	Repetition int
	Name       string
}

// PlanOpts restricts and overrides what Plan produces. Empty selections
// keep everything.
type PlanOpts struct {
	Tests        []string
	Environments []string
	Experiments  []string
	// Repetitions overrides the suite's repetition count when positive.
	Repetitions int
}

// Plan builds the ordered task list: tests, then variants, then
// repetitions, with ids assigned from 1 after filtering.
func Plan(suite *config.Suite, opts PlanOpts) ([]Task, error) {
	for _, name := range opts.Tests {
		if !slices.ContainsFunc(suite.Tests, func(tc config.TestCase) bool { return tc.Name == name }) {
			return nil, fmt.Errorf("unknown test %q", name)
		}
	}
	all, err := variant.Expand(suite)
	if err != nil {
		return nil, fmt.Errorf("expanding variants: %w", err)
	}
	variants := variant.Select(all, opts.Environments, opts.Experiments)
	if len(variants) == 0 {
		return nil, fmt.Errorf("no variants match environments %v and experiments %v", opts.Environments, opts.Experiments)
	}

	suiteReps := opts.Repetitions
	if suiteReps <= 0 {
		suiteReps = max(suite.Repetitions, 1)
	}

	var tasks []Task
	for i := range suite.Tests {
		tc := &suite.Tests[i]
		if len(opts.Tests) > 0 && !slices.Contains(opts.Tests, tc.Name) {
			continue
		}
		reps := suiteReps * max(tc.Repetitions, 1)
		for _, v := range variants {
			for rep := 1; rep <= reps; rep++ {
				tasks = append(tasks, Task{
					ID:         len(tasks) + 1,
					Test:       tc,
					Variant:    v,
					Repetition: rep,
					Name:       fmt.Sprintf("%s (%s.%s rep %d)", tc.Name, v.Environment, v.Experiment, rep),
				})
			}
		}
	}
	return tasks, nil
}
