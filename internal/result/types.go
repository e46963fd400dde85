package result

import (
	"sort"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/variant"
)

// CheckResult is the outcome of one evaluation check.
type CheckResult struct {
	Score   float64 `json:"score"`
	Message string  `json:"message"`
}

// Record is the persisted outcome of one run task. Exactly one of
// Results/Stats or Error describes how it ended.
type Record struct {
	ID          int                    `json:"id"`
	Test        string                 `json:"test"`
	Environment string                 `json:"environment"`
	Experiment  string                 `json:"experiment"`
	Repetition  int                    `json:"repetition"`
	Variant     variant.Variant        `json:"variant"`
	Results     map[string]CheckResult `json:"results"`
	Stats       *agent.Stats           `json:"stats,omitempty"`
	Error       *ErrorInfo             `json:"error,omitempty"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Passed reports whether the run completed and every check scored above zero.
func (r *Record) Passed() bool {
	if r.Error != nil {
		return false
	}
	return Passed(r.Results)
}

// Passed reports whether every check result scored above zero.
func Passed(results map[string]CheckResult) bool {
	for _, cr := range results {
		if cr.Score <= 0 {
			return false
		}
	}
	return true
}

// FailedChecks returns the names of checks that scored zero, sorted.
func FailedChecks(results map[string]CheckResult) []string {
	var names []string
	for name, cr := range results {
		if cr.Score <= 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Results is the on-disk shape of results.json.
type Results struct {
	Runs []Record `json:"runs"`
}
