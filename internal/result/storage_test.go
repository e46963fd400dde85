package result_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/result"
	"github.com/signalnine/terca/internal/variant"
)

func TestCreateRunDir(t *testing.T) {
	base := t.TempDir()
	stamp := time.Now().Format("2006-01-02")

	first, err := result.CreateRunDir(base)
	require.NoError(t, err)
	second, err := result.CreateRunDir(base)
	require.NoError(t, err)

	assert.Equal(t, stamp+"-001", filepath.Base(first))
	assert.Equal(t, stamp+"-002", filepath.Base(second))
	assert.DirExists(t, first)

	target, err := os.Readlink(filepath.Join(base, "latest"))
	require.NoError(t, err)
	assert.Equal(t, second, target)
}

func TestCreateRunDirSkipsTakenSequences(t *testing.T) {
	base := t.TempDir()
	stamp := time.Now().Format("2006-01-02")
	require.NoError(t, os.Mkdir(filepath.Join(base, stamp+"-001"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(base, stamp+"-003"), 0o755))

	dir, err := result.CreateRunDir(base)
	require.NoError(t, err)
	assert.Equal(t, stamp+"-002", filepath.Base(dir))
}

func TestTaskDir(t *testing.T) {
	got := result.TaskDir("/runs/2026-01-02-001", "add", "claude", "baseline", 3)
	assert.Equal(t, "/runs/2026-01-02-001/add/claude.baseline.03", got)
}

func TestStoreAppendRewritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), result.FileName)
	store := result.NewStore(path)

	v := variant.Variant{Environment: "claude", Experiment: "default"}
	v.Name = "claude"
	require.NoError(t, store.Append(result.Record{
		ID: 1, Test: "add", Environment: "claude", Experiment: "default", Repetition: 1, Variant: v,
		Results: map[string]result.CheckResult{"builds": {Score: 1, Message: "ok"}},
		Stats:   &agent.Stats{Requests: 2, TimedOut: true},
	}))

	got, err := result.ReadResults(path)
	require.NoError(t, err)
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "claude", got.Runs[0].Variant.Name)
	assert.True(t, got.Runs[0].Stats.TimedOut)

	require.NoError(t, store.Append(result.Record{
		ID: 2, Test: "add", Variant: v,
		Error: &result.ErrorInfo{Message: "boom", Step: "workspace"},
	}))
	got, err = result.ReadResults(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, got.Runs, 2)
	assert.Equal(t, "boom", got.Runs[1].Error.Message)
	assert.Nil(t, got.Runs[1].Results)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"test": "add"`)
	assert.Contains(t, string(raw), `"timedOut": true`)
}

func TestStoreKeepsEmptyResults(t *testing.T) {
	path := filepath.Join(t.TempDir(), result.FileName)
	store := result.NewStore(path)
	require.NoError(t, store.Append(result.Record{
		ID: 1, Test: "nochecks",
		Results: map[string]result.CheckResult{},
		Stats:   &agent.Stats{Requests: 1},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"results": {}`)
}

func TestStoreConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), result.FileName)
	store := result.NewStore(path)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.Append(result.Record{ID: i, Test: fmt.Sprint("t", i)}))
		}()
	}
	wg.Wait()

	got, err := result.ReadResults(path)
	require.NoError(t, err)
	assert.Len(t, got.Runs, 20)
	assert.Len(t, store.Records(), 20)
}

func TestPassed(t *testing.T) {
	tests := []struct {
		name    string
		rec     result.Record
		want    bool
		failing []string
	}{
		{"no checks", result.Record{}, true, nil},
		{"all pass", result.Record{Results: map[string]result.CheckResult{"a": {Score: 1}, "b": {Score: 0.5}}}, true, nil},
		{"one fails", result.Record{Results: map[string]result.CheckResult{"b": {Score: 0}, "a": {Score: 1}, "c": {Score: 0}}}, false, []string{"b", "c"}},
		{"errored", result.Record{Error: &result.ErrorInfo{Message: "x"}}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Passed())
			assert.Equal(t, tt.failing, result.FailedChecks(tt.rec.Results))
		})
	}
}
