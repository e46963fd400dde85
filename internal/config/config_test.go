package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/terca/internal/config"
)

func TestLoadSuite(t *testing.T) {
	suite, err := config.Load("testdata/suite")
	require.NoError(t, err)

	root, _ := filepath.Abs("testdata/suite")
	assert.Equal(t, root, suite.Root)
	assert.Equal(t, "sample", suite.Name)
	assert.Equal(t, 2, suite.Repetitions)
	assert.Equal(t, 3, suite.Concurrency)
	assert.Equal(t, 120, suite.TimeoutSeconds)
	assert.Equal(t, filepath.Join(root, "secrets.env"), suite.Secrets.EnvFile)

	require.Len(t, suite.Before, 2)
	assert.Equal(t, config.ActionCommand, suite.Before[0].Kind)
	assert.Equal(t, "git init -q", suite.Before[0].Command)
	assert.Equal(t, config.ActionFiles, suite.Before[1].Kind)
	assert.Equal(t, []config.File{{Path: "NOTES.md", Content: "# notes"}}, suite.Before[1].Files)

	require.Len(t, suite.Environments, 2)
	claude := suite.Environments[0]
	assert.Equal(t, "claude-code", claude.Agent)
	assert.Equal(t, filepath.Join(root, "rules/claude.md"), claude.Rules)
	assert.Equal(t, "http://localhost:9000/mcp", claude.MCPServers["search"].URL)

	require.Len(t, suite.Experiments, 2)
	strict := suite.Experiments[1]
	require.Len(t, strict.Before, 1)
	assert.Equal(t, filepath.Join(root, "fixtures/strict"), strict.Before[0].Copy[0].From)
	assert.Equal(t, ".config", strict.Before[0].Copy[0].To)

	// Inline test first, then discovered ones; node_modules and dot-dirs are skipped.
	require.Len(t, suite.Tests, 2)
	inline := suite.Tests[0]
	assert.Equal(t, "inline", inline.Name)
	assert.Empty(t, inline.Dir)
	require.Len(t, inline.Checks, 1)
	assert.Equal(t, config.CheckCommandSuccess, inline.Checks[0].Kind)
	assert.Equal(t, "cat hello.txt", inline.Checks[0].Command)
	assert.Equal(t, "hello", inline.Checks[0].OutputContains)

	add := suite.Tests[1]
	assert.Equal(t, "add", add.Name)
	assert.Equal(t, filepath.Join(root, "tests/add"), add.Dir)
	assert.Equal(t, 3, add.Repetitions)
	assert.Equal(t, 60, add.TimeoutSeconds)
	require.Len(t, add.Before, 1)
	assert.Equal(t, filepath.Join(root, "tests/add/fixtures/extra"), add.Before[0].Copy[0].From)
	require.Len(t, add.Checks, 3)
	assert.Equal(t, "go build ./...", add.Checks[0].Command)
	assert.Equal(t, []string{"add.go", "add_test.go"}, add.Checks[1].Paths)
	assert.Equal(t, []string{"README.md"}, add.Checks[2].Paths)
}

func TestLoadWithoutSuiteFile(t *testing.T) {
	dir := t.TempDir()
	testDir := filepath.Join(dir, "only")
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(testDir, config.TestFileName), []byte("prompt: hi\n"), 0o644))

	suite, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), suite.Name)
	require.Len(t, suite.Tests, 1)
	assert.Equal(t, "only", suite.Tests[0].Name)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		want string
	}{
		{"action with two kinds", "testdata/bad-action", "exactly one of"},
		{"duplicate test names", "testdata/dup", "duplicate name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(tt.dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadRejectsInvalidSuites(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing prompt", "tests:\n  - name: t\n", "prompt is required"},
		{"negative repetitions", "repetitions: -1\n", "repetitions must not be negative"},
		{"duplicate environment", "environments:\n  - name: a\n  - name: a\n", `environment "a": duplicate name`},
		{"matrix with experiments", "matrix:\n  - agent: x\nexperiments:\n  - name: e\n", "matrix cannot be combined"},
		{"unknown check", "tests:\n  - name: t\n    prompt: p\n    checks:\n      - name: c\n        grep: x\n", `unknown check "grep"`},
		{"empty command check", "tests:\n  - name: t\n    prompt: p\n    checks:\n      - name: c\n        commandSuccess: {outputContains: x}\n", "needs a command"},
		{"absolute fileExists path", "tests:\n  - name: t\n    prompt: p\n    checks:\n      - name: c\n        fileExists: [/etc/passwd]\n", `fileExists path "/etc/passwd" must be relative`},
		{"escaping fileExists path", "tests:\n  - name: t\n    prompt: p\n    checks:\n      - name: c\n        fileExists: [ok.txt, ../up.txt]\n", `fileExists path "../up.txt" must be relative`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, config.SuiteFileName), []byte(tt.yaml), 0o644))
			_, err := config.Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadAllowsDuplicateCheckNames(t *testing.T) {
	dir := t.TempDir()
	src := `tests:
  - name: dup
    prompt: p
    checks:
      - name: ok
        commandSuccess: "true"
      - name: ok
        fileExists: [out.txt]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.SuiteFileName), []byte(src), 0o644))

	suite, err := config.Load(dir)
	require.NoError(t, err)
	require.Len(t, suite.Tests, 1)
	checks := suite.Tests[0].Checks
	require.Len(t, checks, 2)
	assert.Equal(t, "ok", checks[0].Name)
	assert.Equal(t, "ok", checks[1].Name)
	assert.Equal(t, config.CheckFileExists, checks[1].Kind)
}

func TestActionDecoding(t *testing.T) {
	var actions []config.Action
	src := `
- command: make setup
- copy:
    - from: src
      to: dst
- files:
    - path: a/b.txt
      content: hi
`
	require.NoError(t, yaml.Unmarshal([]byte(src), &actions))
	require.Len(t, actions, 3)
	assert.Equal(t, "make setup", actions[0].String())
	assert.Equal(t, "src -> dst", actions[1].String())
	assert.Equal(t, "a/b.txt", actions[2].String())

	var bad []config.Action
	err := yaml.Unmarshal([]byte("- shell: ls\n"), &bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "shell"`)
}

func TestParseEnvFile(t *testing.T) {
	env, err := config.ParseEnvFile("testdata/suite/secrets.env")
	require.NoError(t, err)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY=sk-test", "GEMINI_API_KEY=g-test"}, env)

	_, err = config.ParseEnvFile("testdata/missing.env")
	assert.Error(t, err)
}

func TestIsGitSource(t *testing.T) {
	assert.True(t, config.IsGitSource("https://github.com/org/repo"))
	assert.True(t, config.IsGitSource("git@github.com:org/repo.git#v1.0"))
	assert.True(t, config.IsGitSource("../repo.git"))
	assert.False(t, config.IsGitSource("./workspace"))
	assert.False(t, config.IsGitSource("/abs/dir"))
}
