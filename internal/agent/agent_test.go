package agent_test

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/terca/internal/agent"
	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/docker"
)

// fakeCLI writes an executable shell script standing in for an agent CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newOptions(t *testing.T) *agent.Options {
	t.Helper()
	root := t.TempDir()
	ws := filepath.Join(root, "workspace")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	return &agent.Options{
		WorkspaceDir: ws,
		ArtifactsDir: filepath.Join(root, "artifacts"),
		Prompt:       "do the thing",
		Log:          &strings.Builder{},
	}
}

func collect(t *testing.T, seq iter.Seq2[agent.Progress, error]) ([]string, *agent.Progress, error) {
	t.Helper()
	var outputs []string
	var last *agent.Progress
	for p, err := range seq {
		if err != nil {
			return outputs, last, err
		}
		if p.Output != "" {
			outputs = append(outputs, p.Output)
		}
		if p.Done {
			p := p
			last = &p
		}
	}
	return outputs, last, nil
}

const claudeScript = `
if [ "$1" = "mcp" ]; then echo "added $5"; exit 0; fi
cat <<'EOF'
{"type":"system","subtype":"init"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Working on it"},{"type":"tool_use","name":"Write","input":{"path":"a.txt"}}]}}
not json

{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]}}
{"type":"result","subtype":"success","result":"done","duration_ms":1500,"modelUsage":{"m":{"inputTokens":10,"outputTokens":5,"cacheReadInputTokens":3,"cacheCreationInputTokens":2}}}
EOF
echo warn >&2
exit 2
`

func TestClaudeAdapter(t *testing.T) {
	opts := newOptions(t)
	rules := filepath.Join(t.TempDir(), "rules.md")
	require.NoError(t, os.WriteFile(rules, []byte("be nice"), 0o644))
	opts.RulesFile = rules
	opts.MCPServers = map[string]config.MCPServer{
		"search": {URL: "http://localhost:9000/mcp"},
		"broken": {},
	}

	a := &agent.Claude{Binary: fakeCLI(t, claudeScript)}
	outputs, done, err := collect(t, a.Run(context.Background(), opts))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"added search\n",
		"Working on it",
		"\n> Write({\"path\":\"a.txt\"})\n",
		"\n< t1:\nok\n",
		"\nFinal result: done\n",
		"warn\n",
	}, outputs)
	require.NotNil(t, done)
	assert.Equal(t, 2, *done.ExitCode)
	assert.Equal(t, &agent.Stats{
		Requests:          1,
		InputTokens:       15,
		OutputTokens:      5,
		CachedInputTokens: 3,
		DurationSeconds:   1.5,
	}, done.Stats)

	rulesCopy, err := os.ReadFile(filepath.Join(opts.WorkspaceDir, "CLAUDE.md"))
	require.NoError(t, err)
	assert.Equal(t, "be nice", string(rulesCopy))

	transcript, err := os.ReadFile(filepath.Join(opts.ArtifactsDir, "claude-transcript.jsonl"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(transcript)), "\n"), 5)

	log := opts.Log.(*strings.Builder).String()
	assert.Contains(t, log, "Skipping MCP server broken")
	assert.Contains(t, log, "Error parsing JSON")
}

func TestClaudeAdapterCancelled(t *testing.T) {
	opts := newOptions(t)
	a := &agent.Claude{Binary: fakeCLI(t, "exec sleep 30\n")}

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(100*time.Millisecond, func() { cancel(agent.ErrTimeout) })

	start := time.Now()
	_, _, err := collect(t, a.Run(ctx, opts))
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestMissingBinary(t *testing.T) {
	opts := newOptions(t)
	a := &agent.Claude{Binary: filepath.Join(t.TempDir(), "nope")}
	_, _, err := collect(t, a.Run(context.Background(), opts))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting")
}

const geminiScript = `
cat <<'EOF'
{"type":"message","role":"user","content":"ignored"}
{"type":"message","role":"assistant","content":"Sure"}
{"type":"tool_use","tool_name":"write_file","tool_id":"w1","parameters":{"file_path":"x"}}
{"type":"tool_result","tool_id":"w1","output":"written"}
{"type":"error","message":"quota"}
{"type":"result","stats":{"input_tokens":20,"output_tokens":7,"cached_tokens":4,"duration_ms":2000}}
EOF
`

func TestGeminiAdapter(t *testing.T) {
	opts := newOptions(t)
	rules := filepath.Join(t.TempDir(), "GEMINI.md")
	require.NoError(t, os.WriteFile(rules, []byte("rules"), 0o644))
	opts.RulesFile = rules
	opts.MCPServers = map[string]config.MCPServer{
		"remote": {URL: "http://localhost:1/mcp"},
		"local":  {Command: "server", Args: []string{"--stdio"}},
	}
	require.NoError(t, os.MkdirAll(filepath.Join(opts.WorkspaceDir, ".gemini"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(opts.WorkspaceDir, ".gemini", "settings.json"),
		[]byte(`{"context":{"fileName":"AGENTS.md"},"theme":"dark"}`), 0o644))

	a := &agent.Gemini{Binary: fakeCLI(t, geminiScript)}
	outputs, done, err := collect(t, a.Run(context.Background(), opts))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Sure",
		"\n> write_file({\"file_path\":\"x\"})\n",
		"\n< w1:\nwritten\n",
		"\nError: quota\n",
	}, outputs)
	require.NotNil(t, done)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, &agent.Stats{
		Requests:          2,
		InputTokens:       20,
		OutputTokens:      7,
		CachedInputTokens: 4,
		DurationSeconds:   2,
	}, done.Stats)

	data, err := os.ReadFile(filepath.Join(opts.WorkspaceDir, ".gemini", "settings.json"))
	require.NoError(t, err)
	var settings map[string]any
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.Equal(t, "dark", settings["theme"])
	assert.Equal(t, []any{"AGENTS.md", "GEMINI.md"}, settings["context"].(map[string]any)["fileName"])
	servers := settings["mcpServers"].(map[string]any)
	assert.Equal(t, "http://localhost:1/mcp", servers["remote"].(map[string]any)["httpUrl"])
	assert.Equal(t, "server", servers["local"].(map[string]any)["command"])
	assert.Equal(t, true, settings["telemetry"].(map[string]any)["enabled"])
	assert.FileExists(t, filepath.Join(opts.WorkspaceDir, "GEMINI.md"))
}

func TestGeminiAdapterPrefersTelemetry(t *testing.T) {
	opts := newOptions(t)
	script := `
cat > "$TELEMETRY" <<'EOF'
{
  "hrTime": [100, 0],
  "attributes": {"event.name": "gemini_cli.api_response", "input_token_count": 11, "output_token_count": 3}
}
{
  "hrTime": [104, 500000000],
  "attributes": {"event.name": "gemini_cli.api_response", "input_token_count": 9, "cached_content_token_count": 6}
}
{
  "hrTime": [1
EOF
echo '{"type":"result","stats":{"input_tokens":1}}'
`
	opts.Env = []string{"TELEMETRY=" + filepath.Join(opts.ArtifactsDir, "telemetry.log")}
	a := &agent.Gemini{Binary: fakeCLI(t, script)}
	_, done, err := collect(t, a.Run(context.Background(), opts))
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, &agent.Stats{
		Requests:          2,
		InputTokens:       20,
		OutputTokens:      3,
		CachedInputTokens: 6,
		DurationSeconds:   4.5,
	}, done.Stats)
}

func TestDockerAdapter(t *testing.T) {
	opts := newOptions(t)
	opts.Config = map[string]any{
		"image":   "agents/fake:1",
		"command": "run-agent --fast",
		"env":     map[string]any{"MODE": "eval"},
	}
	opts.Env = []string{"API_KEY=secret"}

	var got *docker.RunOpts
	a := &agent.Docker{RunContainer: func(ctx context.Context, ro *docker.RunOpts) (*docker.RunResult, error) {
		got = ro
		ro.Logs.Write([]byte("container says hi\n"))
		stats := `{"requests":4,"inputTokens":100,"outputTokens":50}`
		require.NoError(t, os.WriteFile(filepath.Join(opts.ArtifactsDir, "stats.json"), []byte(stats), 0o644))
		return &docker.RunResult{ExitCode: 0, Duration: 3 * time.Second}, nil
	}}

	outputs, done, err := collect(t, a.Run(context.Background(), opts))
	require.NoError(t, err)
	assert.Equal(t, []string{"container says hi\n"}, outputs)
	require.NotNil(t, got)
	assert.Equal(t, "agents/fake:1", got.Image)
	assert.Equal(t, []string{"sh", "-c", "run-agent --fast"}, got.Command)
	assert.Equal(t, opts.WorkspaceDir, got.WorkDir)
	assert.Equal(t, []string{"TASK_FILE=/task.md", "API_KEY=secret", "MODE=eval"}, got.Env)
	assert.Equal(t, &agent.Stats{Requests: 4, InputTokens: 100, OutputTokens: 50, DurationSeconds: 3}, done.Stats)

	task, err := os.ReadFile(filepath.Join(opts.ArtifactsDir, "task.md"))
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(task))
}

func TestDecodeDockerConfig(t *testing.T) {
	cfg, err := agent.DecodeDockerConfig(map[string]any{
		"image":   "img",
		"command": []any{"python", "agent.py"},
		"cpus":    "2",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"python", "agent.py"}, cfg.Command)
	assert.Equal(t, 2.0, cfg.CPUs)

	_, err = agent.DecodeDockerConfig(map[string]any{"command": "x"})
	assert.ErrorContains(t, err, "image is required")

	_, err = agent.DecodeDockerConfig(map[string]any{"image": "x", "imgae": "y"})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := agent.DefaultRegistry()
	assert.Equal(t, []string{"claude-code", "docker", "gemini-cli"}, r.Names())

	_, ok := r.Lookup("claude-code")
	assert.True(t, ok)
	_, ok = r.Lookup("codex")
	assert.False(t, ok)

	noop := agent.AdapterFunc(func(context.Context, *agent.Options) iter.Seq2[agent.Progress, error] {
		return func(func(agent.Progress, error) bool) {}
	})
	require.NoError(t, r.Register("noop", noop))
	assert.Error(t, r.Register("noop", noop))
}
