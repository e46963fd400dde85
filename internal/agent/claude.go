package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

// Claude drives the Claude Code CLI in headless stream-json mode.
type Claude struct {
	Binary string
}

// Stream-json event shapes emitted by `claude -p --output-format=stream-json`.
type claudeEvent struct {
	Type       string                      `json:"type"`
	Subtype    string                      `json:"subtype,omitempty"`
	Message    *claudeMessage              `json:"message,omitempty"`
	Result     string                      `json:"result,omitempty"`
	IsError    bool                        `json:"is_error,omitempty"`
	DurationMs int                         `json:"duration_ms,omitempty"`
	NumTurns   int                         `json:"num_turns,omitempty"`
	Usage      *claudeUsage                `json:"usage,omitempty"`
	ModelUsage map[string]claudeModelUsage `json:"modelUsage,omitempty"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type claudeModelUsage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
}

func (c *Claude) Run(ctx context.Context, opts *Options) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		if opts.RulesFile != "" {
			if err := copyFile(opts.RulesFile, filepath.Join(opts.WorkspaceDir, "CLAUDE.md")); err != nil {
				yield(Progress{}, fmt.Errorf("installing rules file: %w", err))
				return
			}
		}
		for _, name := range slices.Sorted(maps.Keys(opts.MCPServers)) {
			args, ok := c.mcpAddArgs(name, opts)
			if !ok {
				continue
			}
			out, code, err := runSetup(ctx, opts, c.Binary, args...)
			if err != nil {
				yield(Progress{}, fmt.Errorf("adding MCP server %s: %w", name, err))
				return
			}
			if out != "" && !yield(Progress{Output: out}, nil) {
				return
			}
			if code != 0 && !yield(Progress{Output: fmt.Sprintf("Error adding MCP server %s. Exit code: %d\n", name, code)}, nil) {
				return
			}
		}

		args := []string{"--dangerously-skip-permissions", "-p", opts.Prompt, "--output-format=stream-json", "--verbose"}
		for p, err := range streamCommand(ctx, opts, c.Binary, args, "claude-transcript.jsonl", &claudeParser{log: opts}) {
			if !yield(p, err) {
				return
			}
		}
	}
}

// mcpAddArgs builds `claude mcp add` arguments, inferring the transport
// from whether the server has a url or a command.
func (c *Claude) mcpAddArgs(name string, opts *Options) ([]string, bool) {
	s := opts.MCPServers[name]
	w := logWriter(opts)
	transport := s.Transport
	if transport == "" {
		switch {
		case s.URL != "":
			transport = "http"
		case s.Command != "":
			transport = "stdio"
		default:
			fmt.Fprintf(w, "Skipping MCP server %s: missing transport and cannot infer.\n", name)
			return nil, false
		}
	}

	args := []string{"mcp", "add", "--transport", transport, name}
	if transport == "http" || transport == "sse" {
		if s.URL == "" {
			fmt.Fprintf(w, "Skipping MCP server %s: missing url for %s transport.\n", name, transport)
			return nil, false
		}
		args = append(args, s.URL)
	}
	for _, k := range slices.Sorted(maps.Keys(s.Headers)) {
		args = append(args, "--header", k+": "+s.Headers[k])
	}
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		args = append(args, "--env", k+"="+s.Env[k])
	}
	if transport == "stdio" {
		if s.Command == "" {
			fmt.Fprintf(w, "Skipping MCP server %s: missing command for stdio transport.\n", name)
			return nil, false
		}
		args = append(args, "--", s.Command)
		args = append(args, s.Args...)
	}
	return args, true
}

type claudeParser struct {
	log      *Options
	requests int
	final    *Stats
}

func (p *claudeParser) parse(line []byte) []string {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		fmt.Fprintf(logWriter(p.log), "Error parsing JSON: %v\n", err)
		return nil
	}

	var out []string
	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		for _, b := range ev.Message.Content {
			switch {
			case b.Type == "text" && b.Text != "":
				out = append(out, b.Text)
			case b.Type == "tool_use":
				p.requests++
				out = append(out, fmt.Sprintf("\n> %s(%s)\n", b.Name, compactJSON(b.Input)))
			}
		}
	case "user":
		if ev.Message == nil {
			return nil
		}
		for _, b := range ev.Message.Content {
			if b.Type == "tool_result" {
				out = append(out, fmt.Sprintf("\n< %s:\n%s\n", b.ToolUseID, toolResultText(b.Content)))
			}
		}
	case "result":
		p.final = p.resultStats(&ev)
		if ev.Result != "" {
			out = append(out, fmt.Sprintf("\nFinal result: %s\n", ev.Result))
		}
	}
	return out
}

// resultStats prefers the per-model breakdown and falls back to the
// aggregate usage block. Cache reads and writes count as input.
func (p *claudeParser) resultStats(ev *claudeEvent) *Stats {
	s := &Stats{Requests: p.requests, DurationSeconds: float64(ev.DurationMs) / 1000}
	switch {
	case len(ev.ModelUsage) > 0:
		for _, u := range ev.ModelUsage {
			s.InputTokens += u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
			s.OutputTokens += u.OutputTokens
			s.CachedInputTokens += u.CacheReadInputTokens
		}
	case ev.Usage != nil:
		u := ev.Usage
		s.InputTokens = u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		s.OutputTokens = u.OutputTokens
		s.CachedInputTokens = u.CacheReadInputTokens
	default:
		return nil
	}
	return s
}

func (p *claudeParser) stats() *Stats { return p.final }

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}
