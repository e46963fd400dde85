package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// Gemini drives the Gemini CLI in headless stream-json mode.
type Gemini struct {
	Binary string
}

type geminiEvent struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Output     string          `json:"output,omitempty"`
	Message    string          `json:"message,omitempty"`
	Stats      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		CachedTokens int `json:"cached_tokens"`
		DurationMs   int `json:"duration_ms"`
	} `json:"stats,omitempty"`
}

func (g *Gemini) Run(ctx context.Context, opts *Options) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		if err := g.writeSettings(opts); err != nil {
			yield(Progress{}, err)
			return
		}

		args := []string{"-p", opts.Prompt, "--yolo", "--output-format", "stream-json"}
		parser := &geminiParser{log: opts}
		for p, err := range streamCommand(ctx, opts, g.Binary, args, "gemini-transcript.jsonl", parser) {
			if p.Done {
				if t, terr := parseTelemetry(filepath.Join(opts.ArtifactsDir, "telemetry.log")); terr != nil {
					fmt.Fprintf(logWriter(opts), "Error reading telemetry: %v\n", terr)
				} else if t != nil {
					p.Stats = t
				}
			}
			if !yield(p, err) {
				return
			}
		}
	}
}

// writeSettings merges the rules file, MCP servers and local telemetry into
// the workspace's .gemini/settings.json.
func (g *Gemini) writeSettings(opts *Options) error {
	dir := filepath.Join(opts.WorkspaceDir, ".gemini")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .gemini dir: %w", err)
	}
	path := filepath.Join(dir, "settings.json")

	settings := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if opts.RulesFile != "" {
		name := filepath.Base(opts.RulesFile)
		if err := copyFile(opts.RulesFile, filepath.Join(opts.WorkspaceDir, name)); err != nil {
			return fmt.Errorf("installing rules file: %w", err)
		}
		ctxSettings, _ := settings["context"].(map[string]any)
		if ctxSettings == nil {
			ctxSettings = map[string]any{}
		}
		switch cur := ctxSettings["fileName"].(type) {
		case nil:
			ctxSettings["fileName"] = name
		case string:
			if cur != name {
				ctxSettings["fileName"] = []any{cur, name}
			}
		case []any:
			if !slices.Contains(cur, any(name)) {
				ctxSettings["fileName"] = append(cur, name)
			}
		}
		settings["context"] = ctxSettings
	}

	if len(opts.MCPServers) > 0 {
		servers, _ := settings["mcpServers"].(map[string]any)
		if servers == nil {
			servers = map[string]any{}
		}
		for name, s := range opts.MCPServers {
			entry := map[string]any{}
			if s.Command != "" {
				entry["command"] = s.Command
			}
			if len(s.Args) > 0 {
				entry["args"] = s.Args
			}
			if len(s.Env) > 0 {
				entry["env"] = s.Env
			}
			if s.Cwd != "" {
				entry["cwd"] = s.Cwd
			}
			if s.URL != "" {
				entry["httpUrl"] = s.URL
			}
			if len(s.Headers) > 0 {
				entry["headers"] = s.Headers
			}
			servers[name] = entry
		}
		settings["mcpServers"] = servers
	}

	telemetry, err := filepath.Abs(filepath.Join(opts.ArtifactsDir, "telemetry.log"))
	if err != nil {
		return fmt.Errorf("resolving telemetry path: %w", err)
	}
	settings["telemetry"] = map[string]any{
		"enabled": true,
		"target":  "local",
		"outfile": telemetry,
	}

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding gemini settings: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

type geminiParser struct {
	log      *Options
	requests int
	final    *Stats
}

func (p *geminiParser) parse(line []byte) []string {
	var ev geminiEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		fmt.Fprintf(logWriter(p.log), "Error parsing JSON event: %v\n", err)
		return nil
	}
	switch ev.Type {
	case "message":
		if ev.Role == "assistant" && ev.Content != "" {
			return []string{ev.Content}
		}
	case "tool_use":
		p.requests++
		return []string{fmt.Sprintf("\n> %s(%s)\n", ev.ToolName, compactJSON(ev.Parameters))}
	case "tool_result":
		return []string{fmt.Sprintf("\n< %s:\n%s\n", ev.ToolID, ev.Output)}
	case "error":
		return []string{fmt.Sprintf("\nError: %s\n", ev.Message)}
	case "result":
		if ev.Stats != nil {
			p.final = &Stats{
				// The initial prompt is a request too.
				Requests:          p.requests + 1,
				InputTokens:       ev.Stats.InputTokens,
				OutputTokens:      ev.Stats.OutputTokens,
				CachedInputTokens: ev.Stats.CachedTokens,
				DurationSeconds:   float64(ev.Stats.DurationMs) / 1000,
			}
		}
	}
	return nil
}

func (p *geminiParser) stats() *Stats { return p.final }

type telemetryRecord struct {
	HrTime     []float64      `json:"hrTime"`
	Attributes map[string]any `json:"attributes"`
}

// parseTelemetry sums token counts from the CLI's local telemetry log, a
// sequence of pretty-printed JSON objects. It returns nil when the file is
// missing or holds no usage.
func parseTelemetry(path string) (*Stats, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Stats{}
	var first, last []float64
	dec := json.NewDecoder(f)
	for {
		var rec telemetryRecord
		// Stop at EOF or at a trailing record cut short by a killed CLI.
		if err := dec.Decode(&rec); err != nil {
			break
		}
		if len(rec.HrTime) == 2 {
			if first == nil {
				first = rec.HrTime
			}
			last = rec.HrTime
		}
		if rec.Attributes["event.name"] == "gemini_cli.api_response" {
			s.Requests++
		}
		for key, val := range rec.Attributes {
			n, ok := val.(float64)
			if !ok {
				continue
			}
			switch key {
			case "input_token_count":
				s.InputTokens += int(n)
			case "output_token_count":
				s.OutputTokens += int(n)
			case "cached_content_token_count":
				s.CachedInputTokens += int(n)
			}
		}
	}
	if first != nil {
		s.DurationSeconds = (last[0] + last[1]/1e9) - (first[0] + first[1]/1e9)
	}
	if s.Requests == 0 && s.InputTokens == 0 && s.OutputTokens == 0 && s.CachedInputTokens == 0 {
		return nil, nil
	}
	return s, nil
}
