package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"slices"

	"github.com/go-viper/mapstructure/v2"

	"github.com/signalnine/terca/internal/docker"
)

// Docker runs an agent packaged as a container image. The workspace is
// mounted at /workspace, the artifacts directory at /artifacts and the
// prompt at /task.md. An agent that writes /artifacts/stats.json reports
// usage statistics.
type Docker struct {
	// RunContainer defaults to docker.RunContainer.
	RunContainer func(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)
}

// DockerConfig is decoded from the variant's config map.
type DockerConfig struct {
	Image   string            `mapstructure:"image"`
	Command []string          `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
	CPUs    float64           `mapstructure:"cpus"`
	Memory  int64             `mapstructure:"memory"`
	User    string            `mapstructure:"user"`
}

// DecodeDockerConfig decodes a variant config map. A string command is run
// through sh -c.
func DecodeDockerConfig(raw map[string]any) (*DockerConfig, error) {
	var cfg DockerConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.DecodeHookFuncType(func(from, to reflect.Type, data any) (any, error) {
			if from.Kind() == reflect.String && to == reflect.TypeOf([]string(nil)) {
				return []string{"sh", "-c", data.(string)}, nil
			}
			return data, nil
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding docker config: %w", err)
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker config: image is required")
	}
	return &cfg, nil
}

func (d *Docker) Run(ctx context.Context, opts *Options) iter.Seq2[Progress, error] {
	return func(yield func(Progress, error) bool) {
		cfg, err := DecodeDockerConfig(opts.Config)
		if err != nil {
			yield(Progress{}, err)
			return
		}
		if err := os.MkdirAll(opts.ArtifactsDir, 0o755); err != nil {
			yield(Progress{}, fmt.Errorf("creating artifacts dir: %w", err))
			return
		}
		taskFile := filepath.Join(opts.ArtifactsDir, "task.md")
		if err := os.WriteFile(taskFile, []byte(opts.Prompt), 0o644); err != nil {
			yield(Progress{}, fmt.Errorf("writing task file: %w", err))
			return
		}
		if opts.RulesFile != "" {
			if err := copyFile(opts.RulesFile, filepath.Join(opts.ArtifactsDir, "rules.md")); err != nil {
				yield(Progress{}, fmt.Errorf("installing rules file: %w", err))
				return
			}
		}

		env := append([]string{"TASK_FILE=/task.md"}, opts.Env...)
		for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
			env = append(env, k+"="+cfg.Env[k])
		}
		if opts.RulesFile != "" {
			env = append(env, "RULES_FILE=/artifacts/rules.md")
		}
		if len(opts.MCPServers) > 0 {
			servers, err := json.Marshal(opts.MCPServers)
			if err != nil {
				yield(Progress{}, fmt.Errorf("encoding MCP servers: %w", err))
				return
			}
			env = append(env, "MCP_SERVERS="+string(servers))
		}

		run := d.RunContainer
		if run == nil {
			run = docker.RunContainer
		}
		fmt.Fprintf(logWriter(opts), "> docker run %s\n", commandLine(cfg.Image, cfg.Command))
		var logs bytes.Buffer
		res, err := run(ctx, &docker.RunOpts{
			Image:   cfg.Image,
			Command: cfg.Command,
			WorkDir: opts.WorkspaceDir,
			Env:     env,
			Mounts: []docker.Mount{
				{Source: opts.ArtifactsDir, Target: "/artifacts"},
				{Source: taskFile, Target: "/task.md", ReadOnly: true},
			},
			Logs:        &logs,
			CPULimit:    cfg.CPUs,
			MemoryLimit: cfg.Memory,
			UserID:      cfg.User,
		})
		if err != nil {
			yield(Progress{}, fmt.Errorf("running %s: %w", cfg.Image, err))
			return
		}
		if logs.Len() > 0 && !yield(Progress{Output: logs.String()}, nil) {
			return
		}
		if res.Cancelled {
			yield(Progress{}, fmt.Errorf("container %s aborted: %w", cfg.Image, context.Cause(ctx)))
			return
		}

		stats, err := readStatsFile(filepath.Join(opts.ArtifactsDir, "stats.json"))
		if err != nil {
			fmt.Fprintf(logWriter(opts), "Error reading stats.json: %v\n", err)
		}
		if stats == nil {
			stats = &Stats{}
		}
		if stats.DurationSeconds == 0 {
			stats.DurationSeconds = res.Duration.Seconds()
		}
		yield(Progress{Done: true, ExitCode: exitCode(res.ExitCode), Stats: stats}, nil)
	}
}

func readStatsFile(path string) (*Stats, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Stats
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
