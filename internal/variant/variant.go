// Package variant expands a suite's environments and experiments into the
// flat list of configurations each test case runs under.
package variant

import (
	"fmt"
	"maps"
	"slices"

	"github.com/go-viper/mapstructure/v2"

	"github.com/signalnine/terca/internal/config"
)

// DefaultName stands in for an absent environment or experiment axis.
const DefaultName = "default"

// Variant is one environment merged with one experiment. Name is the
// display name; Environment and Experiment form its identity.
type Variant struct {
	config.Props `mapstructure:",squash"`

	Environment string `json:"environment"`
	Experiment  string `json:"experiment"`
}

// ID returns the "environment.experiment" identity.
func (v Variant) ID() string {
	return v.Environment + "." + v.Experiment
}

// Expand returns the environment-major cartesian product of the suite's
// environments and experiments. A legacy matrix, when present, stands in
// for the environment list.
func Expand(s *config.Suite) ([]Variant, error) {
	envs := s.Environments
	if len(s.Matrix) > 0 {
		var err error
		if envs, err = MatrixEnvironments(s.Matrix); err != nil {
			return nil, err
		}
		for i := range envs {
			s.ResolveProps(&envs[i])
		}
	}
	if len(envs) == 0 {
		envs = []config.Props{{Name: DefaultName}}
	}
	exps := s.Experiments
	if len(exps) == 0 {
		exps = []config.Props{{Name: DefaultName}}
	}

	variants := make([]Variant, 0, len(envs)*len(exps))
	for _, env := range envs {
		for _, exp := range exps {
			variants = append(variants, merge(env, exp))
		}
	}
	return variants, nil
}

func merge(env, exp config.Props) Variant {
	p := env
	if exp.Agent != "" {
		p.Agent = exp.Agent
	}
	if exp.Rules != "" {
		p.Rules = exp.Rules
	}
	if exp.MCPServers != nil {
		p.MCPServers = exp.MCPServers
	}
	if exp.Command != "" {
		p.Command = exp.Command
	}
	if exp.Preamble != "" {
		p.Preamble = exp.Preamble
	}
	if exp.Postamble != "" {
		p.Postamble = exp.Postamble
	}
	if exp.Before != nil {
		p.Before = exp.Before
	}
	if exp.Config != nil {
		p.Config = exp.Config
	}

	switch {
	case exp.Name != DefaultName:
		p.Name = exp.Name
	case env.Name != "":
		p.Name = env.Name
	default:
		p.Name = DefaultName
	}
	return Variant{Props: p, Environment: env.Name, Experiment: exp.Name}
}

// ExpandMatrix returns the cartesian product of matrix entries. Within an
// entry every slice-valued key is an axis and every scalar key is held
// constant; nil values are dropped. An empty entry list yields one empty map.
func ExpandMatrix(entries []map[string]any) []map[string]any {
	combos := []map[string]any{{}}
	for _, entry := range entries {
		for _, key := range slices.Sorted(maps.Keys(entry)) {
			value := entry[key]
			if value == nil {
				continue
			}
			values, ok := value.([]any)
			if !ok {
				values = []any{value}
			}
			next := make([]map[string]any, 0, len(combos)*len(values))
			for _, c := range combos {
				for _, v := range values {
					if v == nil {
						next = append(next, c)
						continue
					}
					m := maps.Clone(c)
					m[key] = v
					next = append(next, m)
				}
			}
			combos = next
		}
	}
	return combos
}

// MatrixEnvironments expands matrix entries and decodes each combination
// into environment properties named matrix-01, matrix-02 and so on.
func MatrixEnvironments(entries []map[string]any) ([]config.Props, error) {
	combos := ExpandMatrix(entries)
	envs := make([]config.Props, 0, len(combos))
	for i, combo := range combos {
		var p config.Props
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &p,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating matrix decoder: %w", err)
		}
		if err := dec.Decode(combo); err != nil {
			return nil, fmt.Errorf("decoding matrix combination %d: %w", i+1, err)
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("matrix-%02d", i+1)
		}
		envs = append(envs, p)
	}
	return envs, nil
}

// Select keeps the variants whose environment and experiment are in the
// given sets; an empty set keeps everything on that axis. Order is kept.
func Select(variants []Variant, environments, experiments []string) []Variant {
	var out []Variant
	for _, v := range variants {
		if len(environments) > 0 && !slices.Contains(environments, v.Environment) {
			continue
		}
		if len(experiments) > 0 && !slices.Contains(experiments, v.Experiment) {
			continue
		}
		out = append(out, v)
	}
	return out
}
