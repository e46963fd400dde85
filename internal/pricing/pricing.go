// Package pricing estimates what a run cost from its token counts.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/terca/internal/agent"
)

// Rates are USD per 1K tokens. CachedInput falls back to Input when unset.
type Rates struct {
	Input       float64 `yaml:"input"`
	Output      float64 `yaml:"output"`
	CachedInput float64 `yaml:"cachedInput"`
}

// Table maps an agent name to its rates.
type Table struct {
	Agents map[string]Rates
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var agents map[string]Rates
	if err := yaml.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	return &Table{Agents: agents}, nil
}

// Cost prices the stats of one run under agentName. Unknown agents and
// missing stats cost nothing; ok reports whether a price was found.
func (t *Table) Cost(agentName string, s *agent.Stats) (cost float64, ok bool) {
	if t == nil || s == nil {
		return 0, false
	}
	r, ok := t.Agents[agentName]
	if !ok {
		return 0, false
	}
	cachedRate := r.CachedInput
	if cachedRate == 0 {
		cachedRate = r.Input
	}
	// InputTokens already includes cached reads.
	uncached := max(s.InputTokens-s.CachedInputTokens, 0)
	cost = float64(uncached)/1000*r.Input +
		float64(s.CachedInputTokens)/1000*cachedRate +
		float64(s.OutputTokens)/1000*r.Output
	return cost, true
}
