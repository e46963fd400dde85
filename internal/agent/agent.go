// Package agent defines the contract between the harness and the adapters
// that drive a specific coding agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/signalnine/terca/internal/config"
)

// ErrTimeout is the cancellation cause of an invocation that ran past its
// timeout.
var ErrTimeout = errors.New("agent invocation timed out")

// Stats are usage statistics reported by an adapter.
type Stats struct {
	Requests          int     `json:"requests"`
	InputTokens       int     `json:"inputTokens"`
	OutputTokens      int     `json:"outputTokens"`
	CachedInputTokens int     `json:"cachedInputTokens"`
	DurationSeconds   float64 `json:"durationSeconds"`
	TimedOut          bool    `json:"timedOut,omitempty"`
}

// Progress is one item of an adapter's output sequence.
type Progress struct {
	Done     bool
	ExitCode *int
	Output   string
	Stats    *Stats
}

// Options describe one invocation.
type Options struct {
	WorkspaceDir string
	ArtifactsDir string
	Prompt       string
	RulesFile    string
	MCPServers   map[string]config.MCPServer
	// Config is the variant's adapter-specific settings.
	Config map[string]any
	// Env is appended to the agent process environment.
	Env []string
	// Log receives subprocess output that is not part of the progress stream.
	Log io.Writer
}

// Adapter runs an agent. The returned sequence is finite and must stop
// promptly once ctx is done; yielding a non-nil error ends the sequence.
type Adapter interface {
	Run(ctx context.Context, opts *Options) iter.Seq2[Progress, error]
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, opts *Options) iter.Seq2[Progress, error]

func (f AdapterFunc) Run(ctx context.Context, opts *Options) iter.Seq2[Progress, error] {
	return f(ctx, opts)
}

// Registry maps agent identifiers to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under name. Registering a name twice is an error.
func (r *Registry) Register(name string, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Lookup(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry holding the built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.adapters["claude-code"] = &Claude{Binary: "claude"}
	r.adapters["gemini-cli"] = &Gemini{Binary: "gemini"}
	r.adapters["docker"] = &Docker{}
	return r
}

// IsBuiltin reports whether name is one of the adapters in DefaultRegistry.
func IsBuiltin(name string) bool {
	return slices.Contains([]string{"claude-code", "gemini-cli", "docker"}, name)
}

func exitCode(code int) *int { return &code }
