package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SuiteFileName is the suite-level config file at the suite root.
	SuiteFileName = "terca.yaml"
	// TestFileName marks a directory as holding one test case.
	TestFileName = "eval.terca.yaml"
	// BaseDirName is the directory whose contents seed every workspace.
	BaseDirName = "_base"
)

type Suite struct {
	Name           string           `yaml:"name"`
	Description    string           `yaml:"description"`
	Preamble       string           `yaml:"preamble"`
	Postamble      string           `yaml:"postamble"`
	WorkspaceDir   string           `yaml:"workspaceDir"`
	Repetitions    int              `yaml:"repetitions"`
	Concurrency    int              `yaml:"concurrency"`
	TimeoutSeconds int              `yaml:"timeoutSeconds"`
	Before         []Action         `yaml:"before"`
	Tests          []TestCase       `yaml:"tests"`
	Environments   []Props          `yaml:"environments"`
	Experiments    []Props          `yaml:"experiments"`
	Matrix         []map[string]any `yaml:"matrix"`
	Secrets        Secrets          `yaml:"secrets"`

	// Root is the absolute directory the suite was loaded from.
	Root string `yaml:"-"`
}

type TestCase struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Prompt         string   `yaml:"prompt"`
	WorkspaceDir   string   `yaml:"workspaceDir"`
	Repetitions    int      `yaml:"repetitions"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
	Before         []Action `yaml:"before"`
	Checks         []Check  `yaml:"checks"`

	// Dir is the directory holding the test's eval.terca.yaml, empty for
	// tests declared inline in terca.yaml.
	Dir string `yaml:"-"`
}

// Props is the property bag shared by environments and experiments.
type Props struct {
	Name       string               `yaml:"name" mapstructure:"name" json:"name"`
	Agent      string               `yaml:"agent" mapstructure:"agent" json:"agent,omitempty"`
	Rules      string               `yaml:"rules" mapstructure:"rules" json:"rules,omitempty"`
	MCPServers map[string]MCPServer `yaml:"mcpServers" mapstructure:"mcpServers" json:"mcpServers,omitempty"`
	Command    string               `yaml:"command" mapstructure:"command" json:"command,omitempty"`
	Preamble   string               `yaml:"preamble" mapstructure:"preamble" json:"preamble,omitempty"`
	Postamble  string               `yaml:"postamble" mapstructure:"postamble" json:"postamble,omitempty"`
	Before     []Action             `yaml:"before" mapstructure:"-" json:"before,omitempty"`
	Config     map[string]any       `yaml:"config" mapstructure:"config" json:"config,omitempty"`
}

type MCPServer struct {
	Command   string            `yaml:"command" mapstructure:"command" json:"command,omitempty"`
	Args      []string          `yaml:"args" mapstructure:"args" json:"args,omitempty"`
	Env       map[string]string `yaml:"env" mapstructure:"env" json:"env,omitempty"`
	Cwd       string            `yaml:"cwd" mapstructure:"cwd" json:"cwd,omitempty"`
	URL       string            `yaml:"url" mapstructure:"url" json:"url,omitempty"`
	Transport string            `yaml:"transport" mapstructure:"transport" json:"transport,omitempty"`
	Headers   map[string]string `yaml:"headers" mapstructure:"headers" json:"headers,omitempty"`
}

type Secrets struct {
	EnvFile string `yaml:"envFile"`
}

// Load reads terca.yaml under root (optional) and every eval.terca.yaml
// below it. Relative paths in the config are resolved against the file
// that declared them.
func Load(root string) (*Suite, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving suite root: %w", err)
	}

	suite := &Suite{}
	path := filepath.Join(root, SuiteFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, suite); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	suite.Root = root
	if suite.Name == "" {
		suite.Name = filepath.Base(root)
	}

	files, err := findTestConfigs(root)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		tc, err := loadTestCase(file)
		if err != nil {
			return nil, err
		}
		suite.Tests = append(suite.Tests, *tc)
	}

	suite.resolvePaths()
	if err := validate(suite); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", root, err)
	}
	return suite, nil
}

func loadTestCase(path string) (*TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test config %s: %w", path, err)
	}
	var tc TestCase
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parsing test config %s: %w", path, err)
	}
	tc.Dir = filepath.Dir(path)
	if tc.Name == "" {
		tc.Name = filepath.Base(tc.Dir)
	}
	return &tc, nil
}

func findTestConfigs(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == TestFileName {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s for test configs: %w", root, err)
	}
	return files, nil
}

func (s *Suite) resolvePaths() {
	s.WorkspaceDir = resolveSource(s.Root, s.WorkspaceDir)
	s.Secrets.EnvFile = resolvePath(s.Root, s.Secrets.EnvFile)
	resolveActions(s.Root, s.Before)
	for _, group := range [][]Props{s.Environments, s.Experiments} {
		for i := range group {
			s.ResolveProps(&group[i])
		}
	}
	for i := range s.Tests {
		tc := &s.Tests[i]
		base := tc.Dir
		if base == "" {
			base = s.Root
		}
		tc.WorkspaceDir = resolveSource(base, tc.WorkspaceDir)
		resolveActions(base, tc.Before)
	}
}

// ResolveProps anchors a variant's relative rules file and copy sources at
// the suite root. Load applies it to environments and experiments; matrix
// environments built later need it too.
func (s *Suite) ResolveProps(p *Props) {
	p.Rules = resolvePath(s.Root, p.Rules)
	resolveActions(s.Root, p.Before)
}

func resolveActions(base string, actions []Action) {
	for i := range actions {
		for j := range actions[i].Copy {
			actions[i].Copy[j].From = resolvePath(base, actions[i].Copy[j].From)
		}
	}
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// resolveSource leaves remote git sources untouched.
func resolveSource(base, src string) string {
	if src == "" || IsGitSource(src) {
		return src
	}
	return resolvePath(base, src)
}

// IsGitSource reports whether a workspace source names a git repository
// rather than a local directory.
func IsGitSource(src string) bool {
	repo, _, _ := strings.Cut(src, "#")
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "file://"} {
		if strings.HasPrefix(repo, prefix) {
			return true
		}
	}
	return strings.HasSuffix(repo, ".git")
}

func validate(s *Suite) error {
	if s.Repetitions < 0 {
		return fmt.Errorf("repetitions must not be negative")
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("timeoutSeconds must not be negative")
	}
	if len(s.Matrix) > 0 && (len(s.Environments) > 0 || len(s.Experiments) > 0) {
		return fmt.Errorf("matrix cannot be combined with environments or experiments")
	}
	seen := make(map[string]bool)
	for i, tc := range s.Tests {
		if tc.Name == "" {
			return fmt.Errorf("test %d: name is required", i)
		}
		if seen[tc.Name] {
			return fmt.Errorf("test %q: duplicate name", tc.Name)
		}
		seen[tc.Name] = true
		if strings.TrimSpace(tc.Prompt) == "" {
			return fmt.Errorf("test %q: prompt is required", tc.Name)
		}
		if tc.Repetitions < 0 || tc.TimeoutSeconds < 0 {
			return fmt.Errorf("test %q: repetitions and timeoutSeconds must not be negative", tc.Name)
		}
		// Checks may share a name; the later result replaces the earlier one.
		for j, c := range tc.Checks {
			if c.Name == "" {
				return fmt.Errorf("test %q: check %d: name is required", tc.Name, j)
			}
		}
	}
	if err := validateProps("environment", s.Environments); err != nil {
		return err
	}
	return validateProps("experiment", s.Experiments)
}

func validateProps(kind string, props []Props) error {
	seen := make(map[string]bool)
	for i, p := range props {
		if p.Name == "" {
			return fmt.Errorf("%s %d: name is required", kind, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%s %q: duplicate name", kind, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
