package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type ActionKind string

const (
	ActionCommand ActionKind = "command"
	ActionCopy    ActionKind = "copy"
	ActionFiles   ActionKind = "files"
)

// Action is one pre-run step. Exactly one payload field is set, matching Kind.
type Action struct {
	Kind    ActionKind
	Command string
	Copy    []Mapping
	Files   []File
}

// Mapping copies From (a path on the host) to To (relative to the workspace).
type Mapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// File writes Content to Path (relative to the workspace).
type File struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

var actionDecoders = map[ActionKind]func(*Action, *yaml.Node) error{
	ActionCommand: func(a *Action, n *yaml.Node) error { return n.Decode(&a.Command) },
	ActionCopy:    func(a *Action, n *yaml.Node) error { return decodeMappings(n, &a.Copy) },
	ActionFiles:   func(a *Action, n *yaml.Node) error { return decodeFiles(n, &a.Files) },
}

func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	key, value, err := singleKey(node, "action", keysOf(actionDecoders))
	if err != nil {
		return err
	}
	a.Kind = ActionKind(key)
	if err := actionDecoders[a.Kind](a, value); err != nil {
		return fmt.Errorf("line %d: %s action: %w", node.Line, key, err)
	}
	return nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCommand:
		return a.Command
	case ActionCopy:
		parts := make([]string, len(a.Copy))
		for i, m := range a.Copy {
			parts[i] = m.From + " -> " + m.To
		}
		return strings.Join(parts, ", ")
	case ActionFiles:
		parts := make([]string, len(a.Files))
		for i, f := range a.Files {
			parts[i] = f.Path
		}
		return strings.Join(parts, ", ")
	}
	return string(a.Kind)
}

// decodeMappings accepts either a list of {from, to} or a from->to map.
func decodeMappings(n *yaml.Node, out *[]Mapping) error {
	switch n.Kind {
	case yaml.SequenceNode:
		return n.Decode(out)
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			var to string
			if err := n.Content[i+1].Decode(&to); err != nil {
				return err
			}
			*out = append(*out, Mapping{From: n.Content[i].Value, To: to})
		}
		return nil
	}
	return fmt.Errorf("expected a list or a map")
}

// decodeFiles accepts either a list of {path, content} or a path->content map.
func decodeFiles(n *yaml.Node, out *[]File) error {
	switch n.Kind {
	case yaml.SequenceNode:
		return n.Decode(out)
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			var content string
			if err := n.Content[i+1].Decode(&content); err != nil {
				return err
			}
			*out = append(*out, File{Path: n.Content[i].Value, Content: content})
		}
		return nil
	}
	return fmt.Errorf("expected a list or a map")
}

type CheckKind string

const (
	CheckCommandSuccess CheckKind = "commandSuccess"
	CheckFileExists     CheckKind = "fileExists"
	// CheckTestPassRate scores the fraction of passing tests reported by a
	// test command, for partial credit.
	CheckTestPassRate CheckKind = "testPassRate"
)

// Check is one scoring rule run against the finished workspace.
type Check struct {
	Name           string
	Kind           CheckKind
	Command        string
	OutputContains string
	Paths          []string
}

var checkDecoders = map[CheckKind]func(*Check, *yaml.Node) error{
	CheckCommandSuccess: decodeCommandSuccess,
	CheckTestPassRate:   decodeCommandSuccess,
	CheckFileExists: func(c *Check, n *yaml.Node) error {
		if n.Kind == yaml.ScalarNode {
			c.Paths = []string{n.Value}
			return nil
		}
		return n.Decode(&c.Paths)
	},
}

func decodeCommandSuccess(c *Check, n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Command = n.Value
		return nil
	}
	var body struct {
		Command        string `yaml:"command"`
		OutputContains string `yaml:"outputContains"`
	}
	if err := n.Decode(&body); err != nil {
		return err
	}
	c.Command, c.OutputContains = body.Command, body.OutputContains
	return nil
}

func (c *Check) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: check must be a mapping", node.Line)
	}
	rest := &yaml.Node{Kind: yaml.MappingNode, Line: node.Line}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "name" {
			c.Name = node.Content[i+1].Value
			continue
		}
		rest.Content = append(rest.Content, node.Content[i], node.Content[i+1])
	}
	key, value, err := singleKey(rest, "check", keysOf(checkDecoders))
	if err != nil {
		return err
	}
	c.Kind = CheckKind(key)
	if err := checkDecoders[c.Kind](c, value); err != nil {
		return fmt.Errorf("line %d: %s check: %w", node.Line, key, err)
	}
	if c.Kind != CheckFileExists && strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("line %d: %s check needs a command", node.Line, c.Kind)
	}
	if c.Kind == CheckFileExists && len(c.Paths) == 0 {
		return fmt.Errorf("line %d: fileExists check needs at least one path", node.Line)
	}
	for _, p := range c.Paths {
		if !filepath.IsLocal(p) {
			return fmt.Errorf("line %d: fileExists path %q must be relative to the workspace", node.Line, p)
		}
	}
	return nil
}

// singleKey returns the only key of a mapping node, which must be one of allowed.
func singleKey(node *yaml.Node, what string, allowed []string) (string, *yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", nil, fmt.Errorf("line %d: %s must have exactly one of %s", node.Line, what, strings.Join(allowed, ", "))
	}
	key := node.Content[0].Value
	for _, k := range allowed {
		if k == key {
			return key, node.Content[1], nil
		}
	}
	return "", nil, fmt.Errorf("line %d: unknown %s %q (want one of %s)", node.Line, what, key, strings.Join(allowed, ", "))
}

func keysOf[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
