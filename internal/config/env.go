package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// ParseEnvFile reads a dotenv-style file into KEY=VALUE pairs. Blank lines,
// comments and lines without '=' are skipped; an "export " prefix and
// matching surrounding quotes are stripped.
func ParseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	var env []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env = append(env, strings.TrimSpace(key)+"="+stripQuotes(strings.TrimSpace(val)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	return env, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// SecretEnv returns the suite's secret environment, or nil when no env file
// is configured.
func (s *Suite) SecretEnv() ([]string, error) {
	if s.Secrets.EnvFile == "" {
		return nil, nil
	}
	return ParseEnvFile(s.Secrets.EnvFile)
}
