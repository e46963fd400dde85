// Package gitops clones workspace sources and captures what an agent changed.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

var validRef = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ParseSource splits "repo#ref" into its parts; ref is empty when absent.
func ParseSource(src string) (repo, ref string) {
	repo, ref, _ = strings.Cut(src, "#")
	return repo, ref
}

// Clone makes a shallow clone of repo into dest, checking out ref when set.
func Clone(ctx context.Context, repo, ref, dest string) error {
	if repo == "" || strings.HasPrefix(repo, "-") {
		return fmt.Errorf("invalid repository %q", repo)
	}
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		if !validRef.MatchString(ref) || strings.Contains(ref, "..") {
			return fmt.Errorf("invalid ref %q", ref)
		}
		args = append(args, "--branch", ref)
	}
	args = append(args, "--", repo, dest)
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %s: %w", out, err)
	}
	return nil
}

// IsRepo reports whether dir is the top of a git work tree.
func IsRepo(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

// CaptureChanges stages all changes (including untracked files) and returns the diff.
func CaptureChanges(ctx context.Context, repoDir string) ([]byte, error) {
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = repoDir
	if out, err := add.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git add -A: %s: %w", out, err)
	}
	diff := exec.CommandContext(ctx, "git", "diff", "--cached")
	diff.Dir = repoDir
	out, err := diff.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached: %w", err)
	}
	return out, nil
}
