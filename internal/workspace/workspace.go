// Package workspace assembles the isolated directory an agent works in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/signalnine/terca/internal/config"
	"github.com/signalnine/terca/internal/gitops"
)

// Layout describes how to populate a workspace. Source, if set, is copied
// or cloned first; each existing Layers directory is then copied on top,
// later layers overwriting earlier ones.
type Layout struct {
	Dir    string
	Source string
	Layers []string
}

// Build creates l.Dir and populates it. Missing layer directories are skipped.
func Build(ctx context.Context, l Layout) error {
	switch {
	case l.Source == "":
		if err := os.MkdirAll(l.Dir, 0o755); err != nil {
			return fmt.Errorf("creating workspace: %w", err)
		}
	case config.IsGitSource(l.Source):
		repo, ref := gitops.ParseSource(l.Source)
		if err := gitops.Clone(ctx, repo, ref, l.Dir); err != nil {
			return fmt.Errorf("cloning workspace source: %w", err)
		}
	default:
		if err := CopyDir(l.Source, l.Dir); err != nil {
			return fmt.Errorf("copying workspace source: %w", err)
		}
	}
	for _, layer := range l.Layers {
		info, err := os.Stat(layer)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading layer %s: %w", layer, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("layer %s is not a directory", layer)
		}
		if err := CopyDir(layer, l.Dir); err != nil {
			return fmt.Errorf("copying layer %s: %w", layer, err)
		}
	}
	return nil
}

// Resolve joins rel onto the workspace root and rejects paths that would
// land outside it.
func Resolve(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	p := filepath.Join(root, rel)
	if p != root && !strings.HasPrefix(p, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return p, nil
}

// CopyPath copies a file or directory tree to dst, creating parents.
func CopyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return CopyDir(src, dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return copyFile(src, dst, info.Mode().Perm())
}

// CopyDir recursively copies the contents of src into dst, overwriting
// files that already exist. Symlinks are recreated, not followed.
func CopyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
