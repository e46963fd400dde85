package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/terca/internal/workspace"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestBuildLayersOverwrite(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "_base")
	test := filepath.Join(root, "tests", "one", "_base")
	writeFiles(t, project, map[string]string{"a": "1", "lib/keep.txt": "keep"})
	writeFiles(t, test, map[string]string{"a": "2", "b": "3"})

	ws := filepath.Join(root, "run", "workspace")
	require.NoError(t, workspace.Build(context.Background(), workspace.Layout{
		Dir:    ws,
		Layers: []string{project, test},
	}))

	assert.Equal(t, "2", readFile(t, filepath.Join(ws, "a")))
	assert.Equal(t, "3", readFile(t, filepath.Join(ws, "b")))
	assert.Equal(t, "keep", readFile(t, filepath.Join(ws, "lib/keep.txt")))
}

func TestBuildEmpty(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, workspace.Build(context.Background(), workspace.Layout{
		Dir:    ws,
		Layers: []string{filepath.Join(t.TempDir(), "missing")},
	}))
	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildFromLocalSource(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"main.go": "package main", "a": "source"})
	layer := t.TempDir()
	writeFiles(t, layer, map[string]string{"a": "layer"})

	ws := filepath.Join(t.TempDir(), "workspace")
	require.NoError(t, workspace.Build(context.Background(), workspace.Layout{
		Dir:    ws,
		Source: src,
		Layers: []string{layer},
	}))
	assert.Equal(t, "package main", readFile(t, filepath.Join(ws, "main.go")))
	assert.Equal(t, "layer", readFile(t, filepath.Join(ws, "a")))
}

func TestBuildRejectsFileLayer(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	err := workspace.Build(context.Background(), workspace.Layout{Dir: t.TempDir(), Layers: []string{f}})
	assert.ErrorContains(t, err, "not a directory")
}

func TestCopyDirKeepsSymlinks(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"target.txt": "x"})
	require.NoError(t, os.Symlink("target.txt", filepath.Join(src, "link")))

	dst := t.TempDir()
	require.NoError(t, workspace.CopyDir(src, dst))
	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", link)
}

func TestCopyPathFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(src, []byte("hi"), 0o600))
	dst := filepath.Join(t.TempDir(), "nested", "dir", "f.txt")
	require.NoError(t, workspace.CopyPath(src, dst))
	assert.Equal(t, "hi", readFile(t, dst))
}

func TestResolve(t *testing.T) {
	root := "/work/space"
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "a/b.txt", want: "/work/space/a/b.txt"},
		{rel: ".", want: "/work/space"},
		{rel: "a/../b", want: "/work/space/b"},
		{rel: "../outside", wantErr: true},
		{rel: "/etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			got, err := workspace.Resolve(root, tt.rel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
