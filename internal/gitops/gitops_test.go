package gitops_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/signalnine/terca/internal/gitops"
)

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	c := exec.Command("git", args...)
	c.Dir = dir
	if out, err := c.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func createTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init")
	git(t, dir, "config", "user.email", "test@test.com")
	git(t, dir, "config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello"), 0o644)
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")
	git(t, dir, "tag", "v1")
	return dir
}

func cloneTestRepo(t *testing.T) string {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "clone")
	if err := gitops.Clone(context.Background(), "file://"+createTestRepo(t), "v1", dest); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	git(t, dest, "config", "user.email", "test@test.com")
	git(t, dest, "config", "user.name", "Test")
	return dest
}

func TestClone(t *testing.T) {
	dest := cloneTestRepo(t)
	content, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatalf("reading cloned file: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("content: got %q, want %q", content, "hello")
	}
	if !gitops.IsRepo(dest) {
		t.Error("expected clone to be a repo")
	}
	if gitops.IsRepo(t.TempDir()) {
		t.Error("empty dir reported as a repo")
	}
}

func TestCloneWithoutRef(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "clone")
	if err := gitops.Clone(context.Background(), createTestRepo(t), "", dest); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "hello.txt")); err != nil {
		t.Errorf("expected hello.txt in clone: %v", err)
	}
}

func TestCaptureChanges(t *testing.T) {
	dest := cloneTestRepo(t)
	os.WriteFile(filepath.Join(dest, "hello.txt"), []byte("modified"), 0o644)
	os.WriteFile(filepath.Join(dest, "new.txt"), []byte("new file"), 0o644)
	diff, err := gitops.CaptureChanges(context.Background(), dest)
	if err != nil {
		t.Fatalf("CaptureChanges: %v", err)
	}
	if len(diff) == 0 {
		t.Error("expected non-empty diff")
	}
}

func TestCaptureChangesNoChanges(t *testing.T) {
	dest := cloneTestRepo(t)
	diff, err := gitops.CaptureChanges(context.Background(), dest)
	if err != nil {
		t.Fatalf("CaptureChanges: %v", err)
	}
	if len(diff) != 0 {
		t.Errorf("expected empty diff, got %d bytes", len(diff))
	}
}

func TestCloneRejectsOptionLikeRepo(t *testing.T) {
	err := gitops.Clone(context.Background(), "--upload-pack=evil", "v1", t.TempDir())
	if err == nil {
		t.Fatal("expected error for option-like repo")
	}
}

func TestCloneRejectsInvalidRef(t *testing.T) {
	for _, ref := range []string{"--option", " spaces", "../escape", "a..b"} {
		err := gitops.Clone(context.Background(), "/tmp/repo", ref, t.TempDir())
		if err == nil {
			t.Errorf("expected error for ref %q", ref)
		}
	}
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		src, repo, ref string
	}{
		{"https://example.com/r.git#v2", "https://example.com/r.git", "v2"},
		{"git@example.com:r.git", "git@example.com:r.git", ""},
	}
	for _, tt := range tests {
		repo, ref := gitops.ParseSource(tt.src)
		if repo != tt.repo || ref != tt.ref {
			t.Errorf("ParseSource(%q) = %q, %q; want %q, %q", tt.src, repo, ref, tt.repo, tt.ref)
		}
	}
}
