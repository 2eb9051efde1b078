package objstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	repo, err := Init(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"objects/pack", "refs/heads"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("missing directory %s: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		t.Errorf("missing HEAD: %v", err)
	}
	if repo.PackDir() != filepath.Join(dir, "objects", "pack") {
		t.Errorf("PackDir() = %s", repo.PackDir())
	}

	// Idempotent over an existing repository.
	if _, err := Init(dir); err != nil {
		t.Errorf("second Init: %v", err)
	}
}

func TestOpenUsesEnvironment(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUP_DIR", dir)
	repo, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if repo.Dir() != dir {
		t.Errorf("Open(\"\") = %s, want %s", repo.Dir(), dir)
	}
}

func TestOpenRejectsNonRepository(t *testing.T) {
	dir := t.TempDir() // exists, but has no objects/pack
	if _, err := Open(dir); err == nil {
		t.Error("Open accepted a plain directory")
	}
}

func TestOpenPrefersGitSubdir(t *testing.T) {
	dir := t.TempDir()
	gd := filepath.Join(dir, ".git")
	if err := os.MkdirAll(filepath.Join(gd, "objects", "pack"), 0o755); err != nil {
		t.Fatal(err)
	}
	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if repo.Dir() != gd {
		t.Errorf("Open resolved to %s, want %s", repo.Dir(), gd)
	}
}
