// Package objstore implements a content-addressed object store in the
// git pack format: loose and packed objects keyed by SHA-1, memory-mapped
// pack indexes with presence bitmaps, a multi-pack lookup layer, a
// streaming pack writer, and a multi-index (midx) summary table.
package objstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// Repo is an open repository directory. All paths used by the store are
// derived from it; nothing in this package consults process-global state.
type Repo struct {
	dir string
}

// Open locates a repository and returns it. The search order is: the
// explicit path if non-empty, then the BUP_DIR environment variable, then
// ~/.bup. If the chosen directory does not look like a repository
// (no objects/pack), ~/.bup is initialized on the spot; any other path
// fails instead.
func Open(path string) (*Repo, error) {
	dir, home, err := guessRepo(path)
	if err != nil {
		return nil, err
	}
	r := &Repo{dir: dir}
	if _, err := os.Stat(r.Sub("objects", "pack")); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if dir != home {
			return nil, fmt.Errorf("objstore: %q is not a repository", dir)
		}
		return Init(dir)
	}
	return r, nil
}

// Init creates a bare repository at path (objects/pack, refs/heads and a
// HEAD file) and returns it. Init is idempotent over an existing
// repository directory.
func Init(path string) (*Repo, error) {
	dir, _, err := guessRepo(path)
	if err != nil {
		return nil, err
	}
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		return nil, fmt.Errorf("objstore: %q exists but is not a directory", dir)
	}
	for _, sub := range []string{
		filepath.Join("objects", "pack"),
		filepath.Join("refs", "heads"),
	} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("objstore: init %q: %w", dir, err)
		}
	}
	head := filepath.Join(dir, "HEAD")
	if _, err := os.Stat(head); os.IsNotExist(err) {
		if err := os.WriteFile(head, []byte("ref: refs/heads/master\n"), 0o644); err != nil {
			return nil, fmt.Errorf("objstore: init %q: %w", dir, err)
		}
	}
	return &Repo{dir: dir}, nil
}

// guessRepo resolves the repository directory without touching it, and
// also reports the default (~/.bup) location so Open can decide whether
// auto-initialization is allowed. A directory containing a .git
// subdirectory resolves to that subdirectory.
func guessRepo(path string) (dir, home string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("objstore: resolve home directory: %w", err)
	}
	home = filepath.Join(homeDir, ".bup")
	dir = path
	if dir == "" {
		dir = os.Getenv("BUP_DIR")
	}
	if dir == "" {
		dir = home
	}
	if gd := filepath.Join(dir, ".git"); isDir(gd) {
		dir = gd
	}
	return dir, home, nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Dir returns the repository root directory.
func (r *Repo) Dir() string { return r.dir }

// Sub returns a path inside the repository.
func (r *Repo) Sub(elem ...string) string {
	return filepath.Join(append([]string{r.dir}, elem...)...)
}

// PackDir returns the permanent pack directory.
func (r *Repo) PackDir() string { return r.Sub("objects", "pack") }

// IndexCacheDir returns the client-side mirror directory for the given
// sanitized remote name, creating it if necessary.
func (r *Repo) IndexCacheDir(remote string) (string, error) {
	dir := r.Sub("index-cache", remote)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("objstore: create index cache %q: %w", dir, err)
	}
	return dir, nil
}
