package objstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// refPath resolves a ref name to its file, rejecting names that escape
// the repository.
func (r *Repo) refPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("objstore: empty ref name")
	}
	if !strings.Contains(name, "/") {
		name = "refs/heads/" + name
	}
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("objstore: invalid ref name %q", name)
	}
	return r.Sub(clean), nil
}

// ReadRef returns the id a ref points at, or ok=false when the ref does
// not exist.
func (r *Repo) ReadRef(name string) (ObjectID, bool, error) {
	path, err := r.refPath(name)
	if err != nil {
		return ObjectID{}, false, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ObjectID{}, false, nil
		}
		return ObjectID{}, false, err
	}
	id, err := ParseID(strings.TrimSpace(string(buf)))
	if err != nil {
		return ObjectID{}, false, corruptf(path, "malformed ref: %v", err)
	}
	return id, true, nil
}

// UpdateRef sets a ref to newVal if its current value is oldVal; a zero
// oldVal asserts the ref does not exist yet. The write goes through a
// temp file and rename.
func (r *Repo) UpdateRef(name string, newVal, oldVal ObjectID) error {
	path, err := r.refPath(name)
	if err != nil {
		return err
	}
	cur, exists, err := r.ReadRef(name)
	if err != nil {
		return err
	}
	switch {
	case !exists && !oldVal.IsZero():
		return fmt.Errorf("objstore: ref %s does not exist, expected %s", name, oldVal)
	case exists && cur != oldVal:
		return fmt.Errorf("objstore: ref %s is %s, expected %s", name, cur, oldVal)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%s\n", newVal.Hex()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
