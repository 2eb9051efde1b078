package fsindex

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rybkr/bup/internal/fswalk"
)

// UpdateOptions control one update pass over a root.
type UpdateOptions struct {
	// OneFileSystem keeps the walk on the root's device.
	OneFileSystem bool
	// Hashgen, when set, re-stamps content hashes for entries that need
	// one (--fake-valid installs a generator returning FakeSHA).
	Hashgen HashGen
	// OnError receives per-entry walk failures; the pass continues.
	OnError func(err error)
	// OnPath is told about each visited path (verbose output).
	OnPath func(path string, isDir bool)
}

// Update walks root and brings the index at indexPath up to date:
// vanished paths lose their exists and hash-valid flags, changed paths
// lose hash-valid, and new paths are appended through a writer whose
// entries are then merged with the existing index under last-writer-
// wins and renamed into place. The old index stays intact if the pass
// dies partway.
func Update(indexPath, root string, opt UpdateOptions) (dirty int, err error) {
	ri, err := OpenReader(indexPath)
	if err != nil {
		return 0, err
	}
	defer ri.Close()
	wi, err := NewWriter(indexPath)
	if err != nil {
		return 0, err
	}
	defer wi.Abort()

	rig := ri.Iter()
	rig.Next() // position on the first (largest) entry; nil cursor if empty

	walkOpts := fswalk.Options{
		OneFileSystem: opt.OneFileSystem,
		OnError:       opt.OnError,
	}
	err = fswalk.Walk(root, walkOpts, func(dir, name string, fi os.FileInfo, canDelete bool) error {
		path := dir + name
		if opt.OnPath != nil {
			opt.OnPath(path, fi.IsDir())
		}

		// Entries sorting above path inside the walked directory were
		// not produced by the walk, so those paths are gone.
		for rig.Cur() != nil && rig.Cur().Name > path {
			cur := rig.Cur()
			if canDelete && dir != "" && strings.HasPrefix(cur.Name, dir) {
				cur.Flags &^= FlagExists | FlagHashValid
				cur.Repack()
				dirty++
			}
			rig.Next()
		}
		if err := rig.Err(); err != nil {
			return err
		}

		if cur := rig.Cur(); cur != nil && cur.Name == path {
			if cur.FromStat(FileStat(fi), rig.Tstart()) {
				dirty++
			}
			if opt.Hashgen != nil && cur.Flags&FlagHashValid == 0 {
				if sha, ok := opt.Hashgen(path); ok {
					cur.SHA = sha
					cur.Flags |= FlagHashValid
				}
			}
			cur.Repack()
			rig.Next()
			return rig.Err()
		}
		dirty++
		return wi.Add(path, FileStat(fi), opt.Hashgen)
	})
	if err != nil {
		return dirty, err
	}

	if err := invalidateParents(root, rig, wi, dirty > 0); err != nil {
		return dirty, err
	}
	if err := ri.Save(); err != nil {
		return dirty, err
	}

	if wi.Count() > 0 {
		wr, err := wi.NewReader()
		if err != nil {
			return dirty, err
		}
		defer wr.Close()
		mi, err := NewWriter(indexPath)
		if err != nil {
			return dirty, err
		}
		if err := MergeInto(mi, ri.Iter(), wr.Iter()); err != nil {
			mi.Abort()
			return dirty, err
		}
		if err := mi.Close(); err != nil {
			return dirty, err
		}
	}
	return dirty, nil
}

// invalidateParents walks from the updated root to the filesystem root,
// clearing the hash-valid flag on every existing parent when the pass
// dirtied anything, and appending entries for parents the index has
// never seen.
func invalidateParents(root string, rig *EntryIter, wi *Writer, dirty bool) error {
	rp, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	rp = strings.TrimSuffix(rp, "/")
	for rp != "" {
		rp = filepath.Dir(rp)
		p := rp + "/"
		if rp == "/" {
			p = "/"
		}
		for rig.Cur() != nil && rig.Cur().Name > p {
			rig.Next()
		}
		if err := rig.Err(); err != nil {
			return err
		}
		if cur := rig.Cur(); cur != nil && cur.Name == p {
			if dirty {
				cur.Flags &^= FlagHashValid
				cur.Repack()
			}
		} else {
			fi, err := os.Lstat(p)
			if err != nil {
				return err
			}
			if err := wi.Add(p, FileStat(fi), nil); err != nil {
				return err
			}
		}
		if p == "/" {
			break
		}
	}
	return nil
}
