// Package fswalk walks directory trees depth-first in descending
// lexicographic order, the order the file-system index is stored in.
// Directory names are reported with a trailing slash so a directory
// sorts after a plain file of the same name and, in the descending
// stream, after all of its own children.
package fswalk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Func receives one path per call: dir is the containing directory
// (with trailing slash, or "" for the walk root itself), name the final
// component (directories keep their trailing slash), and fi the Lstat
// result. canDeleteSiblings reports whether entries sorting between
// this path and the previous one are inside the walked tree. Paths
// arrive in descending order of dir+name; a directory follows its
// children. The walker's working directory contains name when Func
// runs.
type Func func(dir, name string, fi os.FileInfo, canDeleteSiblings bool) error

// Options control a walk.
type Options struct {
	// OneFileSystem skips children on a different device than the root.
	OneFileSystem bool
	// OnError receives per-entry stat/open failures; the walk continues
	// past them. Required if such errors should not be lost.
	OnError func(err error)
	// OnSkip is told about children skipped by OneFileSystem.
	OnSkip func(path string)
}

func (o *Options) reportError(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// dirHandle is a scoped directory file descriptor; descending through
// fchdir avoids re-resolving the absolute path on every child and the
// races that come with resolving it twice.
type dirHandle struct {
	fd int
}

func openDir(path string) (*dirHandle, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &dirHandle{fd: fd}, nil
}

func (h *dirHandle) fchdir() error {
	if err := unix.Fchdir(h.fd); err != nil {
		return &os.PathError{Op: "fchdir", Path: fmt.Sprint(h.fd), Err: err}
	}
	return nil
}

func (h *dirHandle) close() {
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
}

// Walk traverses root and calls fn for every surviving entry. The
// process working directory moves during the walk and is restored
// before Walk returns.
func Walk(root string, opt Options, fn Func) error {
	rpath, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}
	rpath = strings.TrimSuffix(rpath, "/")
	if rpath == "" {
		rpath = "/"
	}
	st, err := os.Lstat(rpath)
	if err != nil {
		return err
	}

	var xdev *uint64
	if opt.OneFileSystem {
		dev := deviceOf(st)
		xdev = &dev
	}

	// Hold the starting directory so the walk's chdir games can be
	// undone on every exit path.
	back, err := openDir(".")
	if err != nil {
		return err
	}
	defer back.close()
	defer back.fchdir()

	dir, name := filepath.Split(rpath)
	canDelete := false
	if st.IsDir() && !strings.HasSuffix(name, "/") {
		name += "/"
		canDelete = true
	}
	if dir == "" {
		dir = "/"
	}
	if err := os.Chdir(dir); err != nil {
		return err
	}
	return walkOne(dir, name, st, xdev, canDelete, &opt, fn)
}

// walkOne processes a single entry: for directories it first descends
// and emits all children (descending), then reports the entry itself.
func walkOne(dir, name string, fi os.FileInfo, xdev *uint64, canDelete bool, opt *Options, fn Func) error {
	path := dir + name
	if fi.IsDir() {
		h, err := openDir(strings.TrimSuffix(name, "/"))
		if err != nil {
			opt.reportError(fmt.Errorf("in %s: %w", dir, err))
			return nil
		}
		if err := h.fchdir(); err != nil {
			h.close()
			opt.reportError(fmt.Errorf("in %s: %w", dir, err))
			return nil
		}
		h.close()
		err = walkChildren(path, xdev, opt, fn)
		if cderr := os.Chdir(".."); cderr != nil {
			return fmt.Errorf("fswalk: leave %s: %w", path, cderr)
		}
		if err != nil {
			return err
		}
	}
	return fn(dir, name, fi, canDelete)
}

func walkChildren(path string, xdev *uint64, opt *Options, fn Func) error {
	f, err := os.Open(".")
	if err != nil {
		opt.reportError(fmt.Errorf("in %s: %w", path, err))
		return nil
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		opt.reportError(fmt.Errorf("in %s: %w", path, err))
		return nil
	}

	type child struct {
		name string
		fi   os.FileInfo
	}
	kids := make([]child, 0, len(names))
	for _, n := range names {
		st, err := os.Lstat(n)
		if err != nil {
			opt.reportError(fmt.Errorf("in %s: %w", path, err))
			continue
		}
		if xdev != nil && deviceOf(st) != *xdev {
			if opt.OnSkip != nil {
				opt.OnSkip(path + n)
			}
			continue
		}
		if st.IsDir() {
			n += "/"
		}
		kids = append(kids, child{name: n, fi: st})
	}
	sort.Slice(kids, func(i, j int) bool { return kids[i].name > kids[j].name })
	for _, k := range kids {
		if err := walkOne(path, k.name, k.fi, xdev, true, opt, fn); err != nil {
			return err
		}
	}
	return nil
}

// deviceOf returns the device number from an Lstat result.
func deviceOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
