package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rybkr/bup/internal/fsindex"
	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/termcolor"
)

func runIndex(args []string, cw *termcolor.Writer) int {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	doPrint := fs.Bool("p", false, "print the index entries for the given names")
	modified := fs.Bool("m", false, "print only added/deleted/modified files (implies -p)")
	status := fs.Bool("s", false, "print each filename with a status char (A/M/D, implies -p)")
	update := fs.Bool("u", false, "recursively update the index entries for the given paths")
	xdev := fs.Bool("x", false, "don't cross filesystem boundaries")
	fakeValid := fs.Bool("fake-valid", false, "mark all index entries as up-to-date even if they aren't")
	indexFile := fs.String("f", "", "the name of the index file")
	verbose := fs.Bool("v", false, "log each directory as it is indexed")
	vverbose := fs.Bool("vv", false, "log every path as it is indexed")
	watch := fs.Bool("watch", false, "keep running and re-index when a path changes (with -u)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !*modified && !*doPrint && !*status && !*update {
		fmt.Fprintln(os.Stderr, "bup index: you must supply one or more of -p, -s, -m, or -u")
		return 1
	}
	if *fakeValid && !*update {
		fmt.Fprintln(os.Stderr, "bup index: --fake-valid is meaningless without -u")
		return 1
	}
	if *watch && !*update {
		fmt.Fprintln(os.Stderr, "bup index: --watch is meaningless without -u")
		return 1
	}

	repo, err := objstore.Open("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
		return 1
	}
	indexPath := *indexFile
	if indexPath == "" {
		indexPath = repo.Sub("bupindex")
	}

	paths, err := fsindex.ReducePaths(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
		return 1
	}

	var savedErrors []error
	opts := fsindex.UpdateOptions{
		OneFileSystem: *xdev,
		OnError: func(err error) {
			savedErrors = append(savedErrors, err)
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
		},
	}
	if *fakeValid {
		opts.Hashgen = func(string) ([20]byte, bool) { return fsindex.FakeSHA, true }
	}
	if *verbose || *vverbose {
		all := *vverbose
		opts.OnPath = func(path string, isDir bool) {
			if isDir || all {
				fmt.Println(path)
			}
		}
	}

	if *update {
		if len(paths) == 0 {
			fmt.Fprintln(os.Stderr, "bup index: update (-u) requested but no paths given")
			return 1
		}
		updateAll := func() {
			for _, p := range paths {
				root := strings.TrimSuffix(p.Real, "/")
				if root == "" {
					root = "/"
				}
				if _, err := fsindex.Update(indexPath, root, opts); err != nil {
					fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
					savedErrors = append(savedErrors, err)
				}
			}
		}
		updateAll()
		if *watch {
			if err := watchAndUpdate(paths, updateAll); err != nil {
				fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
				return 1
			}
		}
	}

	if *doPrint || *status || *modified {
		if code := printIndex(indexPath, paths, *status, *modified, cw); code != 0 {
			return code
		}
	}

	if len(savedErrors) > 0 {
		fmt.Fprintf(os.Stderr, "WARNING: %d errors encountered.\n", len(savedErrors))
		return 1
	}
	return 0
}

func printIndex(indexPath string, paths []fsindex.PathPair, status, modified bool, cw *termcolor.Writer) int {
	if len(paths) == 0 {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
			return 1
		}
		paths = []fsindex.PathPair{{Real: cwd + "/", Display: ""}}
	}
	r, err := fsindex.OpenReader(indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
		return 1
	}
	defer r.Close()

	err = r.Filter(paths, func(name string, e *fsindex.Entry) error {
		if modified && e.Flags&fsindex.FlagHashValid != 0 {
			return nil
		}
		if name == "" {
			name = "."
		}
		if !status {
			fmt.Println(name)
			return nil
		}
		switch {
		case e.Flags&fsindex.FlagExists == 0:
			fmt.Println(cw.Red("D ") + name)
		case e.Flags&fsindex.FlagHashValid == 0:
			if e.SHA == fsindex.EmptySHA {
				fmt.Println(cw.Green("A ") + name)
			} else {
				fmt.Println(cw.Yellow("M ") + name)
			}
		default:
			fmt.Println("  " + name)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup index: %v\n", err)
		return 1
	}
	return 0
}

// watchAndUpdate re-runs the update pass whenever something under one
// of the roots changes, debounced so a burst of writes triggers one
// pass. Runs until interrupted.
func watchAndUpdate(paths []fsindex.PathPair, updateAll func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// fsnotify does not recurse; watch every directory under each root.
	for _, p := range paths {
		root := strings.TrimSuffix(p.Real, "/")
		filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				watcher.Add(path)
			}
			return nil
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	fmt.Fprintln(os.Stderr, "bup index: watching for changes (interrupt to stop)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
					watcher.Add(ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "bup index: watch: %v\n", err)
		case <-fire:
			updateAll()
		}
	}
}
