package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rybkr/bup/internal/objstore"
	"github.com/rybkr/bup/internal/progress"
)

func runMidx(args []string) int {
	fs := flag.NewFlagSet("midx", flag.ContinueOnError)
	output := fs.String("o", "", "output midx filename (default: auto-generated)")
	auto := fs.Bool("a", false, "create .midx from any .idx files not yet covered by one")
	force := fs.Bool("f", false, "create .midx from all .idx files")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	extra := fs.Args()

	if len(extra) > 0 && (*auto || *force) {
		fmt.Fprintln(os.Stderr, "bup midx: you can't use -f/-a and also provide filenames")
		return 1
	}
	if len(extra) == 0 && !*auto && !*force {
		fmt.Fprintln(os.Stderr, "bup midx: you must use -f or -a or provide input filenames")
		return 1
	}

	repo, err := objstore.Open("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup midx: %v\n", err)
		return 1
	}

	if len(extra) > 0 {
		return doMidx(repo.PackDir(), *output, extra)
	}

	dirs := []string{repo.PackDir()}
	if matches, err := filepath.Glob(repo.Sub("index-cache", "*")); err == nil {
		for _, m := range matches {
			if fi, err := os.Stat(m); err == nil && fi.IsDir() {
				dirs = append(dirs, m)
			}
		}
	}
	for _, dir := range dirs {
		names, err := uncoveredIndexes(dir, *force)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bup midx: %v\n", err)
			return 1
		}
		if len(names) == 0 {
			fmt.Fprintf(os.Stderr, "bup midx: %s: nothing to do.\n", dir)
			continue
		}
		if code := doMidx(dir, *output, names); code != 0 {
			return code
		}
	}
	return 0
}

// uncoveredIndexes lists the .idx files in dir; unless all is set,
// indexes already named by an existing .midx are skipped.
func uncoveredIndexes(dir string, all bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	covered := make(map[string]bool)
	if !all {
		for _, ent := range entries {
			if !strings.HasSuffix(ent.Name(), ".midx") {
				continue
			}
			m, err := objstore.OpenPackMidx(filepath.Join(dir, ent.Name()))
			if err != nil {
				continue // a broken midx just means its inputs get redone
			}
			for _, name := range m.IdxNames() {
				covered[name] = true
			}
			m.Close()
		}
	}
	var names []string
	for _, ent := range entries {
		if strings.HasSuffix(ent.Name(), ".idx") && !covered[ent.Name()] {
			names = append(names, filepath.Join(dir, ent.Name()))
		}
	}
	return names, nil
}

func doMidx(outDir, outFilename string, idxNames []string) int {
	var meter *progress.Meter
	out, err := objstore.WriteMidx(outDir, outFilename, idxNames, func(done, total int) {
		if meter == nil {
			meter = progress.NewMeter("Merging indexes", total)
		}
		meter.Set(done)
	})
	if meter != nil {
		meter.Done()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup midx: %v\n", err)
		return 1
	}
	if out == "" {
		fmt.Fprintln(os.Stderr, "bup midx: no objects: nothing to do.")
		return 0
	}
	fmt.Println(out)
	return 0
}
