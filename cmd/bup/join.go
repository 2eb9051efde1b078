package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/rybkr/bup/internal/objstore"
)

func runJoin(args []string) int {
	repo, err := objstore.Open("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup join: %v\n", err)
		return 1
	}
	cp, err := objstore.NewCatPipe(repo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup join: %v\n", err)
		return 1
	}
	defer cp.Close()

	ids := args
	if len(ids) == 0 {
		// With no arguments, ids come one per line on stdin.
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				ids = append(ids, line)
			}
		}
		if err := sc.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "bup join: %v\n", err)
			return 1
		}
	}

	out := bufio.NewWriterSize(os.Stdout, 1<<16)
	defer out.Flush()
	for _, id := range ids {
		if err := cp.Join(out, id); err != nil {
			fmt.Fprintf(os.Stderr, "bup join: %s: %v\n", id, err)
			return 1
		}
	}
	return 0
}
