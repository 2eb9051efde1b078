package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rybkr/bup/internal/client"
	"github.com/rybkr/bup/internal/objstore"
)

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	remote := fs.String("r", "", "initialize a remote repository (host:path or path) as well")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	dir := ""
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	repo, err := objstore.Init(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup init: %v\n", err)
		return 1
	}
	fmt.Printf("Initialized repository at %s\n", repo.Dir())

	if *remote != "" {
		c, err := client.Dial(repo, *remote, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bup init: remote: %v\n", err)
			return 1
		}
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "bup init: remote: %v\n", err)
			return 1
		}
		fmt.Printf("Initialized remote repository at %s\n", *remote)
	}
	return 0
}
