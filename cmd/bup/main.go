package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rybkr/bup/internal/cli"
	"github.com/rybkr/bup/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	gf, args := parseGlobalFlags(os.Args[1:])

	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := termcolor.NewWriter(os.Stdout, gf.colorMode)

	app := cli.NewApp("bup", version)
	app.Stderr = os.Stderr

	app.Register(&cli.Command{
		Name:     "init",
		Summary:  "Initialize a repository",
		Usage:    "bup init [-r <remote>] [<directory>]",
		Examples: []string{"bup init", "bup init -r backuphost:/srv/backups"},
		Run:      runInit,
	})

	app.Register(&cli.Command{
		Name:     "index",
		Summary:  "Update or inspect the filesystem index",
		Usage:    "bup index <-p|-s|-m|-u> [options...] <paths...>",
		Examples: []string{"bup index -u /home", "bup index -s /home", "bup index -u --watch /home"},
		Run:      func(args []string) int { return runIndex(args, cw) },
	})

	app.Register(&cli.Command{
		Name:     "midx",
		Summary:  "Merge pack indexes into a multi-index",
		Usage:    "bup midx [-o <output>] [-a|-f] [<idxnames...>]",
		Examples: []string{"bup midx -a", "bup midx -o all.midx objects/pack/*.idx"},
		Run:      runMidx,
	})

	app.Register(&cli.Command{
		Name:     "join",
		Summary:  "Reconstruct and print object contents",
		Usage:    "bup join [<ids...>]",
		Examples: []string{"bup join 3b18e512dba79e4c8300dd08aeb37f8e728b8dad > out.tar"},
		Run:      runJoin,
	})

	app.Register(&cli.Command{
		Name:    "server",
		Summary: "Serve the repository over stdin/stdout",
		Usage:   "bup server",
		Run:     runServer,
	})

	app.Register(&cli.Command{
		Name:     "web",
		Summary:  "Serve a repository status page",
		Usage:    "bup web [-addr <host:port>]",
		Examples: []string{"bup web -addr 127.0.0.1:8080"},
		Run:      runWeb,
	})

	os.Exit(app.Run(args, cw))
}

func printVersion() {
	fmt.Printf("bup %s\n", version)
	fmt.Printf("  commit:  %s\n", commit)
	fmt.Printf("  built:   %s\n", buildDate)
	fmt.Printf("  runtime: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
