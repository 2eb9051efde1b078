package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rybkr/bup/internal/termcolor"
)

type globalFlags struct {
	colorMode termcolor.ColorMode
}

// parseGlobalFlags strips the flags that apply before command dispatch
// (--color, --no-color) and returns the remaining arguments untouched.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	gf := globalFlags{colorMode: termcolor.ColorAuto}
	var rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--no-color":
			gf.colorMode = termcolor.ColorNever
		case a == "--color":
			if i+1 < len(args) {
				i++
				gf.colorMode = mustColorMode(args[i])
			}
		case strings.HasPrefix(a, "--color="):
			gf.colorMode = mustColorMode(strings.TrimPrefix(a, "--color="))
		default:
			rest = append(rest, a)
		}
	}
	return gf, rest
}

func mustColorMode(s string) termcolor.ColorMode {
	mode, err := termcolor.ParseColorMode(s)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bup: %v\n", err)
		os.Exit(1)
	}
	return mode
}
