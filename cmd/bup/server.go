package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rybkr/bup/internal/server"
)

func runServer(args []string) int {
	if len(args) > 0 {
		fmt.Fprintln(os.Stderr, "bup server: takes no arguments")
		return 1
	}
	// stdout belongs to the protocol; logs go to stderr where the
	// client's operator can see them through the tunnel.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := server.New(os.Stdin, os.Stdout, logger)
	if err := srv.Run(); err != nil {
		logger.Error("server terminated", "err", err)
		return 1
	}
	return 0
}
