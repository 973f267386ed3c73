// Package main starts the floor real-time service and handles termination.
//
// The process is a transport adapter around dining session lifecycle,
// order rounds, and payment allocation so connected staff, kitchen, and
// table clients stay in sync over one event stream.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	floorcmd "github.com/brigadehq/brigade/internal/cmd/floor"
)

func main() {
	cfg, err := floorcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[FLOOR] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := floorcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
