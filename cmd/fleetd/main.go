// fleetd – the background daemon that supervises task worktrees and their
// agent PTY sessions for one project.
//
// Usage:
//
//	fleetd [--root <dir>]
//
// The daemon listens on a Unix domain socket at <root>/.agency/fleetd.sock
// (or $FLEET_SOCKET, if set) and serves the fleet CLI. It is normally
// started automatically by fleet; you do not need to run it by hand.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ianremillard/fleet/internal/fleetd"
)

func main() {
	defaultRoot := "."
	if env := os.Getenv("FLEET_ROOT"); env != "" {
		defaultRoot = env
	}

	rootDir := flag.String("root", defaultRoot, "project root fleetd manages (env: FLEET_ROOT)")
	flag.Parse()

	d, err := fleetd.New(*rootDir)
	if err != nil {
		log.Fatalf("daemon init: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %v, shutting down", sig)
		d.Shutdown()
		os.Exit(0)
	}()

	if err := d.Run(); err != nil {
		log.Fatalf("daemon run: %v", err)
	}
}
