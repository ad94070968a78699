// Package fleetd implements the Daemon Lifecycle (spec.md §4.K): socket
// bind and stale-socket cleanup, structured logging to
// "<root>/.agency/cli.logs.jsonl", the startup resume sweep, and graceful
// shutdown.
package fleetd

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ianremillard/fleet/internal/layout"
	"github.com/ianremillard/fleet/internal/registry"
	"github.com/ianremillard/fleet/internal/rpcserver"
	"github.com/ianremillard/fleet/internal/task"
)

// drainTimeout bounds how long Shutdown waits for in-flight RPCs to finish
// before returning anyway (spec.md §4.K: "drain in-flight RPCs with a
// deadline").
const drainTimeout = 5 * time.Second

// Daemon owns the control socket and the project cache for one fleetd
// process. A process serves one seed project root directly (the resume
// sweep only runs against it at startup) but can lazily open and serve
// others through the Projects cache, same as the teacher's single-rootDir
// model generalized by spec.md §3's ProjectKey.
type Daemon struct {
	root     string
	paths    *layout.Paths
	projects *rpcserver.Projects
	server   *rpcserver.Server
	logFile  *os.File

	listener net.Listener
}

// New resolves root, opens its log file, runs the resume sweep, and
// registers every RPC method. Call Run to start accepting connections.
func New(root string) (*Daemon, error) {
	paths, err := layout.New(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.AgencyDir(), 0o755); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(paths.LogFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(logFile)

	projects := rpcserver.NewProjects(registry.New())
	seed, err := projects.Get(root)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	d := &Daemon{root: root, paths: paths, projects: projects, logFile: logFile}

	resumeSweep(seed)

	server := rpcserver.NewServer()
	rpcserver.RegisterAll(server, &rpcserver.Deps{
		Projects:   projects,
		SocketPath: paths.SocketPath(),
		StartedAt:  time.Now(),
		Shutdown:   d.shutdownRequested,
	})
	d.server = server

	return d, nil
}

// resumeSweep marks every task the store finds in Running as Stopped,
// because a daemon that is starting up cannot know whether the previous
// process's PTY children survived (they did not: process groups die with
// their daemon). Grounded directly on the teacher's loadPersistedInstances,
// generalized from its RUNNING/WAITING/ATTACHED -> CRASHED mapping to
// spec.md §4.K's "mark running as stopped".
func resumeSweep(proj *rpcserver.Project) {
	tasks, err := proj.Store.List()
	if err != nil {
		log.Printf("resume sweep: list tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if t.Status != task.StatusRunning {
			continue
		}
		t.Status = task.StatusStopped
		if err := proj.Store.Write(t); err != nil {
			log.Printf("resume sweep: task=%d slug=%s: %v", t.ID, t.Slug, err)
			continue
		}
		log.Printf("resume sweep: task=%d slug=%s status=running->stopped", t.ID, t.Slug)
	}
}

// Run removes a stale socket file, binds the Unix listener, and serves
// connections until Shutdown is called or the listener is closed.
func (d *Daemon) Run() error {
	socketPath := d.paths.SocketPath()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return err
	}
	os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	d.listener = l

	log.Printf("fleetd listening on %s", socketPath)
	return d.server.Serve(l)
}

// shutdownRequested is invoked by the daemon.shutdown RPC handler; it stops
// accepting new connections (unblocking Run) and kills every session so no
// orphaned agent child survives the daemon.
func (d *Daemon) shutdownRequested() {
	d.Shutdown()
}

// Shutdown stops accepting new connections, drains in-flight RPCs with a
// deadline, kills every live PTY session, closes the socket, and unlinks it.
func (d *Daemon) Shutdown() {
	if d.listener != nil {
		d.listener.Close()
	}
	if !d.server.Drain(drainTimeout) {
		log.Printf("shutdown: timed out draining in-flight RPCs after %s", drainTimeout)
	}
	for _, sess := range d.projects.Registry().List() {
		sess.Kill()
	}
	d.projects.Close()
	os.Remove(d.paths.SocketPath())
	log.Printf("fleetd shutdown complete")
	d.logFile.Close()
}
