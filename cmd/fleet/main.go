// fleet – the CLI client for the fleetd daemon.
//
// Usage:
//
//	fleet new <slug> "<title>" [--agent <name>] [--base <branch>]
//	fleet list                         – list all tasks
//	fleet status <id>                  – show one task's status
//	fleet start <id>                   – start (or resume) a task's agent
//	fleet attach <id>                  – attach your terminal to a task's PTY
//	fleet stop <id>                     – kill the running agent, keep the worktree
//	fleet complete <id>                 – mark a task done
//	fleet fail <id>                     – mark a task failed
//	fleet merge <id>                    – fast-forward merge a task's branch
//	fleet reset <id>                    – discard the worktree, back to draft
//	fleet rm <id>                       – delete a task and its worktree/branch
//	fleet gc                            – sweep orphan worktrees and branches
//	fleet watch                         – repaint the task list as it changes
//	fleet daemon status                 – show daemon uptime/pid
//	fleet daemon shutdown               – stop the daemon
//
// fleet starts fleetd automatically if it is not already running. Detach
// from an attached session with Ctrl-Q (0x11).
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ianremillard/fleet/internal/attach"
	"github.com/ianremillard/fleet/internal/layout"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "new":
		cmdNew()
	case "list", "ls":
		cmdList()
	case "status":
		cmdStatus()
	case "start":
		cmdStart()
	case "attach":
		cmdAttach()
	case "stop":
		cmdStop()
	case "complete":
		cmdComplete()
	case "fail":
		cmdFail()
	case "merge":
		cmdMerge()
	case "reset":
		cmdReset()
	case "rm":
		cmdRm()
	case "gc":
		cmdGC()
	case "watch":
		cmdWatch()
	case "daemon":
		cmdDaemon()
	default:
		fmt.Fprintf(os.Stderr, "fleet: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `fleet – supervise task worktrees and their agent sessions

  new <slug> [<title>] [--agent <name>] [--base <branch>]
                            Create a task (and start it if --agent is given)
  list                      List all tasks
  status <id>               Show one task's status and liveness
  start <id>                Start or resume a task's agent
  attach <id>                Attach terminal to a task's PTY (detach: Ctrl-Q)
  stop <id>                  Kill the running agent, keep the worktree
  complete <id>              Mark a task done
  fail <id>                  Mark a task failed
  merge <id>                 Fast-forward merge a task's branch onto its base
  reset <id>                 Discard the worktree, return task to draft
  rm <id>                    Delete a task and its worktree/branch
  gc                         Sweep orphan worktrees and branches
  watch                      Repaint the task list as it changes
  daemon status              Show daemon uptime and pid
  daemon shutdown             Stop the daemon`)
}

// ─── project / daemon plumbing ────────────────────────────────────────────

func projectRoot() string {
	if env := os.Getenv("FLEET_PROJECT_ROOT"); env != "" {
		return env
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		os.Exit(1)
	}
	return wd
}

// daemonSocket ensures fleetd is running for root and returns its socket path.
func daemonSocket(root string) string {
	paths, err := layout.New(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		os.Exit(1)
	}
	sock := paths.SocketPath()
	ensureDaemon(root, sock)
	return sock
}

// ensureDaemon starts fleetd in the background if the socket isn't
// responding to pings. root is passed via --root so the daemon manages the
// same project fleet is targeting.
func ensureDaemon(root, socketPath string) {
	if pingDaemon(socketPath) {
		return
	}

	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "fleetd")
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "fleetd"
	}

	cmd := exec.Command(daemonBin, "--root", root)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fleet: could not start daemon: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if pingDaemon(socketPath) {
			return
		}
	}

	fmt.Fprintln(os.Stderr, "fleet: daemon did not start in time")
	os.Exit(1)
}

func pingDaemon(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	resp, err := rawRequest(conn, "daemon.status", nil)
	return err == nil && resp.Error == nil
}

// rpcRequest is one JSON-RPC 2.0 call, mirroring rpcserver.Request on the
// wire without importing the daemon package from the client binary.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// rawRequest sends one JSON-RPC call over an already-open connection and
// reads its reply, without closing conn — used by pingDaemon and by
// cmdAttach, which keeps the connection open across the handshake.
func rawRequest(conn net.Conn, method string, params any) (rpcResponse, error) {
	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return rpcResponse{}, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return rpcResponse{}, err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return rpcResponse{}, err
		}
		return rpcResponse{}, io.EOF
	}
	var resp rpcResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return rpcResponse{}, fmt.Errorf("bad response: %w", err)
	}
	return resp, nil
}

// call dials the daemon (starting it if necessary), sends one request, and
// returns its decoded result, exiting on any transport or RPC error.
func call(method string, params any, out any) {
	root := projectRoot()
	socketPath := daemonSocket(root)
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	resp, err := rawRequest(conn, method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
		os.Exit(1)
	}
	if resp.Error != nil {
		fmt.Fprintf(os.Stderr, "fleet: %s\n", resp.Error.Message)
		os.Exit(1)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			fmt.Fprintf(os.Stderr, "fleet: bad result: %v\n", err)
			os.Exit(1)
		}
	}
}

func parseTaskID(arg string) uint64 {
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: invalid task id %q\n", arg)
		os.Exit(1)
	}
	return n
}

// ─── task subcommands ─────────────────────────────────────────────────────

type taskView struct {
	ID           uint64   `json:"id"`
	Slug         string   `json:"slug"`
	Status       string   `json:"status"`
	BaseBranch   string   `json:"base_branch"`
	Agent        string   `json:"agent"`
	Labels       []string `json:"labels"`
	Title        string   `json:"title"`
	Add          int      `json:"add"`
	Del          int      `json:"del"`
	CommitsAhead int      `json:"commits_ahead"`
	Dirty        bool     `json:"dirty"`
	Liveness     string   `json:"liveness"`
	DSRProbes    int      `json:"dsr_probes"`
	OutputBytes  int64    `json:"output_bytes"`
}

func cmdNew() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet new <slug> [<title>] [--agent <name>] [--base <branch>]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	agentName := fs.String("agent", "", "agent to start immediately")
	base := fs.String("base", "", "base branch (default: main)")
	fs.Parse(os.Args[3:])
	slug := os.Args[2]
	title := ""
	args := fs.Args()
	if len(args) > 0 {
		title = args[0]
		// Flags may also follow the title.
		fs.Parse(args[1:])
	}

	var v taskView
	call("task.new", map[string]any{
		"project_root": projectRoot(),
		"slug":         slug,
		"title":        title,
		"base_branch":  *base,
		"agent":        *agentName,
	}, &v)
	fmt.Printf("created task #%d (%s) status=%s\n", v.ID, v.Slug, v.Status)
}

func cmdList() {
	var views []taskView
	call("task.list", map[string]any{"project_root": projectRoot()}, &views)
	if len(views) == 0 {
		fmt.Println("no tasks")
		return
	}
	fmt.Printf("%-4s  %-24s  %-10s  %-8s  %5s %5s\n", "ID", "SLUG", "STATUS", "BASE", "+", "-")
	for _, v := range views {
		fmt.Printf("%-4d  %-24s  %-10s  %-8s  %5d %5d\n", v.ID, v.Slug, v.Status, v.BaseBranch, v.Add, v.Del)
	}
}

func cmdStatus() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet status <id>")
		os.Exit(1)
	}
	id := parseTaskID(os.Args[2])
	var v taskView
	call("task.status", map[string]any{"project_root": projectRoot(), "id": id}, &v)
	fmt.Printf("#%d %s\n", v.ID, v.Slug)
	fmt.Printf("  status:      %s\n", v.Status)
	fmt.Printf("  base:        %s\n", v.BaseBranch)
	fmt.Printf("  agent:       %s\n", v.Agent)
	if v.Liveness != "" {
		fmt.Printf("  liveness:    %s\n", v.Liveness)
		fmt.Printf("  dsr probes:  %d\n", v.DSRProbes)
		fmt.Printf("  output:      %d bytes\n", v.OutputBytes)
	}
}

func cmdStart() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet start <id>")
		os.Exit(1)
	}
	id := parseTaskID(os.Args[2])
	var v taskView
	call("task.start", map[string]any{"project_root": projectRoot(), "id": id}, &v)
	fmt.Printf("#%d %s -> %s\n", v.ID, v.Slug, v.Status)
}

func simpleTransition(method string) {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: fleet %s <id>\n", os.Args[1])
		os.Exit(1)
	}
	id := parseTaskID(os.Args[2])
	var v taskView
	call(method, map[string]any{"project_root": projectRoot(), "id": id}, &v)
	fmt.Printf("#%d %s -> %s\n", v.ID, v.Slug, v.Status)
}

func cmdStop()     { simpleTransition("task.stop") }
func cmdComplete() { simpleTransition("task.complete") }
func cmdFail()     { simpleTransition("task.fail") }
func cmdMerge()    { simpleTransition("task.merge") }
func cmdReset()    { simpleTransition("task.reset") }

func cmdRm() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet rm <id>")
		os.Exit(1)
	}
	id := parseTaskID(os.Args[2])
	call("task.rm", map[string]any{"project_root": projectRoot(), "id": id}, nil)
	fmt.Printf("#%d removed\n", id)
}

func cmdGC() {
	var v struct {
		PrunedWorktrees int `json:"pruned_worktrees"`
		DeletedBranches int `json:"deleted_branches"`
	}
	call("task.gc", map[string]any{"project_root": projectRoot()}, &v)
	fmt.Printf("pruned %d worktree(s), deleted %d branch(es)\n", v.PrunedWorktrees, v.DeletedBranches)
}

// cmdWatch long-polls pty.notify_tasks_changed and repaints the task table
// each time the daemon reports a new generation, instead of redrawing on a
// fixed interval.
func cmdWatch() {
	root := projectRoot()
	socketPath := daemonSocket(root)
	var gen uint64
	for {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
			os.Exit(1)
		}
		resp, err := rawRequest(conn, "pty.notify_tasks_changed", map[string]any{
			"project_root": root,
			"since_gen":    gen,
		})
		conn.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fleet: %v\n", err)
			os.Exit(1)
		}
		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "fleet: %s\n", resp.Error.Message)
			os.Exit(1)
		}
		var payload struct {
			Gen   uint64 `json:"gen"`
			Tasks []struct {
				ID     uint64 `json:"id"`
				Slug   string `json:"slug"`
				Status string `json:"status"`
			} `json:"tasks"`
		}
		if err := json.Unmarshal(resp.Result, &payload); err != nil {
			fmt.Fprintf(os.Stderr, "fleet: bad result: %v\n", err)
			os.Exit(1)
		}
		gen = payload.Gen
		fmt.Print("\033[H\033[2J")
		fmt.Printf("%-4s  %-24s  %s\n", "ID", "SLUG", "STATUS")
		for _, t := range payload.Tasks {
			fmt.Printf("%-4d  %-24s  %s\n", t.ID, t.Slug, t.Status)
		}
	}
}

// ─── attach ────────────────────────────────────────────────────────────────

func cmdAttach() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet attach <id>")
		os.Exit(1)
	}
	id := parseTaskID(os.Args[2])
	root := projectRoot()
	socketPath := daemonSocket(root)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	// conn is not deferred-closed: the attach loop below owns its lifetime.

	resp, err := rawRequest(conn, "pty.attach", map[string]any{
		"project_root": root,
		"task_id":      id,
		"replay":       true,
	})
	if err != nil || resp.Error != nil {
		msg := "attach failed"
		if err != nil {
			msg = err.Error()
		} else if resp.Error != nil {
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "fleet: %s\n", msg)
		conn.Close()
		os.Exit(1)
	}

	kind, payload, err := attach.ReadFrame(conn)
	if err != nil || kind == attach.KindRejected {
		reason := "rejected"
		if err != nil {
			reason = err.Error()
		} else {
			var rp attach.RejectedPayload
			if json.Unmarshal(payload, &rp) == nil {
				reason = rp.Reason
			}
		}
		fmt.Fprintf(os.Stderr, "fleet: %s\n", reason)
		conn.Close()
		os.Exit(1)
	}
	var attached attach.AttachedPayload
	json.Unmarshal(payload, &attached)
	if len(attached.HistoryBytes) > 0 {
		os.Stdout.Write(attached.HistoryBytes)
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleet: cannot set raw mode: %v\n", err)
		conn.Close()
		os.Exit(1)
	}
	restore := func() { term.Restore(fd, oldState) }
	defer restore()

	fmt.Fprintf(os.Stdout, "\r\n[fleet] attached to #%d  (detach: Ctrl-Q)\r\n", id)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go func() {
		defer signalDone()
		for {
			k, p, err := attach.ReadFrame(conn)
			if err != nil {
				return
			}
			switch k {
			case attach.KindOutput:
				os.Stdout.Write(p)
			case attach.KindExited, attach.KindGoodbye:
				return
			}
		}
	}()

	go func() {
		defer signalDone()
		buf := make([]byte, 256)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := attach.WriteFrame(conn, attach.KindInput, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	sendResize := func() {
		if cols, rows, err := term.GetSize(fd); err == nil {
			_ = attach.WriteFrame(conn, attach.KindResize, attach.EncodeResize(attach.ResizePayload{
				Cols: uint16(cols), Rows: uint16(rows),
			}))
		}
	}
	go func() {
		for range winchCh {
			sendResize()
		}
	}()
	sendResize()

	<-done
	signal.Stop(winchCh)
	conn.Close()

	restore()
	fmt.Fprintf(os.Stdout, "\n[fleet] detached from #%d\n", id)
}

// ─── daemon subcommands ────────────────────────────────────────────────────

func cmdDaemon() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fleet daemon <status|shutdown>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "status":
		var v struct {
			Version    string `json:"version"`
			PID        int    `json:"pid"`
			SocketPath string `json:"socket_path"`
			UptimeS    int    `json:"uptime_s"`
		}
		call("daemon.status", nil, &v)
		fmt.Printf("version:     %s\n", v.Version)
		fmt.Printf("pid:         %d\n", v.PID)
		fmt.Printf("socket:      %s\n", v.SocketPath)
		fmt.Printf("uptime:      %s\n", time.Duration(v.UptimeS)*time.Second)
	case "shutdown":
		call("daemon.shutdown", nil, nil)
		fmt.Println("shutdown requested")
	default:
		fmt.Fprintf(os.Stderr, "fleet: unknown daemon subcommand %q\n", os.Args[2])
		os.Exit(1)
	}
}
