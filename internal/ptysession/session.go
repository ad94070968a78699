// Package ptysession owns one pseudoterminal and one agent child process per
// task: the reader goroutine, the sanitizer, the DSR liveness probe, the
// Transcript Ring, and the single-attached-client broadcast (spec.md §4.E).
package ptysession

import (
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ianremillard/fleet/internal/agent"
	"github.com/ianremillard/fleet/internal/ferr"
	"github.com/ianremillard/fleet/internal/task"
	"github.com/ianremillard/fleet/internal/transcript"
)

// Liveness mirrors spec.md §4.E's PtySession.liveness.
type Liveness int

const (
	LivenessRunning Liveness = iota
	LivenessExited
)

const readBufSize = 4096

// Stats summarizes a finished session for the "===== Session Stats ====="
// footer and for pty.list_sessions.
type Stats struct {
	StartedAt    time.Time
	EndedAt      time.Time
	DSRProbes    uint64
	BytesWritten uint64
	ExitErr      error
}

// Session is one PTY-backed agent run for a task.
type Session struct {
	Ref         task.Ref
	WorktreeDir string

	mu       sync.Mutex
	ptm      *os.File
	cmd      *exec.Cmd
	pid      int
	liveness Liveness
	startedAt time.Time
	endedAt   time.Time
	exitErr   error

	ring      *transcript.Ring
	sanitizer Sanitizer
	dsr       dsrDetector
	seenInput bool // suppresses DSR counting once a real client has typed

	writeMu sync.Mutex // serializes WriteInput against the master write side

	attached   atomic.Bool      // CAS 0/1 single-attached-client slot
	subMu      sync.Mutex
	subscriber chan []byte // nil unless a client is currently attached

	killed bool
}

// Open allocates a pseudoterminal, spawns action inside it, and starts the
// reader goroutine. ringCapBytes bounds the Transcript Ring (spec.md §4.D;
// ~1 MiB per the component's default).
func Open(ref task.Ref, worktreeDir string, action agent.Action, ringCapBytes uint64) (*Session, error) {
	cmd := exec.Command(action.Program, action.Args...)
	cmd.Dir = worktreeDir
	cmd.Env = action.Env

	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIO, "start pty", err).WithIdent(action.Program)
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		// Non-fatal: the child still runs, just without an initial size hint.
	}

	s := &Session{
		Ref:         ref,
		WorktreeDir: worktreeDir,
		ptm:         ptm,
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		liveness:    LivenessRunning,
		startedAt:   time.Now(),
		ring:        transcript.New(ringCapBytes),
	}

	go s.readLoop()
	return s, nil
}

// readLoop drains the PTY master, sanitizes output, feeds the Transcript
// Ring and DSR detector, and broadcasts to the attached client if any. It
// terminates the session on EOF or child exit (spec.md §4.E steps 1-5).
func (s *Session) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			clean := s.sanitizer.Process(chunk)

			s.mu.Lock()
			seenInput := s.seenInput
			s.mu.Unlock()
			if !seenInput {
				s.dsr.consume(chunk)
			}

			if len(clean) > 0 {
				s.ring.Push(clean)
				s.broadcast(clean)
			}
		}
		if err != nil {
			break
		}
	}
	s.onChildExit()
}

// broadcast forwards clean bytes to the attached client's channel, if any,
// dropping the send if no one is listening fast enough.
func (s *Session) broadcast(clean []byte) {
	s.subMu.Lock()
	ch := s.subscriber
	s.subMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- clean:
	default:
	}
}

// onChildExit waits for the process, records the exit, appends the
// human-readable stats footer to the ring exactly once, and closes the
// master.
func (s *Session) onChildExit() {
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	s.ptm.Close()
	s.liveness = LivenessExited
	s.endedAt = time.Now()
	s.exitErr = waitErr
	stats := s.statsLocked()
	s.mu.Unlock()

	footer := renderStatsFooter(stats)
	s.ring.Push(footer)
	s.broadcast(footer)
}

// WriteInput writes client keystrokes into the PTY master. The first write
// marks the session as having seen real client input, which stops DSR
// probe counting (spec.md §4.E.4: probes are only meaningful before a real
// client has attached and started typing).
func (s *Session) WriteInput(b []byte) error {
	s.mu.Lock()
	s.seenInput = true
	ptm := s.ptm
	s.mu.Unlock()
	if ptm == nil {
		return ferr.New(ferr.KindConflict, "session has no running child")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := ptm.Write(b)
	if err != nil {
		return ferr.Wrap(ferr.KindIO, "write pty input", err)
	}
	return nil
}

// Resize forwards a terminal size change to the master.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	ptm := s.ptm
	s.mu.Unlock()
	if ptm == nil {
		return ferr.New(ferr.KindConflict, "session has no running child")
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return ferr.Wrap(ferr.KindIO, "resize pty", err)
	}
	return nil
}

// TryAttach CAS-es the single-attached-client slot from false to true and,
// on success, installs ch as the broadcast subscriber.
func (s *Session) TryAttach(ch chan []byte) bool {
	if !s.attached.CompareAndSwap(false, true) {
		return false
	}
	s.subMu.Lock()
	s.subscriber = ch
	s.subMu.Unlock()
	return true
}

// Detach clears the attached-client slot, making the session available for
// a future attach. Safe to call even if nothing is currently attached.
func (s *Session) Detach() {
	s.subMu.Lock()
	s.subscriber = nil
	s.subMu.Unlock()
	s.attached.Store(false)
}

// Ring exposes the Transcript Ring for replay-on-attach.
func (s *Session) Ring() *transcript.Ring { return s.ring }

// Liveness reports whether the child is still running.
func (s *Session) Liveness() Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveness
}

// Stats returns a snapshot of the session's lifecycle for pty.list_sessions.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsLocked()
	return st
}

func (s *Session) statsLocked() Stats {
	return Stats{
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		DSRProbes:    s.dsr.total(),
		BytesWritten: s.ring.Total(),
		ExitErr:      s.exitErr,
	}
}

// Kill terminates the child's entire process group, mirroring the teacher's
// destroy(): look up the real PGID rather than assume it equals the PID,
// since pty.Start's Setsid already makes the child a session/group leader.
func (s *Session) Kill() {
	s.mu.Lock()
	s.killed = true
	pid := s.pid
	s.mu.Unlock()

	if pid <= 0 {
		return
	}
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid > 0 {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	} else {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}
