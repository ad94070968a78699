package task

import "github.com/ianremillard/fleet/internal/ferr"

// Event is a state-machine trigger from spec.md §4.H.
type Event string

const (
	EventStart     Event = "start"
	EventDetach    Event = "detach"
	EventStop      Event = "stop"
	EventChildExit Event = "child-exit"
	EventComplete  Event = "complete"
	EventMerge     Event = "merge"
	EventReset     Event = "reset"
	EventRm        Event = "rm"
	EventFail      Event = "fail"
)

// transitions enumerates every (status, event) -> status pair the state
// machine accepts. EventRm and EventReset are valid from any status and are
// handled separately in Next, since the table would otherwise need one row
// per status for each.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventStart: StatusRunning,
	},
	StatusRunning: {
		EventDetach:    StatusRunning,
		EventStop:      StatusStopped,
		EventChildExit: StatusExited,
		EventComplete:  StatusCompleted,
		EventFail:      StatusFailed,
	},
	StatusExited: {
		EventStart: StatusRunning,
	},
	StatusStopped: {
		EventStart: StatusRunning,
	},
	StatusCompleted: {
		EventMerge: StatusMerged,
	},
}

// Next computes the status after applying event to from, per spec.md §4.H.
// EventReset always yields Draft and EventRm is accepted from any status (the
// caller removes the task entirely rather than persisting a new status).
// Any other combination not present in the table is an invalid transition.
func Next(from Status, ev Event) (Status, error) {
	if ev == EventReset {
		return StatusDraft, nil
	}
	if ev == EventRm {
		return "", nil
	}
	row, ok := transitions[from]
	if !ok {
		return "", invalidTransition(from, ev)
	}
	to, ok := row[ev]
	if !ok {
		return "", invalidTransition(from, ev)
	}
	return to, nil
}

func invalidTransition(from Status, ev Event) error {
	return ferr.New(ferr.KindTransition, "invalid transition").WithIdent(string(from) + " -- " + string(ev))
}

// Effects describes what a transition's side effects should do, in the
// deterministic order spec.md §4.H requires: stop sessions, then mutate git,
// then mutate the filesystem, then persist markdown. Callers (the RPC
// handlers) consult these booleans to decide which subsystems to touch;
// state.go itself performs no I/O.
type Effects struct {
	KillSession      bool // tear down the PTY session (if any) before anything else
	RemoveSession    bool // drop the session from the registry once killed/exited
	CreateWorktree   bool // create worktree + branch if this is the first Running
	PruneWorktree    bool // remove worktree + branch
	RemoveTaskFile   bool // delete the markdown file (rm only)
	KeepSessionAlive bool // exited/idle sessions are kept around for replay
}

// EffectsFor reports the side effects a (from, event) transition requires.
func EffectsFor(from Status, ev Event) Effects {
	switch ev {
	case EventStart:
		return Effects{CreateWorktree: from == StatusDraft}
	case EventDetach:
		return Effects{}
	case EventStop:
		return Effects{KillSession: true, RemoveSession: true}
	case EventChildExit:
		return Effects{KeepSessionAlive: true}
	case EventComplete:
		return Effects{KillSession: true, RemoveSession: true}
	case EventMerge:
		return Effects{}
	case EventReset:
		return Effects{KillSession: true, RemoveSession: true, PruneWorktree: true}
	case EventRm:
		return Effects{KillSession: true, RemoveSession: true, PruneWorktree: true, RemoveTaskFile: true}
	case EventFail:
		return Effects{KillSession: true, RemoveSession: true}
	default:
		return Effects{}
	}
}
