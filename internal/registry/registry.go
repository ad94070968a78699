// Package registry implements the Session Registry: a process-wide table
// mapping (project_root, task_id) to a PTY session, with the single
// attached-client invariant delegated to each session itself (spec.md §4.F).
package registry

import (
	"sync"

	"github.com/ianremillard/fleet/internal/ferr"
	"github.com/ianremillard/fleet/internal/ptysession"
	"github.com/ianremillard/fleet/internal/task"
)

// Key identifies one entry: a project root plus a task id. Slug is not part
// of the key since ids are unique within a project and a task's slug never
// changes across a session's lifetime.
type Key struct {
	ProjectRoot string
	TaskID      uint64
}

// Registry is a coarse-grained, mutex-guarded map. Critical sections are
// O(1); nothing here blocks on I/O, matching spec.md §4.F's requirement
// that registry operations stay cheap even under concurrent RPC load.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*ptysession.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[Key]*ptysession.Session)}
}

// Get returns the session for key, if one exists.
func (r *Registry) Get(key Key) (*ptysession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Put inserts a session for key. It errors if one is already registered —
// callers must Remove a dead session before a task can start a new one.
func (r *Registry) Put(key Key, s *ptysession.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return ferr.New(ferr.KindConflict, "a session is already registered for this task").WithIdent(key.ProjectRoot)
	}
	r.sessions[key] = s
	return nil
}

// Remove drops the session for key, if present. Callers must only do this
// once the session's child has exited and no client is attached
// (spec.md §4.F's removal invariant); Remove itself does not check this,
// since the state machine's effects already decide when removal applies.
func (r *Registry) Remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
}

// List returns a snapshot of every currently registered session, keyed by Key.
func (r *Registry) List() map[Key]*ptysession.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Key]*ptysession.Session, len(r.sessions))
	for k, v := range r.sessions {
		out[k] = v
	}
	return out
}

// KeyFor builds a Key from a project root and a task ref.
func KeyFor(projectRoot string, ref task.Ref) Key {
	return Key{ProjectRoot: projectRoot, TaskID: ref.ID}
}
