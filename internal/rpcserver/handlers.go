package rpcserver

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ianremillard/fleet/internal/agent"
	"github.com/ianremillard/fleet/internal/attach"
	"github.com/ianremillard/fleet/internal/ferr"
	"github.com/ianremillard/fleet/internal/ptysession"
	"github.com/ianremillard/fleet/internal/registry"
	"github.com/ianremillard/fleet/internal/task"
)

// Version is the daemon's reported build version. A single constant stands
// in for the proper build-info injection a release process would do.
const Version = "0.1.0"

// ringCapBytes bounds every Transcript Ring this daemon opens (spec.md §4.D).
const ringCapBytes = 1 << 20

// Deps bundles everything the registered handlers close over: the
// multi-project cache, the daemon's start time for daemon.status, and a
// shutdown trigger for daemon.shutdown.
type Deps struct {
	Projects   *Projects
	SocketPath string
	StartedAt  time.Time
	Shutdown   func()
}

// RegisterAll binds every RPC method named in spec.md §4.J to its handler.
func RegisterAll(s *Server, d *Deps) {
	s.Register("daemon.status", d.daemonStatus)
	s.Register("daemon.shutdown", d.daemonShutdown)
	s.Register("task.new", d.taskNew)
	s.Register("task.list", d.taskList)
	s.Register("task.status", d.taskStatus)
	s.Register("task.start", d.taskStart)
	s.Register("task.stop", d.taskStop)
	s.Register("task.complete", d.taskComplete)
	s.Register("task.fail", d.taskFail)
	s.Register("task.merge", d.taskMerge)
	s.Register("task.reset", d.taskReset)
	s.Register("task.rm", d.taskRm)
	s.Register("task.gc", d.taskGC)
	s.Register("pty.attach", d.ptyAttach)
	s.Register("pty.list_sessions", d.ptyListSessions)
	s.Register("pty.notify_tasks_changed", d.ptyNotifyTasksChanged)
}

// projectParams is embedded by every method that scopes to one project.
type projectParams struct {
	ProjectRoot string `json:"project_root"`
}

// ---- daemon.* ----

func (d *Deps) daemonStatus(_ net.Conn, _ json.RawMessage, id any) *Response {
	return okResponse(id, map[string]any{
		"version":     Version,
		"pid":         os.Getpid(),
		"socket_path": d.SocketPath,
		"uptime_s":    int(time.Since(d.StartedAt).Seconds()),
	})
}

func (d *Deps) daemonShutdown(_ net.Conn, _ json.RawMessage, id any) *Response {
	if d.Shutdown != nil {
		go d.Shutdown()
	}
	return okResponse(id, map[string]any{"shutting_down": true})
}

// ---- task.* ----

type taskNewParams struct {
	projectParams
	Slug       string   `json:"slug"`
	Title      string   `json:"title,omitempty"`
	Body       string   `json:"body,omitempty"`
	BaseBranch string   `json:"base_branch,omitempty"`
	Agent      string   `json:"agent,omitempty"`
	Labels     []string `json:"labels,omitempty"`
}

// taskNew creates a task. If Agent is set the task is started immediately
// (draft -> running in one step), matching spec.md §8 scenario 2; otherwise
// it is left in Draft for a later task.start.
func (d *Deps) taskNew(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskNewParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		return errResponse(id, err)
	}
	if err := task.ValidateSlug(p.Slug); err != nil {
		return errResponse(id, err)
	}
	exists, err := proj.Store.SlugExists(p.Slug)
	if err != nil {
		return errResponse(id, err)
	}
	if exists {
		return errResponse(id, ferr.New(ferr.KindConflict, "slug already exists").WithIdent(p.Slug))
	}
	nextID, err := proj.Store.NextID()
	if err != nil {
		return errResponse(id, err)
	}
	baseBranch := p.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	t := &task.Task{
		FrontMatter: task.FrontMatter{
			Status:     task.StatusDraft,
			BaseBranch: baseBranch,
			Agent:      p.Agent,
			Labels:     p.Labels,
			Title:      p.Title,
		},
		Body: p.Body,
	}
	t.ID = nextID
	t.Slug = p.Slug

	if p.Agent != "" {
		if err := d.startSession(proj, t, agent.ModeStart); err != nil {
			return errResponse(id, err)
		}
	}
	if err := proj.Store.Write(t); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, taskView(t))
}

func (d *Deps) taskList(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p projectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		return errResponse(id, err)
	}
	tasks, err := proj.Store.List()
	if err != nil {
		return errResponse(id, err)
	}
	views := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		v := taskView(t)
		if m, err := proj.Repo.Metrics(proj.Paths.WorktreeDir(t.ID, t.Slug), t.BaseBranch); err == nil {
			v["add"] = m.Add
			v["del"] = m.Del
			v["commits_ahead"] = m.CommitsAhead
			v["dirty"] = m.Dirty
		}
		views = append(views, v)
	}
	return okResponse(id, views)
}

type taskIDParams struct {
	projectParams
	ID uint64 `json:"id"`
}

func (d *Deps) taskStatus(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, t, err := d.findTask(p.ProjectRoot, p.ID)
	if err != nil {
		return errResponse(id, err)
	}
	v := taskView(t)
	key := registry.KeyFor(proj.Paths.Root(), t.Ref())
	if sess, ok := d.Projects.Registry().Get(key); ok {
		st := sess.Stats()
		v["liveness"] = livenessString(sess.Liveness())
		v["dsr_probes"] = st.DSRProbes
		v["output_bytes"] = st.BytesWritten
	}
	return okResponse(id, v)
}

func (d *Deps) taskStart(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, t, err := d.findTask(p.ProjectRoot, p.ID)
	if err != nil {
		return errResponse(id, err)
	}
	to, err := task.Next(t.Status, task.EventStart)
	if err != nil {
		return errResponse(id, err)
	}
	effects := task.EffectsFor(t.Status, task.EventStart)
	mode := agent.ModeResume
	if effects.CreateWorktree {
		mode = agent.ModeStart
	}
	if err := d.startSession(proj, t, mode); err != nil {
		return errResponse(id, err)
	}
	t.Status = to
	if err := proj.Store.Write(t); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, taskView(t))
}

func (d *Deps) taskStop(conn net.Conn, raw json.RawMessage, id any) *Response {
	return d.applyTransition(conn, raw, id, task.EventStop)
}

func (d *Deps) taskComplete(conn net.Conn, raw json.RawMessage, id any) *Response {
	return d.applyTransition(conn, raw, id, task.EventComplete)
}

func (d *Deps) taskFail(conn net.Conn, raw json.RawMessage, id any) *Response {
	return d.applyTransition(conn, raw, id, task.EventFail)
}

func (d *Deps) taskReset(conn net.Conn, raw json.RawMessage, id any) *Response {
	return d.applyTransition(conn, raw, id, task.EventReset)
}

func (d *Deps) taskRm(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, t, err := d.findTask(p.ProjectRoot, p.ID)
	if err != nil {
		// rm is idempotent (spec.md §7): an already-missing task is success.
		if ferr.Is(err, ferr.KindNotFound) {
			return okResponse(id, map[string]any{"removed": true})
		}
		return errResponse(id, err)
	}
	if _, err := task.Next(t.Status, task.EventRm); err != nil {
		return errResponse(id, err)
	}
	d.runEffects(proj, t, task.EffectsFor(t.Status, task.EventRm))
	if err := proj.Store.Remove(t.ID, t.Slug); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, map[string]any{"removed": true})
}

func (d *Deps) taskMerge(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, t, err := d.findTask(p.ProjectRoot, p.ID)
	if err != nil {
		return errResponse(id, err)
	}
	to, err := task.Next(t.Status, task.EventMerge)
	if err != nil {
		return errResponse(id, err)
	}
	branch := proj.Paths.BranchName(t.ID, t.Slug)
	if err := proj.Repo.FastForwardMerge(t.BaseBranch, branch); err != nil {
		return errResponse(id, err)
	}
	t.Status = to
	if err := proj.Store.Write(t); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, taskView(t))
}

// applyTransition handles every event whose effects are limited to killing
// the session, pruning git state, and persisting the new status: stop,
// complete, fail, reset. (start and rm need extra steps and get their own
// handlers above.)
func (d *Deps) applyTransition(_ net.Conn, raw json.RawMessage, id any, ev task.Event) *Response {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, t, err := d.findTask(p.ProjectRoot, p.ID)
	if err != nil {
		return errResponse(id, err)
	}
	to, err := task.Next(t.Status, ev)
	if err != nil {
		return errResponse(id, err)
	}
	d.runEffects(proj, t, task.EffectsFor(t.Status, ev))
	t.Status = to
	if err := proj.Store.Write(t); err != nil {
		return errResponse(id, err)
	}
	return okResponse(id, taskView(t))
}

// runEffects performs the deterministic side-effect order spec.md §4.H
// requires: kill the session, then mutate git. Markdown persistence is left
// to the caller, which always happens last.
func (d *Deps) runEffects(proj *Project, t *task.Task, effects task.Effects) {
	key := registry.KeyFor(proj.Paths.Root(), t.Ref())
	if effects.KillSession {
		if sess, ok := d.Projects.Registry().Get(key); ok {
			sess.Kill()
		}
	}
	if effects.RemoveSession {
		d.Projects.Registry().Remove(key)
	}
	if effects.PruneWorktree {
		worktreeDir := proj.Paths.WorktreeDir(t.ID, t.Slug)
		branch := proj.Paths.BranchName(t.ID, t.Slug)
		_, _ = proj.Repo.PruneWorktreeIfExists(worktreeDir)
		proj.Repo.DeleteBranchIfExists(branch)
	}
}

// startSession creates the worktree+branch (mode == ModeStart only) and
// opens a fresh PTY session for t, registering it and setting t.Status to
// Running. The caller persists t afterward.
func (d *Deps) startSession(proj *Project, t *task.Task, mode agent.Mode) error {
	root := proj.Paths.Root()
	worktreeDir := proj.Paths.WorktreeDir(t.ID, t.Slug)
	branch := proj.Paths.BranchName(t.ID, t.Slug)

	if mode == agent.ModeStart {
		if err := proj.Repo.EnsureBranchAt(t.BaseBranch, branch); err != nil {
			return err
		}
		if err := proj.Repo.AddWorktree(worktreeDir, branch); err != nil {
			return err
		}
	}

	cfg, err := proj.Catalog.Lookup(t.Agent)
	if err != nil {
		return err
	}
	tc := agent.TaskContext{ID: t.ID, Body: t.Body, ProjectRoot: root}
	extraEnv := agent.LoadEnvFile(filepath.Join(proj.Paths.AgencyDir(), "env"))
	action, err := agent.Resolve(cfg, mode, tc, worktreeDir, extraEnv)
	if err != nil {
		return err
	}

	sess, err := ptysession.Open(t.Ref(), worktreeDir, action, ringCapBytes)
	if err != nil {
		return err
	}
	key := registry.KeyFor(root, t.Ref())
	if err := d.Projects.Registry().Put(key, sess); err != nil {
		sess.Kill()
		return err
	}
	t.Status = task.StatusRunning
	return nil
}

// taskGCParams scopes a gc sweep to one project.
type taskGCParams struct {
	projectParams
}

// taskGC implements the supplemented garbage-collection operation, grounded
// on the original gc command: sweep worktree directories and branches with
// no corresponding task file.
func (d *Deps) taskGC(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p taskGCParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		return errResponse(id, err)
	}
	tasks, err := proj.Store.List()
	if err != nil {
		return errResponse(id, err)
	}
	valid := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		valid[filepath.Base(proj.Paths.WorktreeDir(t.ID, t.Slug))] = true
	}

	var prunedWorktrees, deletedBranches int

	entries, err := os.ReadDir(proj.Paths.WorktreesDir())
	if err != nil && !os.IsNotExist(err) {
		return errResponse(id, ferr.Wrap(ferr.KindIO, "read worktrees directory", err).WithIdent(proj.Paths.WorktreesDir()))
	}
	for _, e := range entries {
		if !e.IsDir() || valid[e.Name()] {
			continue
		}
		path := filepath.Join(proj.Paths.WorktreesDir(), e.Name())
		if existed, _ := proj.Repo.PruneWorktreeIfExists(path); existed {
			prunedWorktrees++
		}
	}

	branches, err := proj.Repo.ListBranchesWithPrefix("agency")
	if err != nil {
		return errResponse(id, err)
	}
	for _, name := range branches {
		if valid[name] {
			continue
		}
		// Safety check: if a worktree directory for this branch still
		// exists (e.g. the sweep above failed to remove it), skip deleting
		// the branch so the worktree is never left pointing at nothing.
		worktreePath := filepath.Join(proj.Paths.WorktreesDir(), name)
		if dirExists(worktreePath) {
			continue
		}
		if proj.Repo.DeleteBranchIfExists("agency/" + name) {
			deletedBranches++
		}
	}

	return okResponse(id, map[string]any{
		"pruned_worktrees": prunedWorktrees,
		"deleted_branches": deletedBranches,
	})
}

func dirExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ---- pty.* ----

type ptyAttachParams struct {
	projectParams
	TaskID uint64 `json:"task_id"`
	Replay bool   `json:"replay"`
}

// ptyAttach upgrades the connection to the Attach Protocol. It sends the
// handshake acknowledgement itself and returns nil so the dispatcher leaves
// the connection open under attach.Serve's ownership.
func (d *Deps) ptyAttach(conn net.Conn, raw json.RawMessage, id any) *Response {
	var p ptyAttachParams
	if err := json.Unmarshal(raw, &p); err != nil {
		resp := invalidParams(id, err)
		writeResponse(conn, resp)
		conn.Close()
		return nil
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		resp := errResponse(id, err)
		writeResponse(conn, resp)
		conn.Close()
		return nil
	}
	key := registry.KeyFor(proj.Paths.Root(), task.Ref{ID: p.TaskID})
	sess, ok := d.Projects.Registry().Get(key)
	if !ok {
		resp := errResponse(id, ferr.New(ferr.KindNotFound, "no running session for task; start it first").WithIdent(taskIdent(p.TaskID)))
		writeResponse(conn, resp)
		conn.Close()
		return nil
	}

	writeResponse(conn, okResponse(id, map[string]any{"upgraded": true}))
	attach.Serve(conn, sess, attach.AttachRequestPayload{TaskID: p.TaskID, Replay: p.Replay})
	conn.Close()
	return nil
}

func (d *Deps) ptyListSessions(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p projectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		return errResponse(id, err)
	}
	root := proj.Paths.Root()
	all := d.Projects.Registry().List()
	var out []map[string]any
	for key, sess := range all {
		if key.ProjectRoot != root {
			continue
		}
		st := sess.Stats()
		out = append(out, map[string]any{
			"task_id":      key.TaskID,
			"liveness":     livenessString(sess.Liveness()),
			"dsr_probes":   st.DSRProbes,
			"output_bytes": st.BytesWritten,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["task_id"].(uint64) < out[j]["task_id"].(uint64) })
	return okResponse(id, out)
}

type notifyParams struct {
	projectParams
	SinceGen uint64 `json:"since_gen"`
}

// notifyLongPollTimeout bounds how long a pty.notify_tasks_changed call
// blocks waiting for the next fsnotify-driven generation bump before
// returning the unchanged snapshot anyway, so a CLI watch loop's RPC call
// never hangs forever.
const notifyLongPollTimeout = 25 * time.Second

// ptyNotifyTasksChanged long-polls: if since_gen is the watcher's current
// generation, it blocks (up to notifyLongPollTimeout) until a task file is
// created, written, removed, or renamed under the tasks directory, then
// returns the fresh listing and the new generation for the caller's next
// call — letting a CLI watch view repaint only when something changed
// instead of polling on a fixed interval (SPEC_FULL.md's supplemented
// project-scoped event subscription feature).
func (d *Deps) ptyNotifyTasksChanged(_ net.Conn, raw json.RawMessage, id any) *Response {
	var p notifyParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return invalidParams(id, err)
	}
	proj, err := d.Projects.Get(p.ProjectRoot)
	if err != nil {
		return errResponse(id, err)
	}

	if p.SinceGen >= proj.Watcher.Generation() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyLongPollTimeout)
		defer cancel()
		proj.Watcher.Wait(ctx, p.SinceGen)
	}

	tasks, err := proj.Store.List()
	if err != nil {
		return errResponse(id, err)
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{"id": t.ID, "slug": t.Slug, "status": string(t.Status)})
	}
	return okResponse(id, map[string]any{
		"gen":   proj.Watcher.Generation(),
		"tasks": out,
	})
}

// ---- shared helpers ----

// findTask resolves a project and its task by id, searching the store's
// listing since the store itself is keyed by (id, slug).
func (d *Deps) findTask(projectRoot string, id uint64) (*Project, *task.Task, error) {
	proj, err := d.Projects.Get(projectRoot)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := proj.Store.List()
	if err != nil {
		return nil, nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return proj, t, nil
		}
	}
	return nil, nil, ferr.New(ferr.KindNotFound, "no such task").WithIdent(taskIdent(id))
}

func taskIdent(id uint64) string {
	return "#" + itoa(id)
}

func itoa(id uint64) string {
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = byte('0' + id%10)
		id /= 10
	}
	return string(buf[i:])
}

func taskView(t *task.Task) map[string]any {
	return map[string]any{
		"id":          t.ID,
		"slug":        t.Slug,
		"status":      string(t.Status),
		"base_branch": t.BaseBranch,
		"agent":       t.Agent,
		"labels":      t.Labels,
		"title":       t.Title,
		"body":        t.Body,
	}
}

func livenessString(l ptysession.Liveness) string {
	if l == ptysession.LivenessExited {
		return "exited"
	}
	return "running"
}
