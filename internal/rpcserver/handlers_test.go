package rpcserver

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/fleet/internal/registry"
)

// initGitRepo creates an empty repo with one commit on main, so task.start
// and task.gc have something to branch from.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestDeps(t *testing.T, root string) *Deps {
	t.Helper()
	projects := NewProjects(registry.New())
	t.Cleanup(projects.Close)
	return &Deps{Projects: projects, SocketPath: filepath.Join(root, "fleetd.sock")}
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestTaskNewAndList(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)

	resp := d.taskNew(nil, rawParams(t, taskNewParams{
		projectParams: projectParams{ProjectRoot: root},
		Slug:          "fix-login",
		Title:         "Fix login bug",
	}), 1)
	require.Nil(t, resp.Error)

	var created map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, resp.Result), &created))
	assert.Equal(t, "draft", created["status"])
	assert.Equal(t, "fix-login", created["slug"])

	listResp := d.taskList(nil, rawParams(t, projectParams{ProjectRoot: root}), 2)
	require.Nil(t, listResp.Error)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, listResp.Result), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "fix-login", views[0]["slug"])
}

func TestTaskNewDuplicateSlugIsConflict(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)

	params := taskNewParams{projectParams: projectParams{ProjectRoot: root}, Slug: "dup"}
	resp := d.taskNew(nil, rawParams(t, params), 1)
	require.Nil(t, resp.Error)

	resp2 := d.taskNew(nil, rawParams(t, params), 2)
	require.NotNil(t, resp2.Error)
	assert.Equal(t, codeConflict, resp2.Error.Code)
}

func TestTaskRmIsIdempotent(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)

	resp := d.taskRm(nil, rawParams(t, taskIDParams{projectParams: projectParams{ProjectRoot: root}, ID: 999}), 1)
	require.Nil(t, resp.Error)
	var out map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, resp.Result), &out))
	assert.Equal(t, true, out["removed"])
}

func TestTaskLifecycleStartStop(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)

	// Write a catalog entry so task.start can resolve an agent.
	agencyDir := filepath.Join(root, ".agency")
	require.NoError(t, os.MkdirAll(agencyDir, 0o755))
	catalogYAML := "sleeper:\n  start: [\"sh\", \"-c\", \"sleep 5\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(agencyDir, "agents.yaml"), []byte(catalogYAML), 0o644))

	newResp := d.taskNew(nil, rawParams(t, taskNewParams{
		projectParams: projectParams{ProjectRoot: root},
		Slug:          "build-feature",
	}), 1)
	require.Nil(t, newResp.Error)
	var created map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, newResp.Result), &created))
	id := uint64(created["id"].(float64))

	// task.new with an agent would start the task at once, so the draft is
	// created without one and the agent is set on its file before task.start.
	proj, err := d.Projects.Get(root)
	require.NoError(t, err)
	draft, err := proj.Store.Read(id, "build-feature")
	require.NoError(t, err)
	draft.Agent = "sleeper"
	require.NoError(t, proj.Store.Write(draft))

	startResp := d.taskStart(nil, rawParams(t, taskIDParams{projectParams: projectParams{ProjectRoot: root}, ID: id}), 2)
	require.Nil(t, startResp.Error)
	var started map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, startResp.Result), &started))
	assert.Equal(t, "running", started["status"])

	assert.DirExists(t, proj.Paths.WorktreeDir(id, "build-feature"))

	stopResp := d.taskStop(nil, rawParams(t, taskIDParams{projectParams: projectParams{ProjectRoot: root}, ID: id}), 3)
	require.Nil(t, stopResp.Error)
	var stopped map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, stopResp.Result), &stopped))
	assert.Equal(t, "stopped", stopped["status"])

	// Worktree must survive a stop (only the session is killed).
	assert.DirExists(t, proj.Paths.WorktreeDir(id, "build-feature"))
}

func TestTaskGCPrunesOrphanWorktreeAndBranch(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)
	proj, err := d.Projects.Get(root)
	require.NoError(t, err)

	orphanBranch := proj.Paths.BranchName(99, "ghost")
	orphanDir := proj.Paths.WorktreeDir(99, "ghost")
	require.NoError(t, proj.Repo.EnsureBranchAt("main", orphanBranch))
	require.NoError(t, proj.Repo.AddWorktree(orphanDir, orphanBranch))

	gcResp := d.taskGC(nil, rawParams(t, taskGCParams{projectParams{ProjectRoot: root}}), 1)
	require.Nil(t, gcResp.Error)
	var out map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, gcResp.Result), &out))
	assert.EqualValues(t, 1, out["pruned_worktrees"])
	assert.EqualValues(t, 1, out["deleted_branches"])

	assert.NoDirExists(t, orphanDir)
	assert.False(t, proj.Repo.BranchExists(orphanBranch))
}

func TestPtyAttachRejectsWithNoRunningSession(t *testing.T) {
	root := initGitRepo(t)
	d := newTestDeps(t, root)

	newResp := d.taskNew(nil, rawParams(t, taskNewParams{
		projectParams: projectParams{ProjectRoot: root},
		Slug:          "idle-task",
	}), 1)
	require.Nil(t, newResp.Error)
	var created map[string]any
	require.NoError(t, json.Unmarshal(mustMarshal(t, newResp.Result), &created))
	id := uint64(created["id"].(float64))

	client, server := net.Pipe()
	defer client.Close()

	params := rawParams(t, ptyAttachParams{
		projectParams: projectParams{ProjectRoot: root},
		TaskID:        id,
	})
	done := make(chan *Response, 1)
	go func() { done <- d.ptyAttach(server, params, 1) }()

	respBytes, err := io.ReadAll(client)
	require.NoError(t, err)
	resp := <-done
	assert.Nil(t, resp) // handler owns the connection and writes its own reply

	var rpcResp Response
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, codeNotFound, rpcResp.Error.Code)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
