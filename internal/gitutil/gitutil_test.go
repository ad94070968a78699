package gitutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "--quiet", "--initial-branch=main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "--quiet", "-m", "initial commit")
	return dir
}

func TestEnsureBranchAtCreatesBranch(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)

	require.NoError(t, r.EnsureBranchAt("main", "agency/1-add-metrics"))
	assert.True(t, r.BranchExists("agency/1-add-metrics"))
}

func TestEnsureBranchAtIsNoopIfExists(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)

	require.NoError(t, r.EnsureBranchAt("main", "agency/1-task"))
	require.NoError(t, r.EnsureBranchAt("main", "agency/1-task"))
	assert.True(t, r.BranchExists("agency/1-task"))
}

func TestEnsureBranchAtFailsWithoutCommits(t *testing.T) {
	dir := t.TempDir()
	cmd := exec.Command("git", "init", "--quiet", "--initial-branch=main")
	cmd.Dir = dir
	require.NoError(t, cmd.Run())

	r := NewRepo(dir)
	err := r.EnsureBranchAt("main", "agency/1-task")
	assert.Error(t, err)
}

func TestAddAndPruneWorktree(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)
	require.NoError(t, r.EnsureBranchAt("main", "agency/1-task"))

	wtPath := filepath.Join(t.TempDir(), "1-task")
	require.NoError(t, r.AddWorktree(wtPath, "agency/1-task"))
	_, err := os.Stat(wtPath)
	require.NoError(t, err)

	existed, err := r.PruneWorktreeIfExists(wtPath)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = os.Stat(wtPath)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneWorktreeIfExistsReportsAbsence(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)

	existed, err := r.PruneWorktreeIfExists(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDeleteBranchIfExists(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)
	require.NoError(t, r.EnsureBranchAt("main", "agency/1-task"))

	assert.True(t, r.DeleteBranchIfExists("agency/1-task"))
	assert.False(t, r.BranchExists("agency/1-task"))
	assert.False(t, r.DeleteBranchIfExists("agency/1-task"), "second delete reports it was already gone")
}

func TestMetricsCountsCommitsAheadAndDirtyState(t *testing.T) {
	dir := initRepo(t)
	r := NewRepo(dir)
	require.NoError(t, r.EnsureBranchAt("main", "agency/1-task"))

	wtPath := filepath.Join(t.TempDir(), "1-task")
	require.NoError(t, r.AddWorktree(wtPath, "agency/1-task"))

	m, err := r.Metrics(wtPath, "main")
	require.NoError(t, err)
	assert.Equal(t, 0, m.CommitsAhead)
	assert.False(t, m.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "new.txt"), []byte("content\n"), 0o644))
	m, err = r.Metrics(wtPath, "main")
	require.NoError(t, err)
	assert.True(t, m.Dirty)

	commit := exec.Command("git", "add", "-A")
	commit.Dir = wtPath
	require.NoError(t, commit.Run())
	commit2 := exec.Command("git", "commit", "--quiet", "-m", "add file")
	commit2.Dir = wtPath
	require.NoError(t, commit2.Run())

	m, err = r.Metrics(wtPath, "main")
	require.NoError(t, err)
	assert.Equal(t, 1, m.CommitsAhead)
	assert.False(t, m.Dirty)
}
