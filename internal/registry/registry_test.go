package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/fleet/internal/agent"
	"github.com/ianremillard/fleet/internal/ptysession"
	"github.com/ianremillard/fleet/internal/task"
)

func newTestSession(t *testing.T) *ptysession.Session {
	t.Helper()
	action := agent.Action{Program: "sh", Args: []string{"-c", "sleep 1"}, Env: []string{"TERM=xterm-256color"}}
	s, err := ptysession.Open(task.Ref{ID: 1, Slug: "test"}, t.TempDir(), action, 1<<20)
	require.NoError(t, err)
	t.Cleanup(s.Kill)
	return s
}

func TestPutAndGet(t *testing.T) {
	r := New()
	s := newTestSession(t)
	key := Key{ProjectRoot: "/repo", TaskID: 1}

	require.NoError(t, r.Put(key, s))
	got, ok := r.Get(key)
	assert.True(t, ok)
	assert.Same(t, s, got)
}

func TestPutRejectsDuplicate(t *testing.T) {
	r := New()
	s := newTestSession(t)
	key := Key{ProjectRoot: "/repo", TaskID: 1}

	require.NoError(t, r.Put(key, s))
	assert.Error(t, r.Put(key, s))
}

func TestRemove(t *testing.T) {
	r := New()
	s := newTestSession(t)
	key := Key{ProjectRoot: "/repo", TaskID: 1}
	require.NoError(t, r.Put(key, s))

	r.Remove(key)
	_, ok := r.Get(key)
	assert.False(t, ok)
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() { r.Remove(Key{ProjectRoot: "/nope", TaskID: 99}) })
}

func TestListSnapshot(t *testing.T) {
	r := New()
	s1, s2 := newTestSession(t), newTestSession(t)
	require.NoError(t, r.Put(Key{ProjectRoot: "/a", TaskID: 1}, s1))
	require.NoError(t, r.Put(Key{ProjectRoot: "/b", TaskID: 2}, s2))

	list := r.List()
	assert.Len(t, list, 2)
}

func TestKeyForUsesTaskID(t *testing.T) {
	k := KeyFor("/repo", task.Ref{ID: 5, Slug: "ignored-for-key"})
	assert.Equal(t, Key{ProjectRoot: "/repo", TaskID: 5}, k)
}
