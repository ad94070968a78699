package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilename(t *testing.T) {
	id, slug, ok := ParseFilename("42-fix-login-bug.md")
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, "fix-login-bug", slug)

	_, _, ok = ParseFilename("not-a-task-file.txt")
	assert.False(t, ok)

	_, _, ok = ParseFilename("42-Invalid_Slug.md")
	assert.False(t, ok, "slug with uppercase/underscore must be rejected")
}

func TestStoreWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	tk := &Task{
		ID:   1,
		Slug: "add-metrics",
		FrontMatter: FrontMatter{
			Status:     StatusDraft,
			BaseBranch: "main",
			Agent:      "claude",
			Labels:     []string{"backend"},
			Title:      "Add metrics endpoint",
		},
		Body: "Wire up a /metrics endpoint.\n",
	}
	require.NoError(t, s.Write(tk))

	got, err := s.Read(1, "add-metrics")
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, got.Status)
	assert.Equal(t, "main", got.BaseBranch)
	assert.Equal(t, "claude", got.Agent)
	assert.Equal(t, []string{"backend"}, got.Labels)
	assert.Equal(t, "Add metrics endpoint", got.Title)
	assert.Equal(t, "Wire up a /metrics endpoint.\n", got.Body)
}

func TestStoreWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	tk := &Task{ID: 7, Slug: "atomic-write", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}}
	require.NoError(t, s.Write(tk))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "no temp files should survive a completed write")
	}
}

func TestStoreReadNotFound(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.Read(99, "missing")
	assert.Error(t, err)
}

func TestStoreReadMalformedFrontMatter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-bad.md"), []byte("no front matter here\n"), 0o644))
	s := NewStore(dir)
	_, err := s.Read(1, "bad")
	assert.Error(t, err)
}

func TestStoreListOrdersByID(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	for _, tk := range []*Task{
		{ID: 3, Slug: "third", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}},
		{ID: 1, Slug: "first", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}},
		{ID: 2, Slug: "second", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}},
	} {
		require.NoError(t, s.Write(tk))
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{list[0].ID, list[1].ID, list[2].ID})
}

func TestStoreListSkipsUnparsableFilenames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a task"), 0o644))
	s := NewStore(dir)
	require.NoError(t, s.Write(&Task{ID: 1, Slug: "ok", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Slug)
}

func TestNextID(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	id, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "empty tasks dir starts at 1")

	require.NoError(t, s.Write(&Task{ID: 5, Slug: "five", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}}))
	id, err = s.NextID()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), id)
}

func TestSlugExists(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Write(&Task{ID: 1, Slug: "taken", FrontMatter: FrontMatter{Status: StatusDraft, BaseBranch: "main"}}))

	exists, err := s.SlugExists("taken")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.SlugExists("free")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	assert.NoError(t, s.Remove(1, "never-existed"))
}
