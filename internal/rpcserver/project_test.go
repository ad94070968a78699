package rpcserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/fleet/internal/registry"
)

func TestGetCachesByCanonicalRoot(t *testing.T) {
	root := t.TempDir()
	projects := NewProjects(registry.New())
	t.Cleanup(projects.Close)

	p1, err := projects.Get(root)
	require.NoError(t, err)
	p2, err := projects.Get(root)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestRootsReflectsCachedProjects(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	projects := NewProjects(registry.New())
	t.Cleanup(projects.Close)

	_, err := projects.Get(a)
	require.NoError(t, err)
	_, err = projects.Get(b)
	require.NoError(t, err)

	roots := projects.Roots()
	assert.Len(t, roots, 2)
	assert.Contains(t, roots, a)
	assert.Contains(t, roots, b)
}

func TestCloseDoesNotPanicWithNoProjects(t *testing.T) {
	projects := NewProjects(registry.New())
	assert.NotPanics(t, func() { projects.Close() })
}
