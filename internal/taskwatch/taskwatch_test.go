package taskwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerationStartsAtZero(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(0), w.Generation())
}

func TestWriteBumpsGeneration(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-demo.md"), []byte("hi"), 0o644))

	require.Eventually(t, func() bool {
		return w.Generation() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestWaitReturnsImmediatelyWhenAlreadyAhead(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-demo.md"), []byte("hi"), 0o644))
	require.Eventually(t, func() bool { return w.Generation() > 0 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	gen := w.Wait(ctx, 0)
	assert.GreaterOrEqual(t, gen, uint64(1))
}

func TestWaitTimesOutWithNoChange(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	gen := w.Wait(ctx, w.Generation())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, uint64(0), gen)
}

func TestWaitWakesOnLaterWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	done := make(chan uint64, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- w.Wait(ctx, w.Generation())
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-demo.md"), []byte("hi"), 0o644))

	select {
	case gen := <-done:
		assert.GreaterOrEqual(t, gen, uint64(1))
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not wake up on file write")
	}
}
