package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushAndGather(t *testing.T) {
	r := New(1024)
	r.Push([]byte("hello "))
	r.Push([]byte("world"))
	assert.Equal(t, []byte("hello world"), r.Gather())
	assert.Equal(t, uint64(11), r.Total())
}

func TestPushEvictsFromFrontWhenOverCap(t *testing.T) {
	r := New(5)
	r.Push([]byte("abc")) // total 3
	r.Push([]byte("def")) // total 6 > 5, evict "abc" -> total 3
	assert.Equal(t, []byte("def"), r.Gather())
	assert.Equal(t, uint64(3), r.Total())
}

func TestPushEvictsMultipleChunks(t *testing.T) {
	r := New(4)
	r.Push([]byte("aa"))
	r.Push([]byte("bb"))
	r.Push([]byte("ccccc")) // 5 bytes alone exceeds cap; earlier chunks go first, then it too
	assert.Equal(t, uint64(0), r.Total(), "total never exceeds the cap after a push")
	assert.Empty(t, r.Gather(), "an oversized chunk is evicted as well")
}

func TestClearResetsRing(t *testing.T) {
	r := New(1024)
	r.Push([]byte("data"))
	r.Clear()
	assert.Equal(t, uint64(0), r.Total())
	assert.Empty(t, r.Gather())
}

func TestGatherTailReturnsOnlyLastNBytes(t *testing.T) {
	r := New(1024)
	r.Push([]byte("0123456789"))
	assert.Equal(t, []byte("789"), r.GatherTail(3))
}

func TestGatherTailShorterThanNReturnsEverything(t *testing.T) {
	r := New(1024)
	r.Push([]byte("abc"))
	assert.Equal(t, []byte("abc"), r.GatherTail(100))
}

func TestPushCopiesInputSlice(t *testing.T) {
	r := New(1024)
	buf := []byte("mutable")
	r.Push(buf)
	buf[0] = 'X'
	assert.Equal(t, byte('m'), r.Gather()[0], "ring must not alias caller-owned memory")
}
