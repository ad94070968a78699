package ptysession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDSRDetectsStandardProbe(t *testing.T) {
	var d dsrDetector
	assert.Equal(t, uint64(1), d.consume([]byte("\x1b[6n")))
}

func TestDSRDetectsPrivateProbe(t *testing.T) {
	var d dsrDetector
	assert.Equal(t, uint64(1), d.consume([]byte("\x1b[?6n")))
}

func TestDSRIgnoresSimilarSequence(t *testing.T) {
	var d dsrDetector
	assert.Equal(t, uint64(0), d.consume([]byte("\x1b[16n")))
}

func TestDSRHandlesChunkBoundaries(t *testing.T) {
	var d dsrDetector
	assert.Equal(t, uint64(0), d.consume([]byte("\x1b[")))
	assert.Equal(t, uint64(0), d.consume([]byte("6")))
	assert.Equal(t, uint64(1), d.consume([]byte("n")))
}

func TestDSRCountsMultipleRequests(t *testing.T) {
	var d dsrDetector
	assert.Equal(t, uint64(2), d.consume([]byte("\x1b[6n\x1b[?6n")))
	assert.Equal(t, uint64(2), d.total())
}
