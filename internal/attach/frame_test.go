package attach

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindInput, []byte("hello")))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindInput, kind)
	assert.Equal(t, []byte("hello"), payload)
}

func TestWriteAndReadEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindDetach, nil))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindDetach, kind)
	assert.Empty(t, payload)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{KindInput, 0xff, 0xff, 0xff, 0xff}
	buf.Write(hdr)

	_, _, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestResizeEncodeDecodeRoundTrip(t *testing.T) {
	p := ResizePayload{Cols: 120, Rows: 40}
	b := EncodeResize(p)
	got, err := DecodeResize(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeResizeRejectsWrongLength(t *testing.T) {
	_, err := DecodeResize([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestWriteJSONFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONFrame(&buf, KindAttachRequest, AttachRequestPayload{TaskID: 7, Replay: true}))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindAttachRequest, kind)
	assert.Contains(t, string(payload), `"task_id":7`)
}

func TestIndexOfDetachKey(t *testing.T) {
	assert.Equal(t, 3, indexOfDetachKey([]byte{'a', 'b', 'c', 0x11, 'd'}))
	assert.Equal(t, -1, indexOfDetachKey([]byte{'a', 'b', 'c'}))
}
