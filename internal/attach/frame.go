// Package attach implements the Attach Protocol: a length-prefixed frame
// channel layered on the same Unix-socket connection a JSON-RPC request
// handshake upgraded, carrying PTY input/output and control frames between
// one client and one PTY session (spec.md §4.G).
package attach

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame kinds. Client→daemon: AttachRequest, Input, Resize, Detach.
// Daemon→client: Attached, Output, Rejected, Exited, Goodbye.
const (
	KindAttachRequest byte = 0x00
	KindInput         byte = 0x01
	KindResize        byte = 0x02
	KindDetach        byte = 0x03
	KindAttached      byte = 0x10
	KindOutput        byte = 0x11
	KindRejected      byte = 0x12
	KindExited        byte = 0x13
	KindGoodbye       byte = 0x14
)

// maxFramePayload caps a single frame's payload, matching the teacher's
// sanity bound on attach frames.
const maxFramePayload = 1 << 20

// AttachRequestPayload is the JSON body of a KindAttachRequest frame.
type AttachRequestPayload struct {
	TaskID uint64 `json:"task_id"`
	Replay bool   `json:"replay"`
}

// AttachedPayload is the JSON body of a KindAttached frame.
type AttachedPayload struct {
	HistoryBytes []byte `json:"history_bytes,omitempty"`
}

// RejectedPayload is the JSON body of a KindRejected frame.
type RejectedPayload struct {
	Reason string `json:"reason"`
}

// ExitedPayload is the JSON body of a KindExited frame.
type ExitedPayload struct {
	Stats string `json:"stats"`
}

// ResizePayload is the binary body of a KindResize frame: 2-byte cols +
// 2-byte rows, big-endian, matching the teacher's wire layout.
type ResizePayload struct {
	Cols uint16
	Rows uint16
}

// EncodeResize serializes a ResizePayload to its 4-byte wire form.
func EncodeResize(p ResizePayload) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], p.Cols)
	binary.BigEndian.PutUint16(b[2:4], p.Rows)
	return b
}

// DecodeResize parses a 4-byte resize payload.
func DecodeResize(b []byte) (ResizePayload, error) {
	if len(b) != 4 {
		return ResizePayload{}, fmt.Errorf("resize payload must be 4 bytes, got %d", len(b))
	}
	return ResizePayload{
		Cols: binary.BigEndian.Uint16(b[0:2]),
		Rows: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// WriteFrame writes one [1-byte kind][4-byte little-endian length][payload]
// frame to w.
func WriteFrame(w io.Writer, kind byte, payload []byte) error {
	hdr := make([]byte, 5)
	hdr[0] = kind
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (kind byte, payload []byte, err error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	kind = hdr[0]
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFramePayload {
		return 0, nil, fmt.Errorf("attach frame too large: %d bytes", n)
	}
	if n == 0 {
		return kind, nil, nil
	}
	payload = make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

// WriteJSONFrame marshals v and writes it as the payload of a frame.
func WriteJSONFrame(w io.Writer, kind byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, kind, data)
}
