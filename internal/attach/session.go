package attach

import (
	"encoding/json"
	"io"
	"log"
	"net"

	"github.com/ianremillard/fleet/internal/ptysession"
)

// detachKey is the default detach control byte, Ctrl-Q (0x11), matching
// spec.md §4.G's default detach-key.
const detachKey = 0x11

// replayLimitBytes bounds the replay slice sent in the Attached frame,
// distinct from the Transcript Ring's full byte cap (spec.md §4.D/§4.G).
const replayLimitBytes = 64 * 1024

// Serve drives one attach connection against session until the client
// detaches, disconnects, or the child exits. req carries the parsed
// AttachRequest that already upgraded conn into attach mode.
//
// The control-priority requirement (spec.md §4.G) is met by running the
// output-forwarding half and the input-reading half as independent
// goroutines: output backpressure on the socket can never block the
// detach-key scan on the input side.
func Serve(conn net.Conn, session *ptysession.Session, req AttachRequestPayload) {
	ch := make(chan []byte, 64)
	if !session.TryAttach(ch) {
		_ = WriteJSONFrame(conn, KindRejected, RejectedPayload{Reason: "another client is attached"})
		return
	}
	defer session.Detach()

	if req.Replay {
		history := session.Ring().GatherTail(replayLimitBytes)
		if err := WriteJSONFrame(conn, KindAttached, AttachedPayload{HistoryBytes: history}); err != nil {
			return
		}
	} else {
		if err := WriteJSONFrame(conn, KindAttached, AttachedPayload{}); err != nil {
			return
		}
	}

	if session.Liveness() == ptysession.LivenessExited {
		sendExited(conn, session)
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go forwardOutput(conn, ch, stop, done)
	readInput(conn, session)
	close(stop)
	<-done
}

// forwardOutput drains ch (the session's broadcast subscription) to conn as
// Output frames until stop is closed, ch closes, or a write fails.
func forwardOutput(conn net.Conn, ch <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case chunk, ok := <-ch:
			if !ok {
				return
			}
			if err := WriteFrame(conn, KindOutput, chunk); err != nil {
				return
			}
		}
	}
}

// readInput reads client frames and applies Input/Resize/Detach until EOF,
// an error, a Detach frame, or the detach key is seen in the input stream.
func readInput(conn net.Conn, session *ptysession.Session) {
	for {
		kind, payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("attach: read frame: %v", err)
			}
			return
		}
		switch kind {
		case KindInput:
			if idx := indexOfDetachKey(payload); idx != -1 {
				if idx > 0 {
					_ = session.WriteInput(payload[:idx])
				}
				_ = WriteFrame(conn, KindGoodbye, nil)
				return
			}
			_ = session.WriteInput(payload)

		case KindResize:
			rp, err := DecodeResize(payload)
			if err != nil {
				continue
			}
			_ = session.Resize(rp.Rows, rp.Cols)

		case KindDetach:
			_ = WriteFrame(conn, KindGoodbye, nil)
			return
		}
	}
}

func indexOfDetachKey(b []byte) int {
	for i, c := range b {
		if c == detachKey {
			return i
		}
	}
	return -1
}

func sendExited(conn net.Conn, session *ptysession.Session) {
	st := session.Stats()
	data, _ := json.Marshal(map[string]any{
		"dsr_probes":    st.DSRProbes,
		"output_bytes":  st.BytesWritten,
		"started_at":    st.StartedAt,
		"ended_at":      st.EndedAt,
	})
	_ = WriteJSONFrame(conn, KindExited, ExitedPayload{Stats: string(data)})
}
