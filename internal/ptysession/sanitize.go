package ptysession

// Sanitizer applies the output sanitization rules from spec.md §4.E.3 to a
// stream of PTY output chunks. Because the Transcript Ring may replay from an
// arbitrary mid-stream offset, every chunk passed to Process is checked
// against the head rules as if it might start mid-sequence. The only state
// carried between calls records that the previous chunk's tail (a partial CSI
// or a bare ESC) was truncated; it is cleared on the next call.
type Sanitizer struct {
	pendingCSI    bool // previous chunk ended with an incomplete CSI sequence
	pendingEscape bool // previous chunk ended with a bare trailing ESC

	droppedHead uint64
	droppedTail uint64
}

const esc = 0x1b

// isPrintableASCII reports whether b is in the printable ASCII range.
func isPrintableASCII(b byte) bool {
	return b >= 0x20 && b < 0x7f
}

// isCSIFinal reports whether b is a valid CSI final byte.
func isCSIFinal(b byte) bool {
	return b >= 0x40 && b <= 0x7e
}

// Process applies the sanitization rules to chunk and returns the cleaned
// bytes. Rules are applied in the order spec.md §4.E.3 lists them.
func (s *Sanitizer) Process(chunk []byte) []byte {
	if s.pendingCSI || s.pendingEscape {
		// The previous chunk's trailing partial sequence was truncated, not
		// buffered, so this chunk is evaluated fresh against rule 1 below —
		// there is nothing further to splice back in.
		s.pendingCSI = false
		s.pendingEscape = false
	}

	b := chunk

	// Rule 1: if the first byte isn't printable ASCII, \n, or ESC, drop up to
	// and including the next \n.
	if len(b) > 0 {
		first := b[0]
		if !isPrintableASCII(first) && first != '\n' && first != esc {
			idx := indexByte(b, '\n')
			if idx == -1 {
				s.droppedHead += uint64(len(b))
				return nil
			}
			s.droppedHead += uint64(idx + 1)
			b = b[idx+1:]
		}
	}

	// Rule 2: a CSI sequence at the head is dropped. An ESC-prefixed CSI
	// with no final byte yet is incomplete and we cannot know how it will
	// resolve, so the whole chunk is dropped. A headless CSI (a bare
	// "[...final" run with no leading ESC — e.g. a replay starting
	// mid-sequence) is never a "complete ESC-prefixed CSI", so it is
	// always stripped through its final byte, and scanning continues in
	// case another CSI run follows immediately.
	for len(b) > 0 {
		start := -1
		switch {
		case len(b) >= 2 && b[0] == esc && b[1] == '[':
			start = 2
		case b[0] == '[':
			start = 1
		}
		if start == -1 {
			break
		}
		finalIdx := -1
		for i := start; i < len(b); i++ {
			if isCSIFinal(b[i]) {
				finalIdx = i
				break
			}
		}
		if finalIdx == -1 {
			s.droppedHead += uint64(len(b))
			return nil
		}
		if start == 2 {
			// Complete ESC-prefixed CSI: allowed to stand.
			break
		}
		s.droppedHead += uint64(finalIdx + 1)
		b = b[finalIdx+1:]
	}

	// Rule 3: normalize line endings.
	b = normalizeNewlines(b)

	// Rule 4: truncate a trailing partial CSI or bare ESC.
	if n := len(b); n > 0 {
		if b[n-1] == esc {
			s.pendingEscape = true
			s.droppedTail++
			b = b[:n-1]
		} else if idx := lastIndexByte(b, esc); idx != -1 && idx+1 < len(b) && b[idx+1] == '[' {
			finalIdx := -1
			for i := idx + 2; i < len(b); i++ {
				if isCSIFinal(b[i]) {
					finalIdx = i
					break
				}
			}
			if finalIdx == -1 {
				s.pendingCSI = true
				s.droppedTail += uint64(len(b) - idx)
				b = b[:idx]
			}
		}
	}

	return b
}

// DroppedHead and DroppedTail report cumulative dropped-byte counts for
// observability (spec.md §4.E.3's final rule).
func (s *Sanitizer) DroppedHead() uint64 { return s.droppedHead }
func (s *Sanitizer) DroppedTail() uint64 { return s.droppedTail }

func normalizeNewlines(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] == '\r' {
			if i+1 < len(b) && b[i+1] == '\n' {
				out = append(out, '\n')
				i++
				continue
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b[i])
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}
