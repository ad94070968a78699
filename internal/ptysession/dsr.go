package ptysession

// dsrDetector counts Device-Status-Report cursor-position probes
// (`ESC[6n` or `ESC[?6n`) in a PTY output stream, across chunk boundaries.
// The daemon never answers these; they're only a liveness signal that the
// agent process is still alive and interacting with its terminal
// (spec.md §4.E.4).
type dsrDetector struct {
	partial []byte // bytes of a possible probe straddling a chunk boundary
	count   uint64
}

// dsrStandard is "ESC[6n"; dsrPrivate is the DEC-private "ESC[?6n" variant.
var (
	dsrStandard = []byte{esc, '[', '6', 'n'}
	dsrPrivate  = []byte{esc, '[', '?', '6', 'n'}
)

// consume scans chunk (prefixed by any carried-over partial match) for DSR
// probes and returns how many were found.
func (d *dsrDetector) consume(chunk []byte) uint64 {
	buf := append(d.partial, chunk...)
	d.partial = nil

	var found uint64
	i := 0
	for i < len(buf) {
		if buf[i] != esc {
			i++
			continue
		}
		if n, ok := matchAt(buf, i); ok {
			found++
			i += n
			continue
		}
		// Might be the prefix of a probe that continues in the next chunk.
		if isPrefixOfEither(buf[i:]) {
			d.partial = append(d.partial, buf[i:]...)
			break
		}
		i++
	}
	d.count += found
	return found
}

// matchAt reports whether one of the known probes starts at buf[i], and its
// length if so.
func matchAt(buf []byte, i int) (int, bool) {
	if hasPrefixAt(buf, i, dsrPrivate) {
		return len(dsrPrivate), true
	}
	if hasPrefixAt(buf, i, dsrStandard) {
		return len(dsrStandard), true
	}
	return 0, false
}

func hasPrefixAt(buf []byte, i int, pattern []byte) bool {
	if i+len(pattern) > len(buf) {
		return false
	}
	for j, c := range pattern {
		if buf[i+j] != c {
			return false
		}
	}
	return true
}

// isPrefixOfEither reports whether buf is a strict prefix of either known
// probe pattern, meaning it might complete into a match with more bytes.
func isPrefixOfEither(buf []byte) bool {
	return isPrefixOf(buf, dsrStandard) || isPrefixOf(buf, dsrPrivate)
}

func isPrefixOf(buf, pattern []byte) bool {
	if len(buf) >= len(pattern) {
		return false
	}
	for i, c := range buf {
		if pattern[i] != c {
			return false
		}
	}
	return true
}

// total returns the cumulative number of probes seen so far.
func (d *dsrDetector) total() uint64 { return d.count }
