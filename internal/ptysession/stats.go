package ptysession

import (
	"fmt"
	"strings"
	"time"
)

// renderStatsFooter renders the human-readable "===== Session Stats ====="
// block the reader loop pushes into the Transcript Ring exactly once, when
// the child exits (spec.md §4.E step 5), so a reattaching client sees it.
func renderStatsFooter(st Stats) []byte {
	var sb strings.Builder
	sb.WriteString("\n===== Session Stats =====\n")
	fmt.Fprintf(&sb, "duration: %s\n", st.EndedAt.Sub(st.StartedAt).Round(time.Second))
	fmt.Fprintf(&sb, "dsr probes: %d\n", st.DSRProbes)
	fmt.Fprintf(&sb, "output bytes: %d\n", st.BytesWritten)
	if st.ExitErr != nil {
		fmt.Fprintf(&sb, "exit: %v\n", st.ExitErr)
	} else {
		sb.WriteString("exit: 0\n")
	}
	sb.WriteString("==========================\n")
	return []byte(sb.String())
}
