package backendsim

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/alexjbarnes/sessionlink/internal/wire"
)

// recordsAfter returns the records newer than lastID. When lastID is
// empty or unknown the whole history is returned and delta is false.
func recordsAfter(records []wire.Record, lastID string) (out []wire.Record, delta bool) {
	if lastID != "" {
		for i, rec := range records {
			if rec.ID == lastID {
				return append([]wire.Record(nil), records[i+1:]...), true
			}
		}
	}

	return append([]wire.Record(nil), records...), false
}

// sortSessions orders sessions most recently modified first.
func sortSessions(sessions []wire.SessionInfo) {
	slices.SortFunc(sessions, func(a, b wire.SessionInfo) int {
		if c := b.LastModified.Compare(a.LastModified); c != 0 {
			return c
		}

		return cmp.Compare(a.SessionID, b.SessionID)
	})
}

// splitRecords splits a frame into its newline-delimited records.
func splitRecords(data []byte) [][]byte {
	var out [][]byte

	for line := range bytes.SplitSeq(data, []byte{'\n'}) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			out = append(out, line)
		}
	}

	return out
}
