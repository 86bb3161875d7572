package exchange

import "strings"

// =============================================================================
// TIME SLOT COMPARISON - start-time-only, by business rule
// =============================================================================

// TimeSlotsCompatible compares two "HH:MM - HH:MM" display strings on their
// start time only. End-time drift between a listing and the planning record
// it came from is tolerated on purpose: historical imports disagree on end
// times, and blocking a trade over that mismatch was judged worse than
// accepting it. Keep every time-slot comparison in the engine behind this
// predicate.
func TimeSlotsCompatible(a, b string) bool {
	return slotStart(a) == slotStart(b)
}

func slotStart(s string) string {
	if i := strings.Index(s, " - "); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
