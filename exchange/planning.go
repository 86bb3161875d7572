/*
planning.go - Dual-layout planning access

PURPOSE:
  A planning document stores assignments either in a flat map keyed by slot
  key, or nested under named period partitions (each a date sub-range with
  its own map). Historically both layouts coexist in production data, so
  every read and write in the engine must transparently probe both.

  PlanningAccessor hides that branch behind Find/Remove/Add so the dual
  lookup is written once instead of being repeated at every call site.

INVARIANT:
  An assignment for a given slot key appears in at most one location: the
  flat map XOR exactly one period. Add always removes before inserting so a
  restore can never duplicate an assignment across layouts.

SEE ALSO:
  - trade.go:   Moves assignments between plannings through the accessor
  - history.go: Restores assignments to their recorded period location
*/
package exchange

// PlanningAccessor wraps one planning document and hides the dual layout.
type PlanningAccessor struct {
	p *Planning
}

// NewPlanningAccessor wraps p. A nil planning is promoted to an empty one so
// a user without a generated planning can still receive an assignment.
func NewPlanningAccessor(p *Planning) *PlanningAccessor {
	if p == nil {
		p = &Planning{}
	}
	return &PlanningAccessor{p: p}
}

func (pa *PlanningAccessor) Planning() *Planning { return pa.p }

// Find locates the assignment for slotKey across both layouts. The returned
// periodID is "" when the assignment lives in the flat map.
func (pa *PlanningAccessor) Find(slotKey string) (Assignment, string, bool) {
	if a, ok := pa.p.Assignments[slotKey]; ok {
		return a, "", true
	}
	for id, period := range pa.p.Periods {
		if period == nil {
			continue
		}
		if a, ok := period.Assignments[slotKey]; ok {
			return a, id, true
		}
	}
	return Assignment{}, "", false
}

// Remove deletes the assignment for slotKey wherever it lives. Reports
// whether anything was removed and from which period ("" = flat map).
func (pa *PlanningAccessor) Remove(slotKey string) (string, bool) {
	if _, ok := pa.p.Assignments[slotKey]; ok {
		delete(pa.p.Assignments, slotKey)
		return "", true
	}
	for id, period := range pa.p.Periods {
		if period == nil {
			continue
		}
		if _, ok := period.Assignments[slotKey]; ok {
			delete(period.Assignments, slotKey)
			return id, true
		}
	}
	return "", false
}

// Add inserts a under slotKey. periodHint names the period partition the
// assignment should land in; "" targets the flat map. A hint for a period
// that no longer exists falls back to a covering period, then any period,
// then the flat map. Any previous occupant of the slot is removed first so
// the single-location invariant holds.
func (pa *PlanningAccessor) Add(slotKey string, a Assignment, periodHint string) string {
	pa.Remove(slotKey)

	target := pa.resolvePeriod(periodHint, a.Date)
	if target == "" {
		if pa.p.Assignments == nil {
			pa.p.Assignments = make(map[string]Assignment)
		}
		pa.p.Assignments[slotKey] = a
		return ""
	}

	period := pa.p.Periods[target]
	if period.Assignments == nil {
		period.Assignments = make(map[string]Assignment)
	}
	period.Assignments[slotKey] = a
	return target
}

// PreferredPeriod picks where a newly received assignment should live for
// this user: the period whose date range covers date, else any existing
// period, else "" (flat map).
func (pa *PlanningAccessor) PreferredPeriod(date string) string {
	return pa.resolvePeriod("", date)
}

func (pa *PlanningAccessor) resolvePeriod(hint, date string) string {
	if hint != "" {
		if p, ok := pa.p.Periods[hint]; ok && p != nil {
			return hint
		}
	}
	// Covering period: ISO dates compare lexicographically.
	for id, p := range pa.p.Periods {
		if p == nil {
			continue
		}
		if p.StartDate != "" && p.EndDate != "" && p.StartDate <= date && date <= p.EndDate {
			return id
		}
	}
	for id, p := range pa.p.Periods {
		if p != nil {
			return id
		}
	}
	return ""
}
