/*
validate.go - Pure read-only checks shared by the engine operations

PURPOSE:
  Every business precondition lives here: payload completeness, duplicate
  listing detection, planning assignment lookup with shape matching, prior
  completed-trade gating, and listing status gating. All checks are
  read-only and run inside the read phase of a transaction.

ERROR CONTRACT:
  Each check fails with a typed *Error carrying one of the codes in
  errors.go. Messages are for humans; callers branch on the code.

SEE ALSO:
  - listing.go, trade.go: Callers during their read phase
  - planning.go:          Dual-layout lookup used by assignment checks
*/
package exchange

// =============================================================================
// PAYLOAD VALIDATION
// =============================================================================

// ValidateExchangeData rejects a listing payload missing any required field.
func ValidateExchangeData(e *Exchange) error {
	switch {
	case e == nil:
		return NewError(CodeInvalidExchange, "exchange payload is nil")
	case e.UserID == "":
		return NewError(CodeInvalidExchange, "missing userId")
	case e.Date == "":
		return NewError(CodeInvalidExchange, "missing date")
	case e.Period == "":
		return NewError(CodeInvalidExchange, "missing period")
	case e.ShiftType == "":
		return NewError(CodeInvalidExchange, "missing shiftType")
	case e.TimeSlot == "":
		return NewError(CodeInvalidExchange, "missing timeSlot")
	}
	return nil
}

// =============================================================================
// DUPLICATE LISTING / PRIOR TRADE GATING
// =============================================================================

// VerifyNoExistingExchange fails if the user already has a pending listing
// for the slot. excludeID ignores the document being updated in place.
func VerifyNoExistingExchange(tx Tx, userID, date string, period Period, excludeID string) error {
	existing, err := tx.FindExchanges(ExchangeQuery{
		UserID:    userID,
		Date:      date,
		Period:    period,
		Statuses:  []ExchangeStatus{StatusPending},
		ExcludeID: excludeID,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return NewErrorf(CodeGuardAlreadyExchanged,
			"user %s already has a pending listing for %s", userID, SlotKey(date, period)).
			WithDetail("exchangeId", existing[0].ID)
	}
	return nil
}

// VerifyNoReceivedGuard fails if the user already received this slot through
// a completed trade. Prevents double-dipping: a shift obtained via the
// marketplace cannot be obtained again.
func VerifyNoReceivedGuard(tx Tx, userID, date string, period Period) error {
	entries, err := tx.FindHistory(HistoryQuery{
		Date:     date,
		Period:   period,
		Statuses: []HistoryStatus{HistoryCompleted},
	})
	if err != nil {
		return err
	}
	for _, h := range entries {
		if h.NewUserID == userID {
			return NewErrorf(CodeUserHasGuard,
				"user %s already received a shift on %s", userID, SlotKey(date, period)).
				WithDetail("historyId", h.ID)
		}
	}
	return nil
}

// =============================================================================
// PLANNING ASSIGNMENT LOOKUP
// =============================================================================

// AssignmentCheckOptions tunes the shape matching of VerifyPlanningAssignment.
type AssignmentCheckOptions struct {
	ExpectedShiftType    string
	ExpectedTimeSlot     string
	IgnoreShiftTypeCheck bool
	IgnoreTimeSlotCheck  bool
}

// AssignmentCheckResult reports what was found.
type AssignmentCheckResult struct {
	HasAssignment bool
	Assignment    Assignment
	PeriodID      string // "" = flat map
	Planning      *Planning
}

// VerifyPlanningAssignment locates the user's assignment for the slot across
// both planning layouts and, when strict checks are requested, verifies the
// shift type matches exactly and the time slot matches on start time only
// (see TimeSlotsCompatible). A shape mismatch counts as "not found" so
// callers fail with one uniform GUARD_NOT_FOUND.
func VerifyPlanningAssignment(tx Tx, userID, date string, period Period, opts AssignmentCheckOptions) (AssignmentCheckResult, error) {
	planning, err := tx.GetPlanning(userID)
	if err != nil {
		return AssignmentCheckResult{}, err
	}

	pa := NewPlanningAccessor(planning)
	a, periodID, ok := pa.Find(SlotKey(date, period))
	result := AssignmentCheckResult{Planning: pa.Planning()}
	if !ok {
		return result, nil
	}

	if !opts.IgnoreShiftTypeCheck && opts.ExpectedShiftType != "" && a.ShiftType != opts.ExpectedShiftType {
		return result, nil
	}
	if !opts.IgnoreTimeSlotCheck && opts.ExpectedTimeSlot != "" && !TimeSlotsCompatible(a.TimeSlot, opts.ExpectedTimeSlot) {
		return result, nil
	}

	result.HasAssignment = true
	result.Assignment = a
	result.PeriodID = periodID
	return result, nil
}

// =============================================================================
// LISTING STATUS GATING
// =============================================================================

// VerifyExchangeStatus loads a listing and fails fast unless it is pending.
// An unavailable listing gets its own message: it was superseded by another
// trade validated concurrently on the same slot.
func VerifyExchangeStatus(tx Tx, exchangeID string) (*Exchange, error) {
	e, err := tx.GetExchange(exchangeID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, NewErrorf(CodeGuardNotFound, "listing %s not found", exchangeID)
	}
	switch e.Status {
	case StatusUnavailable:
		return nil, NewError(CodeExchangeUnavailable,
			"listing no longer available: another trade on this slot was validated")
	case StatusPending:
		return e, nil
	default:
		return nil, NewErrorf(CodeInvalidExchange,
			"listing %s is %s, expected pending", exchangeID, e.Status)
	}
}
