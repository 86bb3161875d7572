/*
Package exchange implements the shift-exchange ("bourse aux gardes") engine.

PURPOSE:
  This package contains the domain types and transactional algorithms for the
  shift marketplace: staff list a shift for exchange, colleagues express
  interest, an administrator validates a trade (one-way give or two-way
  permutation), and any completed trade can later be reverted back to its
  exact pre-trade state.

KEY CONCEPTS IN THIS FILE (types.go):
  - Slot:            A (date, period) pair identifying one shift opportunity
  - Assignment:      A shift occupied by one user on one slot
  - Planning:        Per-user assignment document (two coexisting layouts)
  - Exchange:        A listing — one user's offer of one assignment
  - ExchangeHistory: Append-only ledger entry for completed/rejected events
  - Backup:          Point-in-time snapshot of all three collections

DESIGN PRINCIPLES:
  1. One source of truth: a completed history entry carries everything needed
     to undo its trade, including where each assignment physically lived.
  2. Statuses round-trip: field names and status strings are part of the
     externally observable contract and must serialize exactly.
  3. No partial state: all mutations happen inside a store transaction.

SEE ALSO:
  - store.go:   Persistence interfaces and the transaction discipline
  - trade.go:   Trade validation (the write path)
  - history.go: Reversal (the inverse path)
*/
package exchange

import (
	"fmt"
	"time"
)

// =============================================================================
// SLOT - (date, period) pair identifying one shift opportunity
// =============================================================================

// Period is the part of day a shift covers.
type Period string

const (
	PeriodMorning   Period = "M"
	PeriodAfternoon Period = "AM"
	PeriodEvening   Period = "S"
)

// SlotKey builds the canonical "{date}-{period}" identity key used across
// plannings, listings and history. Date is an ISO calendar date (2006-01-02).
func SlotKey(date string, period Period) string {
	return fmt.Sprintf("%s-%s", date, period)
}

// =============================================================================
// ASSIGNMENT - One shift held by one user on one slot
// =============================================================================

type Assignment struct {
	Date      string `json:"date"`
	Period    Period `json:"period"`
	ShiftType string `json:"shiftType"`
	TimeSlot  string `json:"timeSlot"` // display string "HH:MM - HH:MM"
	Status    string `json:"status,omitempty"`
	Type      string `json:"type,omitempty"`
}

func (a Assignment) SlotKey() string { return SlotKey(a.Date, a.Period) }

// =============================================================================
// PLANNING - Per-user document, two coexisting physical layouts
// =============================================================================

// PlanningPeriod is one "period of validity" partition inside a planning:
// a named date sub-range carrying its own assignment map.
type PlanningPeriod struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	StartDate   string                `json:"startDate,omitempty"`
	EndDate     string                `json:"endDate,omitempty"`
	Assignments map[string]Assignment `json:"assignments"`
}

// Planning holds one user's generated assignments. An assignment for a given
// slot key lives either in the flat Assignments map or in exactly one period
// partition, never both. The engine deletes before re-adding to keep that
// invariant during restoration.
type Planning struct {
	UserID      string                     `json:"userId"`
	Assignments map[string]Assignment      `json:"assignments,omitempty"`
	Periods     map[string]*PlanningPeriod `json:"periods,omitempty"`
	UpdatedAt   time.Time                  `json:"updatedAt,omitempty"`
}

// =============================================================================
// EXCHANGE - A listing: one user's offer of one assignment for trade
// =============================================================================

type ExchangeStatus string

const (
	StatusPending     ExchangeStatus = "pending"
	StatusValidated   ExchangeStatus = "validated"
	StatusRejected    ExchangeStatus = "rejected"
	StatusUnavailable ExchangeStatus = "unavailable"
	StatusNotTaken    ExchangeStatus = "not_taken"
	StatusCancelled   ExchangeStatus = "cancelled"
)

// OperationType says what the lister is open to.
type OperationType string

const (
	OperationExchange OperationType = "exchange"
	OperationGive     OperationType = "give"
)

type Exchange struct {
	ID                     string                       `json:"id"`
	UserID                 string                       `json:"userId"`
	Date                   string                       `json:"date"`
	Period                 Period                       `json:"period"`
	ShiftType              string                       `json:"shiftType"`
	TimeSlot               string                       `json:"timeSlot"`
	Comment                string                       `json:"comment,omitempty"`
	Status                 ExchangeStatus               `json:"status"`
	InterestedUsers        []string                     `json:"interestedUsers"`
	OperationTypes         []OperationType              `json:"operationTypes"`
	ProposedToReplacements bool                         `json:"proposedToReplacements"`
	BlockedUsers           map[string]BlockedUserReason `json:"blockedUsers,omitempty"` // derived, cached
	CreatedAt              time.Time                    `json:"createdAt"`
	LastModified           time.Time                    `json:"lastModified"`
}

func (e *Exchange) SlotKey() string { return SlotKey(e.Date, e.Period) }

// HasInterestedUser reports whether userID already sits in the interest set.
func (e *Exchange) HasInterestedUser(userID string) bool {
	for _, u := range e.InterestedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// RemoveInterestedUser drops userID from the interest set, in place.
func (e *Exchange) RemoveInterestedUser(userID string) {
	out := e.InterestedUsers[:0]
	for _, u := range e.InterestedUsers {
		if u != userID {
			out = append(out, u)
		}
	}
	e.InterestedUsers = out
}

// =============================================================================
// EXCHANGE HISTORY - Append-only ledger of completed/rejected/removed events
// =============================================================================

type HistoryStatus string

const (
	HistoryCompleted       HistoryStatus = "completed"
	HistoryRejected        HistoryStatus = "rejected"
	HistoryInterestRemoved HistoryStatus = "interest_removed"
)

// ExchangeHistory records one event. A "completed" entry is the sole source
// of truth for reversing its trade: both parties' period-location ids are
// stored so assignments land back exactly where they came from.
type ExchangeHistory struct {
	ID                     string        `json:"id"`
	Date                   string        `json:"date"`
	Period                 Period        `json:"period"`
	OriginalUserID         string        `json:"originalUserId"`
	OriginalShiftType      string        `json:"originalShiftType"`
	NewUserID              string        `json:"newUserId,omitempty"`
	NewShiftType           string        `json:"newShiftType,omitempty"` // set only for permutations
	TimeSlot               string        `json:"timeSlot,omitempty"`
	IsPermutation          bool          `json:"isPermutation"`
	Status                 HistoryStatus `json:"status"`
	ExchangedAt            time.Time     `json:"exchangedAt"`
	OriginalExchangeID     string        `json:"originalExchangeId"`
	OriginalUserPeriodID   string        `json:"originalUserPeriodId,omitempty"`
	InterestedUserPeriodID string        `json:"interestedUserPeriodId,omitempty"`
	InterestedUsers        []string      `json:"interestedUsers,omitempty"` // snapshot at trade time
	Comment                string        `json:"comment,omitempty"`

	// RemovedFromExchanges lists sibling listings the receiving user was
	// scrubbed from at validation time, so reversal can re-insert them.
	RemovedFromExchanges []string `json:"removedFromExchanges,omitempty"`

	// Audit fields
	ValidatedBy            string          `json:"validatedBy,omitempty"`
	RemovedBy              string          `json:"removedBy,omitempty"`
	RemovedUserID          string          `json:"removedUserId,omitempty"` // interest_removed only
	OperationTypes         []OperationType `json:"operationTypes,omitempty"`
	ProposedToReplacements bool            `json:"proposedToReplacements,omitempty"`
}

func (h *ExchangeHistory) SlotKey() string { return SlotKey(h.Date, h.Period) }

// =============================================================================
// BLOCKED USER REASON - Derived cache entry, never authoritative
// =============================================================================

type BlockReason string

const (
	BlockAlreadyHasShift    BlockReason = "already_has_shift"
	BlockInvalidPermutation BlockReason = "invalid_permutation"
	BlockDependencyBroken   BlockReason = "dependency_broken"
)

type BlockedUserReason struct {
	Reason               BlockReason `json:"reason"`
	ShiftType            string      `json:"shiftType,omitempty"`
	ExchangeWithUserID   string      `json:"exchangeWithUserId,omitempty"`
	ExchangeWithUserName string      `json:"exchangeWithUserName,omitempty"`
	SourceExchangeID     string      `json:"sourceExchangeId,omitempty"`
}

// =============================================================================
// PHASE - Global marketplace lifecycle stage
// =============================================================================

type Phase string

const (
	PhaseSubmission   Phase = "submission"
	PhaseDistribution Phase = "distribution"
	PhaseCompleted    Phase = "completed"
)

// =============================================================================
// BACKUP - Full snapshot of the three collections plus phase
// =============================================================================

type Backup struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Reason    string            `json:"reason,omitempty"`
	Phase     Phase             `json:"phase"`
	Exchanges []Exchange        `json:"exchanges"`
	History   []ExchangeHistory `json:"history"`
	Plannings []Planning        `json:"plannings"`
}
