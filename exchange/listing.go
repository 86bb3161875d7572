/*
listing.go - Listing lifecycle and interest management

PURPOSE:
  Create and withdraw listings, toggle interest, propose a listing to user
  pools (including the external replacements pool), and retrieve the active
  listings for the current marketplace phase.

KEY RULES:
  - At most one pending listing per (userId, date, period): re-listing while
    a pending or cancelled document exists updates it in place instead of
    creating a duplicate.
  - Withdrawal is a soft delete: the listing flips to rejected and a
    "rejected" history entry captures its full state for later restoration.
  - Interest is gated on completed history: a user who already received OR
    gave a shift on the slot cannot re-enter, each with its own error code.

SEE ALSO:
  - validate.go: The checks run during each read phase
  - trade.go:    Consumes a listing plus one interested user
*/
package exchange

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// CREATE / WITHDRAW
// =============================================================================

// AddShiftExchange lists a shift for exchange. Calling it again for the same
// (userId, date, period) while the first listing is pending or cancelled
// updates the existing document in place.
func (s *Service) AddShiftExchange(ctx context.Context, e *Exchange) (*Exchange, error) {
	if err := ValidateExchangeData(e); err != nil {
		return nil, err
	}

	var (
		result  *Exchange
		updated bool
	)
	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		// Reads: the owner must still hold the shift they are listing.
		// Time slot is matched on start time only; see TimeSlotsCompatible.
		check, err := VerifyPlanningAssignment(tx, e.UserID, e.Date, e.Period, AssignmentCheckOptions{
			ExpectedShiftType: e.ShiftType,
			ExpectedTimeSlot:  e.TimeSlot,
		})
		if err != nil {
			return err
		}
		if !check.HasAssignment {
			return NewErrorf(CodeGuardNotFound,
				"no matching assignment for %s in planning of %s", SlotKey(e.Date, e.Period), e.UserID)
		}

		existing, err := tx.FindExchanges(ExchangeQuery{UserID: e.UserID, Date: e.Date, Period: e.Period})
		if err != nil {
			return err
		}

		now := s.now()
		var reuse *Exchange
		for _, doc := range existing {
			switch doc.Status {
			case StatusPending, StatusCancelled:
				reuse = doc
			case StatusValidated, StatusUnavailable, StatusNotTaken, StatusRejected:
				return NewErrorf(CodeGuardAlreadyExchanged,
					"listing for %s already exists with status %s", SlotKey(e.Date, e.Period), doc.Status).
					WithDetail("exchangeId", doc.ID)
			}
		}

		// At most one pending listing per (user, slot): any pending document
		// other than the one being reused is a duplicate.
		reuseID := ""
		if reuse != nil {
			reuseID = reuse.ID
		}
		if err := VerifyNoExistingExchange(tx, e.UserID, e.Date, e.Period, reuseID); err != nil {
			return err
		}

		if reuse != nil {
			// Idempotent re-listing: refresh the payload fields, keep the
			// document identity and creation time.
			reuse.ShiftType = e.ShiftType
			reuse.TimeSlot = e.TimeSlot
			reuse.Comment = e.Comment
			if len(e.OperationTypes) > 0 {
				reuse.OperationTypes = e.OperationTypes
			}
			reuse.Status = StatusPending
			reuse.LastModified = now
			if reuse.InterestedUsers == nil {
				reuse.InterestedUsers = []string{}
			}
			result = reuse
			updated = true
			return tx.PutExchange(reuse)
		}

		created := &Exchange{
			ID:              uuid.NewString(),
			UserID:          e.UserID,
			Date:            e.Date,
			Period:          e.Period,
			ShiftType:       e.ShiftType,
			TimeSlot:        e.TimeSlot,
			Comment:         e.Comment,
			Status:          StatusPending,
			InterestedUsers: []string{},
			OperationTypes:  e.OperationTypes,
			CreatedAt:       now,
			LastModified:    now,
		}
		if len(created.OperationTypes) == 0 {
			created.OperationTypes = []OperationType{OperationExchange}
		}
		result = created
		return tx.PutExchange(created)
	})
	if err != nil {
		return nil, err
	}

	msg := "listing created"
	if updated {
		msg = "listing updated"
	}
	s.log.Info(msg,
		zap.String("exchangeId", result.ID),
		zap.String("userId", result.UserID),
		zap.String("slot", result.SlotKey()))
	return result, nil
}

// RemoveShiftExchange withdraws a listing. The listing is soft-deleted
// (status rejected) and a rejected history entry captures its full state.
func (s *Service) RemoveShiftExchange(ctx context.Context, exchangeID, rejectedBy string) error {
	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := tx.GetExchange(exchangeID)
		if err != nil {
			return err
		}
		if e == nil {
			return NewErrorf(CodeGuardNotFound, "listing %s not found", exchangeID)
		}
		switch e.Status {
		case StatusUnavailable:
			return NewError(CodeExchangeUnavailable,
				"listing no longer available: another trade on this slot was validated")
		case StatusPending, StatusCancelled:
			// removable
		default:
			return NewErrorf(CodeInvalidExchange, "listing %s is %s, cannot withdraw", exchangeID, e.Status)
		}

		now := s.now()
		h := &ExchangeHistory{
			ID:                     uuid.NewString(),
			Date:                   e.Date,
			Period:                 e.Period,
			OriginalUserID:         e.UserID,
			OriginalShiftType:      e.ShiftType,
			TimeSlot:               e.TimeSlot,
			Status:                 HistoryRejected,
			ExchangedAt:            now,
			OriginalExchangeID:     e.ID,
			InterestedUsers:        append([]string(nil), e.InterestedUsers...),
			Comment:                e.Comment,
			RemovedBy:              rejectedBy,
			OperationTypes:         append([]OperationType(nil), e.OperationTypes...),
			ProposedToReplacements: e.ProposedToReplacements,
		}
		if err := tx.PutHistory(h); err != nil {
			return err
		}

		e.Status = StatusRejected
		e.LastModified = now
		return tx.PutExchange(e)
	})
	if err != nil {
		return err
	}

	s.log.Info("listing withdrawn", zap.String("exchangeId", exchangeID), zap.String("rejectedBy", rejectedBy))
	return nil
}

// =============================================================================
// INTEREST
// =============================================================================

// ToggleInterest adds userID to the listing's interest set, or removes them
// if already present. Entry is gated on completed history for the slot.
func (s *Service) ToggleInterest(ctx context.Context, exchangeID, userID string) error {
	return s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := VerifyExchangeStatus(tx, exchangeID)
		if err != nil {
			return err
		}

		if e.HasInterestedUser(userID) {
			e.RemoveInterestedUser(userID)
			e.LastModified = s.now()
			return tx.PutExchange(e)
		}

		if err := VerifyNoReceivedGuard(tx, userID, e.Date, e.Period); err != nil {
			return err
		}

		// A prior completed trade on the exact slot blocks re-entry in both
		// directions, with distinct codes so the UI can explain which.
		entries, err := tx.FindHistory(HistoryQuery{
			Date:     e.Date,
			Period:   e.Period,
			UserID:   userID,
			Statuses: []HistoryStatus{HistoryCompleted},
		})
		if err != nil {
			return err
		}
		for _, h := range entries {
			if h.NewUserID == userID {
				return NewErrorf(CodeUserAlreadyHasShift,
					"user %s already holds a shift on %s from a completed trade", userID, e.SlotKey()).
					WithDetail("historyId", h.ID)
			}
			if h.OriginalUserID == userID {
				return NewErrorf(CodeUserAlreadyGaveShift,
					"user %s already gave their shift on %s in a completed trade", userID, e.SlotKey()).
					WithDetail("historyId", h.ID)
			}
		}

		e.InterestedUsers = append(e.InterestedUsers, userID)
		e.LastModified = s.now()
		return tx.PutExchange(e)
	})
}

// RemoveUserFromExchange forcibly removes a user from a listing's interest
// set (admin action) and records an interest_removed history entry so the
// removal can be restored later.
func (s *Service) RemoveUserFromExchange(ctx context.Context, exchangeID, userID, removedBy string) error {
	return s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := tx.GetExchange(exchangeID)
		if err != nil {
			return err
		}
		if e == nil {
			return NewErrorf(CodeGuardNotFound, "listing %s not found", exchangeID)
		}
		if !e.HasInterestedUser(userID) {
			return NewErrorf(CodeInvalidExchange, "user %s is not interested in listing %s", userID, exchangeID)
		}

		now := s.now()
		h := &ExchangeHistory{
			ID:                 uuid.NewString(),
			Date:               e.Date,
			Period:             e.Period,
			OriginalUserID:     e.UserID,
			OriginalShiftType:  e.ShiftType,
			Status:             HistoryInterestRemoved,
			ExchangedAt:        now,
			OriginalExchangeID: e.ID,
			RemovedUserID:      userID,
			RemovedBy:          removedBy,
		}
		if err := tx.PutHistory(h); err != nil {
			return err
		}

		e.RemoveInterestedUser(userID)
		e.LastModified = now
		return tx.PutExchange(e)
	})
}

// =============================================================================
// PROPOSITIONS
// =============================================================================

// ProposeToUsers bulk-adds candidate user ids to a listing's interest set.
func (s *Service) ProposeToUsers(ctx context.Context, exchangeID string, userIDs []string) error {
	return s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := VerifyExchangeStatus(tx, exchangeID)
		if err != nil {
			return err
		}
		changed := false
		for _, u := range userIDs {
			if u != "" && !e.HasInterestedUser(u) {
				e.InterestedUsers = append(e.InterestedUsers, u)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		e.LastModified = s.now()
		return tx.PutExchange(e)
	})
}

// ProposeToReplacements flags the listing as proposed to the external
// replacements pool and mirrors it there.
func (s *Service) ProposeToReplacements(ctx context.Context, exchangeID string) error {
	var mirrored *Exchange
	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := VerifyExchangeStatus(tx, exchangeID)
		if err != nil {
			return err
		}
		e.ProposedToReplacements = true
		e.LastModified = s.now()
		mirrored = e
		return tx.PutExchange(e)
	})
	if err != nil {
		return err
	}
	if s.replacements != nil {
		if err := s.replacements.CreateReplacement(ctx, mirrored); err != nil {
			s.log.Error("replacements mirror failed", zap.String("exchangeId", exchangeID), zap.Error(err))
			return err
		}
	}
	return nil
}

// CancelPropositionToReplacements clears the flag and removes the mirror.
func (s *Service) CancelPropositionToReplacements(ctx context.Context, exchangeID string) error {
	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		e, err := tx.GetExchange(exchangeID)
		if err != nil {
			return err
		}
		if e == nil {
			return NewErrorf(CodeGuardNotFound, "listing %s not found", exchangeID)
		}
		e.ProposedToReplacements = false
		e.LastModified = s.now()
		return tx.PutExchange(e)
	})
	if err != nil {
		return err
	}
	if s.replacements != nil {
		if err := s.replacements.DeleteReplacement(ctx, exchangeID); err != nil {
			s.log.Error("replacements unmirror failed", zap.String("exchangeId", exchangeID), zap.Error(err))
			return err
		}
	}
	return nil
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// statusesForPhase maps the marketplace phase to the listing statuses users
// should see. Submission (and any unknown phase) shows pending and
// superseded listings; distribution narrows to pending only; completed adds
// the not_taken leftovers.
func statusesForPhase(phase Phase) []ExchangeStatus {
	switch phase {
	case PhaseDistribution:
		return []ExchangeStatus{StatusPending}
	case PhaseCompleted:
		return []ExchangeStatus{StatusPending, StatusUnavailable, StatusNotTaken}
	default:
		return []ExchangeStatus{StatusPending, StatusUnavailable}
	}
}

// GetShiftExchanges returns the active listings for the current phase,
// ordered by date. While the composite status+date index is still building,
// the store answers ErrIndexNotReady and the query silently downgrades to an
// unindexed fetch with client-side filtering and sorting.
func (s *Service) GetShiftExchanges(ctx context.Context) ([]*Exchange, error) {
	phase, err := s.store.GetPhase(ctx)
	if err != nil {
		return nil, err
	}
	q := ExchangeQuery{Statuses: statusesForPhase(phase), OrderByDate: true}

	list, err := s.store.ListExchanges(ctx, q)
	if errors.Is(err, ErrIndexNotReady) {
		all, ferr := s.store.ListExchanges(ctx, ExchangeQuery{})
		if ferr != nil {
			return nil, ferr
		}
		list = list[:0]
		for _, e := range all {
			if q.Matches(e) {
				list = append(list, e)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Date < list[j].Date })
		s.log.Debug("listing query served unindexed", zap.Int("count", len(list)))
		return list, nil
	}
	return list, err
}
