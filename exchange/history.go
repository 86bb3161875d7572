/*
history.go - Ledger retrieval and trade reversal

PURPOSE:
  The ledger is queried newest-first, and any completed entry can be undone.
  RevertToExchange is the structural inverse of ValidateShiftExchange: it
  restores both plannings to their exact pre-trade state using the period
  ids recorded at trade time, reinstates (or recreates) the original
  listing, reactivates superseded siblings, scrubs the receiving user from
  blocked-user maps, re-inserts them into the interest lists they were
  removed from, and finally deletes the history entry itself.

DELETE-ON-REVERT:
  A history entry always represents a still-in-effect completed trade. Once
  reverted, the trade never happened, so the entry is deleted rather than
  flagged. Queries therefore never need to filter out dead rows.

SETTLING DELAY:
  Listener feeds over the backing store are eventually consistent relative
  to commits. After a reversal commits, the service pauses (SettleDelay)
  before invalidating the blocked-users cache and broadcasting the reverted
  event, so consumers observing the broadcast see converged data.

SEE ALSO:
  - trade.go:   The forward operation this file undoes
  - restore.go: Bulk reversal of every completed trade
*/
package exchange

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// RETRIEVAL
// =============================================================================

// GetExchangeHistory returns ledger entries newest-first, downgrading to an
// unindexed fetch with client-side sorting while the index is building.
func (s *Service) GetExchangeHistory(ctx context.Context, q HistoryQuery) ([]*ExchangeHistory, error) {
	q.OrderByExchangedAtDesc = true
	list, err := s.store.ListHistory(ctx, q)
	if errors.Is(err, ErrIndexNotReady) {
		all, ferr := s.store.ListHistory(ctx, HistoryQuery{})
		if ferr != nil {
			return nil, ferr
		}
		list = list[:0]
		for _, h := range all {
			if q.Matches(h) {
				list = append(list, h)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ExchangedAt.After(list[j].ExchangedAt) })
		return list, nil
	}
	return list, err
}

// =============================================================================
// FULL TRADE REVERSAL
// =============================================================================

// RevertToExchange undoes the completed trade recorded by historyID and
// restores the pre-trade state of both plannings and the listing.
func (s *Service) RevertToExchange(ctx context.Context, historyID string) error {
	return s.revertToExchange(ctx, historyID, true)
}

// revertToExchange implements the reversal. settle=false skips the
// post-commit settling delay (the bulk restore throttles itself instead).
func (s *Service) revertToExchange(ctx context.Context, historyID string, settle bool) error {
	var (
		date   string
		period Period
	)

	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		// ---- Read phase -----------------------------------------------------

		h, err := tx.GetHistory(historyID)
		if err != nil {
			return err
		}
		if h == nil {
			return NewErrorf(CodeGuardNotFound, "history entry %s not found", historyID)
		}
		if h.Status != HistoryCompleted {
			return NewErrorf(CodeInvalidExchange,
				"history entry %s is %s, only completed trades can be reverted", historyID, h.Status)
		}
		date, period = h.Date, h.Period
		slotKey := h.SlotKey()

		ownerPlanning, err := tx.GetPlanning(h.OriginalUserID)
		if err != nil {
			return err
		}
		receiverPlanning, err := tx.GetPlanning(h.NewUserID)
		if err != nil {
			return err
		}

		// The original listing may still exist (validated); keep its
		// non-essential metadata when reinstating.
		original, err := tx.GetExchange(h.OriginalExchangeID)
		if err != nil {
			return err
		}

		unavailable, err := tx.FindExchanges(ExchangeQuery{
			Date:     h.Date,
			Period:   h.Period,
			Statuses: []ExchangeStatus{StatusUnavailable},
		})
		if err != nil {
			return err
		}

		// Every listing on the slot, as one canonical set: the unavailable
		// siblings above, the interest-list reinsertion targets and the
		// blocked-map scrubs below all mutate documents from this map so each
		// document is written exactly once with all of its changes.
		slotListings, err := tx.FindExchanges(ExchangeQuery{Date: h.Date, Period: h.Period})
		if err != nil {
			return err
		}
		docs := make(map[string]*Exchange, len(slotListings))
		for _, l := range slotListings {
			docs[l.ID] = l
		}

		// Listings the receiving user must be re-inserted into: the ones the
		// trade scrubbed them from, or every still-pending slot listing as a
		// fallback for entries recorded before scrubbing was tracked.
		var reinsertIDs []string
		if len(h.RemovedFromExchanges) > 0 {
			reinsertIDs = h.RemovedFromExchanges
		} else {
			for _, l := range slotListings {
				if l.Status == StatusPending && l.ID != h.OriginalExchangeID {
					reinsertIDs = append(reinsertIDs, l.ID)
				}
			}
		}

		// ---- Write phase ----------------------------------------------------

		now := s.now()
		ownerPA := NewPlanningAccessor(ownerPlanning)
		receiverPA := NewPlanningAccessor(receiverPlanning)

		// The assignments sitting at the slot key are the exact objects the
		// trade moved: moving them back preserves every field (time slot,
		// status metadata). The ledger fields are only a reconstruction
		// fallback for assignments that have since disappeared.
		ownerHeld, _, ownerHas := ownerPA.Find(slotKey)
		receiverHeld, _, receiverHas := receiverPA.Find(slotKey)

		if h.IsPermutation {
			// Remove both current assignments first, then restore each
			// user's original shift to its recorded period location.
			ownerOriginal := receiverHeld
			if !receiverHas {
				ownerOriginal = Assignment{
					Date: h.Date, Period: h.Period,
					ShiftType: h.OriginalShiftType, TimeSlot: h.TimeSlot,
				}
			}
			receiverOriginal := ownerHeld
			if !ownerHas {
				receiverOriginal = Assignment{
					Date: h.Date, Period: h.Period,
					ShiftType: h.NewShiftType,
				}
			}
			ownerPA.Remove(slotKey)
			receiverPA.Remove(slotKey)
			ownerPA.Add(slotKey, ownerOriginal, h.OriginalUserPeriodID)
			receiverPA.Add(slotKey, receiverOriginal, h.InterestedUserPeriodID)
		} else {
			moved := receiverHeld
			if !receiverHas {
				moved = Assignment{
					Date: h.Date, Period: h.Period,
					ShiftType: h.OriginalShiftType, TimeSlot: h.TimeSlot,
				}
			}
			receiverPA.Remove(slotKey)
			ownerPA.Add(slotKey, moved, h.OriginalUserPeriodID)
		}

		op := ownerPA.Planning()
		op.UserID = h.OriginalUserID
		op.UpdatedAt = now
		if err := tx.PutPlanning(op); err != nil {
			return err
		}
		rp := receiverPA.Planning()
		rp.UserID = h.NewUserID
		rp.UpdatedAt = now
		if err := tx.PutPlanning(rp); err != nil {
			return err
		}

		// Reinstate the original listing, or recreate it from the history
		// entry if it was hard-deleted.
		if original != nil {
			original.Status = StatusPending
			original.InterestedUsers = append([]string(nil), h.InterestedUsers...)
			delete(original.BlockedUsers, h.NewUserID)
			original.LastModified = now
			if err := tx.PutExchange(original); err != nil {
				return err
			}
		} else {
			recreated := &Exchange{
				ID:                     h.OriginalExchangeID,
				UserID:                 h.OriginalUserID,
				Date:                   h.Date,
				Period:                 h.Period,
				ShiftType:              h.OriginalShiftType,
				TimeSlot:               h.TimeSlot,
				Comment:                h.Comment,
				Status:                 StatusPending,
				InterestedUsers:        append([]string(nil), h.InterestedUsers...),
				OperationTypes:         append([]OperationType(nil), h.OperationTypes...),
				ProposedToReplacements: h.ProposedToReplacements,
				CreatedAt:              now,
				LastModified:           now,
			}
			if len(recreated.OperationTypes) == 0 {
				recreated.OperationTypes = []OperationType{OperationExchange}
			}
			if recreated.InterestedUsers == nil {
				recreated.InterestedUsers = []string{}
			}
			if err := tx.PutExchange(recreated); err != nil {
				return err
			}
		}

		if err := tx.DeleteHistory(h.ID); err != nil {
			return err
		}

		// Remaining slot listings: accumulate every change on the canonical
		// documents, then flush each one once.
		dirty := make(map[string]bool)

		// Reactivate siblings superseded by the trade.
		for _, u := range unavailable {
			l := docs[u.ID]
			if l == nil || l.ID == h.OriginalExchangeID {
				continue
			}
			l.Status = StatusPending
			dirty[l.ID] = true
		}

		// The receiver is no longer blocked anywhere on this slot. The
		// reinstated listing itself was scrubbed and written above.
		for _, l := range docs {
			if l.ID == h.OriginalExchangeID {
				continue
			}
			if _, blocked := l.BlockedUsers[h.NewUserID]; blocked {
				delete(l.BlockedUsers, h.NewUserID)
				dirty[l.ID] = true
			}
		}

		for _, id := range reinsertIDs {
			l := docs[id]
			if l == nil || l.ID == h.OriginalExchangeID || l.Status != StatusPending {
				continue
			}
			if !l.HasInterestedUser(h.NewUserID) {
				l.InterestedUsers = append(l.InterestedUsers, h.NewUserID)
				dirty[l.ID] = true
			}
		}

		for id := range dirty {
			l := docs[id]
			l.LastModified = now
			if err := tx.PutExchange(l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !IsValidation(err) {
			s.log.Error("reversal failed", zap.String("historyId", historyID), zap.Error(err))
		}
		return err
	}

	// Let listener feeds converge before dependents are told to refresh.
	if settle {
		s.settle(ctx)
	}

	s.invalidateBlockedSlot(date, period)
	s.notifier.ExchangeReverted(ctx, SlotKey(date, period), historyID)
	s.log.Info("trade reverted", zap.String("historyId", historyID), zap.String("slot", SlotKey(date, period)))
	return nil
}

// settle pauses for the configured delay, honoring context cancellation.
func (s *Service) settle(ctx context.Context) {
	if s.settleDelay <= 0 {
		return
	}
	t := time.NewTimer(s.settleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// =============================================================================
// NARROW RESTORATIONS - rejected listings and interest removals
// =============================================================================

// RestoreRejectedExchange undoes a withdrawal: the listing goes back to
// pending (recreated from history if needed) and the rejected history entry
// is consumed. Fails if the listing has since diverged into a newer trade.
func (s *Service) RestoreRejectedExchange(ctx context.Context, historyID string) error {
	return s.store.RunTransaction(ctx, func(tx Tx) error {
		h, err := tx.GetHistory(historyID)
		if err != nil {
			return err
		}
		if h == nil {
			return NewErrorf(CodeGuardNotFound, "history entry %s not found", historyID)
		}
		if h.Status != HistoryRejected {
			return NewErrorf(CodeInvalidExchange, "history entry %s is %s, expected rejected", historyID, h.Status)
		}

		e, err := tx.GetExchange(h.OriginalExchangeID)
		if err != nil {
			return err
		}

		now := s.now()
		if e != nil {
			if e.Status != StatusRejected {
				return NewErrorf(CodeInvalidExchange,
					"listing %s is %s, refusing to restore over newer state", e.ID, e.Status)
			}
			e.Status = StatusPending
			e.LastModified = now
			if err := tx.PutExchange(e); err != nil {
				return err
			}
		} else {
			recreated := &Exchange{
				ID:                     h.OriginalExchangeID,
				UserID:                 h.OriginalUserID,
				Date:                   h.Date,
				Period:                 h.Period,
				ShiftType:              h.OriginalShiftType,
				TimeSlot:               h.TimeSlot,
				Comment:                h.Comment,
				Status:                 StatusPending,
				InterestedUsers:        append([]string(nil), h.InterestedUsers...),
				OperationTypes:         append([]OperationType(nil), h.OperationTypes...),
				ProposedToReplacements: h.ProposedToReplacements,
				CreatedAt:              now,
				LastModified:           now,
			}
			if recreated.InterestedUsers == nil {
				recreated.InterestedUsers = []string{}
			}
			if len(recreated.OperationTypes) == 0 {
				recreated.OperationTypes = []OperationType{OperationExchange}
			}
			if err := tx.PutExchange(recreated); err != nil {
				return err
			}
		}

		return tx.DeleteHistory(h.ID)
	})
}

// RestoreInterestRemoval undoes an admin interest removal: the removed user
// re-enters the listing's interest set and the history entry is consumed.
// Fails if the listing is no longer pending.
func (s *Service) RestoreInterestRemoval(ctx context.Context, historyID string) error {
	return s.store.RunTransaction(ctx, func(tx Tx) error {
		h, err := tx.GetHistory(historyID)
		if err != nil {
			return err
		}
		if h == nil {
			return NewErrorf(CodeGuardNotFound, "history entry %s not found", historyID)
		}
		if h.Status != HistoryInterestRemoved {
			return NewErrorf(CodeInvalidExchange, "history entry %s is %s, expected interest_removed", historyID, h.Status)
		}

		e, err := tx.GetExchange(h.OriginalExchangeID)
		if err != nil {
			return err
		}
		if e == nil {
			return NewErrorf(CodeGuardNotFound, "listing %s no longer exists", h.OriginalExchangeID)
		}
		if e.Status != StatusPending {
			return NewErrorf(CodeInvalidExchange,
				"listing %s is %s, refusing to restore interest over newer state", e.ID, e.Status)
		}

		if !e.HasInterestedUser(h.RemovedUserID) {
			e.InterestedUsers = append(e.InterestedUsers, h.RemovedUserID)
			e.LastModified = s.now()
			if err := tx.PutExchange(e); err != nil {
				return err
			}
		}
		return tx.DeleteHistory(h.ID)
	})
}
