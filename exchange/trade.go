/*
trade.go - Trade validation: the engine's core write path

PURPOSE:
  ValidateShiftExchange consumes one pending listing plus one chosen
  interested user and executes the trade atomically across both parties'
  plannings, the listing collection and the history ledger.

TRADE TYPE DECISION:
  If the interested user already holds an assignment on the slot, the trade
  is a permutation (pure two-way swap). Otherwise it is a simple transfer
  (one-way grant, nothing flows back). The decision is made from the read
  snapshot and recorded on the history entry.

TWO-PHASE DISCIPLINE:
  The store forbids reads after the first write inside a transaction, so
  the function gathers every document first: the listing, both plannings,
  every competing pending listing on the slot, and the sibling listings the
  receiving user must be scrubbed from. Only then do the writes run.

SUPERSESSION:
  Validating a trade invalidates every other pending listing on the slot
  owned by either party: the slot is consumed, so those offers can no
  longer be honored. They flip to unavailable (and can be reactivated if
  the trade is later reverted).

SEE ALSO:
  - history.go: RevertToExchange, the structural inverse of this file
  - blocked.go: Cache invalidated after each commit here
*/
package exchange

import (
	"context"

	"go.uber.org/zap"
)

// ValidateShiftExchange executes the trade between the listing's owner and
// interestedUserID. validatedBy is recorded on the history entry for audit.
func (s *Service) ValidateShiftExchange(ctx context.Context, exchangeID, interestedUserID, validatedBy string) (*ExchangeHistory, error) {
	var entry *ExchangeHistory

	err := s.store.RunTransaction(ctx, func(tx Tx) error {
		// ---- Read phase -----------------------------------------------------

		e, err := VerifyExchangeStatus(tx, exchangeID)
		if err != nil {
			return err
		}
		if !e.HasInterestedUser(interestedUserID) {
			return NewErrorf(CodeInvalidExchange,
				"user %s is not in the interest list of listing %s", interestedUserID, exchangeID)
		}

		// Competing pending listings: same slot, owned by the lister...
		ownerConflicts, err := tx.FindExchanges(ExchangeQuery{
			UserID:    e.UserID,
			Date:      e.Date,
			Period:    e.Period,
			Statuses:  []ExchangeStatus{StatusPending},
			ExcludeID: e.ID,
		})
		if err != nil {
			return err
		}
		// ...or by the receiving user, who cannot simultaneously list and
		// receive on the same slot.
		receiverConflicts, err := tx.FindExchanges(ExchangeQuery{
			UserID:   interestedUserID,
			Date:     e.Date,
			Period:   e.Period,
			Statuses: []ExchangeStatus{StatusPending},
		})
		if err != nil {
			return err
		}

		// Remaining pending listings on the slot (any owner): the receiving
		// user is scrubbed from their interest lists, and the scrub is
		// recorded for exact reversal.
		slotPending, err := tx.FindExchanges(ExchangeQuery{
			Date:      e.Date,
			Period:    e.Period,
			Statuses:  []ExchangeStatus{StatusPending},
			ExcludeID: e.ID,
		})
		if err != nil {
			return err
		}

		ownerCheck, err := VerifyPlanningAssignment(tx, e.UserID, e.Date, e.Period, AssignmentCheckOptions{
			ExpectedShiftType: e.ShiftType,
			ExpectedTimeSlot:  e.TimeSlot,
		})
		if err != nil {
			return err
		}
		if !ownerCheck.HasAssignment {
			return NewErrorf(CodeGuardNotFound,
				"owner %s no longer holds %s on %s", e.UserID, e.ShiftType, e.SlotKey())
		}

		// Any assignment already held by the receiver on the slot makes this
		// a permutation. Shift type is irrelevant here; holding anything on
		// the slot is what matters.
		receiverCheck, err := VerifyPlanningAssignment(tx, interestedUserID, e.Date, e.Period, AssignmentCheckOptions{
			IgnoreShiftTypeCheck: true,
			IgnoreTimeSlotCheck:  true,
		})
		if err != nil {
			return err
		}
		isPermutation := receiverCheck.HasAssignment

		// ---- Write phase ----------------------------------------------------

		now := s.now()
		slotKey := e.SlotKey()

		superseded := make(map[string]*Exchange)
		for _, c := range ownerConflicts {
			superseded[c.ID] = c
		}
		for _, c := range receiverConflicts {
			superseded[c.ID] = c
		}
		for _, c := range superseded {
			c.Status = StatusUnavailable
			c.LastModified = now
			if err := tx.PutExchange(c); err != nil {
				return err
			}
		}

		var removedFrom []string
		for _, sibling := range slotPending {
			if _, gone := superseded[sibling.ID]; gone {
				continue
			}
			if sibling.HasInterestedUser(interestedUserID) {
				sibling.RemoveInterestedUser(interestedUserID)
				sibling.LastModified = now
				if err := tx.PutExchange(sibling); err != nil {
					return err
				}
				removedFrom = append(removedFrom, sibling.ID)
			}
		}

		ownerPA := NewPlanningAccessor(ownerCheck.Planning)
		receiverPA := NewPlanningAccessor(receiverCheck.Planning)

		if isPermutation {
			// Delete both sides first so no transient duplicate exists, then
			// cross-insert, each assignment keeping its new owner's original
			// period location.
			ownerPA.Remove(slotKey)
			receiverPA.Remove(slotKey)
			receiverPA.Add(slotKey, ownerCheck.Assignment, receiverCheck.PeriodID)
			ownerPA.Add(slotKey, receiverCheck.Assignment, ownerCheck.PeriodID)
		} else {
			ownerPA.Remove(slotKey)
			receiverPA.Add(slotKey, ownerCheck.Assignment, receiverPA.PreferredPeriod(e.Date))
		}

		ownerPlanning := ownerPA.Planning()
		ownerPlanning.UserID = e.UserID
		ownerPlanning.UpdatedAt = now
		if err := tx.PutPlanning(ownerPlanning); err != nil {
			return err
		}
		receiverPlanning := receiverPA.Planning()
		receiverPlanning.UserID = interestedUserID
		receiverPlanning.UpdatedAt = now
		if err := tx.PutPlanning(receiverPlanning); err != nil {
			return err
		}

		// History entry shares the listing's id by convention.
		entry = &ExchangeHistory{
			ID:                     e.ID,
			Date:                   e.Date,
			Period:                 e.Period,
			OriginalUserID:         e.UserID,
			OriginalShiftType:      ownerCheck.Assignment.ShiftType,
			NewUserID:              interestedUserID,
			TimeSlot:               ownerCheck.Assignment.TimeSlot,
			IsPermutation:          isPermutation,
			Status:                 HistoryCompleted,
			ExchangedAt:            now,
			OriginalExchangeID:     e.ID,
			OriginalUserPeriodID:   ownerCheck.PeriodID,
			InterestedUserPeriodID: receiverCheck.PeriodID,
			InterestedUsers:        append([]string(nil), e.InterestedUsers...),
			Comment:                e.Comment,
			RemovedFromExchanges:   removedFrom,
			ValidatedBy:            validatedBy,
			OperationTypes:         append([]OperationType(nil), e.OperationTypes...),
			ProposedToReplacements: e.ProposedToReplacements,
		}
		if isPermutation {
			entry.NewShiftType = receiverCheck.Assignment.ShiftType
		}
		if err := tx.PutHistory(entry); err != nil {
			return err
		}

		e.Status = StatusValidated
		e.LastModified = now
		return tx.PutExchange(e)
	})
	if err != nil {
		if !IsValidation(err) {
			s.log.Error("trade validation failed", zap.String("exchangeId", exchangeID), zap.Error(err))
		}
		return nil, err
	}

	s.invalidateBlockedSlot(entry.Date, entry.Period)
	s.log.Info("trade validated",
		zap.String("exchangeId", exchangeID),
		zap.String("newUserId", interestedUserID),
		zap.Bool("isPermutation", entry.IsPermutation))
	return entry, nil
}
