package exchange_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planimed/bag-engine/exchange"
)

// recordingNotifier captures reverted events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) ExchangeReverted(_ context.Context, slotKey, historyID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, slotKey+"/"+historyID)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// =============================================================================
// FULL TRADE REVERSAL
// =============================================================================

func TestRevert_SimpleTransfer_RoundTrip(t *testing.T) {
	// GIVEN: A validated simple transfer Alice -> Bob
	// WHEN: The trade is reverted
	// THEN: Alice holds her shift again, Bob's slot is empty, the listing is
	//       pending with its interest snapshot, and the ledger entry is gone

	notifier := &recordingNotifier{}
	svc, store, _ := newTestService(exchange.WithNotifier(notifier))
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")

	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "carol"))

	entry, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	aliceAssignment, _, aliceHas := findAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening)
	require.True(t, aliceHas)
	assert.Equal(t, "night", aliceAssignment.ShiftType)
	assert.Equal(t, "20:00 - 08:00", aliceAssignment.TimeSlot)

	_, _, bobHas := findAssignment(store, "bob", "2025-03-10", exchange.PeriodEvening)
	assert.False(t, bobHas)

	restored := getExchange(store, listing.ID)
	require.NotNil(t, restored)
	assert.Equal(t, exchange.StatusPending, restored.Status)
	assert.Equal(t, []string{"bob", "carol"}, restored.InterestedUsers)

	assert.Nil(t, getHistory(store, entry.ID))
	assert.Equal(t, []string{exchange.SlotKey("2025-03-10", exchange.PeriodEvening) + "/" + entry.ID}, notifier.Events())
}

func TestRevert_Permutation_RestoresOriginalLocations(t *testing.T) {
	// GIVEN: A validated permutation between Alice (period layout) and Bob
	//        (flat layout)
	// WHEN: The trade is reverted
	// THEN: Each shift is back in its original owner's original location

	svc, store, _ := newTestService()
	seedPeriodAssignment(store, "alice", "spring", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	seedFlatAssignment(store, "bob", "2025-03-10", exchange.PeriodEvening, "day", "08:00 - 20:00")

	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	entry, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)
	require.True(t, entry.IsPermutation)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	aliceAssignment, alicePeriodID, aliceHas := findAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening)
	require.True(t, aliceHas)
	assert.Equal(t, "night", aliceAssignment.ShiftType)
	assert.Equal(t, "20:00 - 08:00", aliceAssignment.TimeSlot)
	assert.Equal(t, "spring", alicePeriodID)

	bobAssignment, bobPeriodID, bobHas := findAssignment(store, "bob", "2025-03-10", exchange.PeriodEvening)
	require.True(t, bobHas)
	assert.Equal(t, "day", bobAssignment.ShiftType)
	assert.Equal(t, "08:00 - 20:00", bobAssignment.TimeSlot)
	assert.Equal(t, "", bobPeriodID)
}

func TestRevert_SimpleTransfer_KeepsAssignmentMetadata(t *testing.T) {
	// GIVEN: Alice's assignment carries optional status/type metadata
	// WHEN: The trade is validated and then reverted
	// THEN: The restored assignment is the original, metadata included

	svc, store, _ := newTestService()
	store.SeedPlanning(&exchange.Planning{
		UserID: "alice",
		Assignments: map[string]exchange.Assignment{
			exchange.SlotKey("2025-03-10", exchange.PeriodEvening): {
				Date:      "2025-03-10",
				Period:    exchange.PeriodEvening,
				ShiftType: "night",
				TimeSlot:  "20:00 - 08:00",
				Status:    "confirmed",
				Type:      "garde",
			},
		},
	})

	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	entry, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	restored, _, has := findAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening)
	require.True(t, has)
	assert.Equal(t, "confirmed", restored.Status)
	assert.Equal(t, "garde", restored.Type)
	assert.Equal(t, "20:00 - 08:00", restored.TimeSlot)
}

func TestRevert_ScrubsBlockedReceiverFromReinstatedListing(t *testing.T) {
	// GIVEN: The original listing carries a stale blocked-user entry for the
	//        receiver at revert time
	// WHEN: The trade is reverted
	// THEN: The reinstated listing no longer blocks the receiver

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")

	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	entry, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)

	err = svc.Store().RunTransaction(context.Background(), func(tx exchange.Tx) error {
		e, err := tx.GetExchange(listing.ID)
		if err != nil {
			return err
		}
		e.BlockedUsers = map[string]exchange.BlockedUserReason{
			"bob": {Reason: exchange.BlockAlreadyHasShift},
		}
		return tx.PutExchange(e)
	})
	require.NoError(t, err)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	restored := getExchange(store, listing.ID)
	require.NotNil(t, restored)
	assert.NotContains(t, restored.BlockedUsers, "bob")
}

func TestRevert_ReactivatesSupersededSiblings(t *testing.T) {
	// GIVEN: Validating Alice -> Bob superseded Bob's own listing on the slot
	// WHEN: The trade is reverted
	// THEN: Bob's listing goes back to pending

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	seedFlatAssignment(store, "bob", "2025-03-10", exchange.PeriodEvening, "day", "08:00 - 20:00")

	aliceListing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	bobListing, err := listShift(svc, "bob", "2025-03-10", exchange.PeriodEvening, "day", "08:00 - 20:00")
	require.NoError(t, err)

	require.NoError(t, svc.ToggleInterest(context.Background(), aliceListing.ID, "bob"))
	entry, err := svc.ValidateShiftExchange(context.Background(), aliceListing.ID, "bob", "admin")
	require.NoError(t, err)
	require.Equal(t, exchange.StatusUnavailable, getExchange(store, bobListing.ID).Status)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	assert.Equal(t, exchange.StatusPending, getExchange(store, bobListing.ID).Status)
}

func TestRevert_ReinsertsScrubbedInterest(t *testing.T) {
	// GIVEN: Validating Alice -> Bob scrubbed Bob from Carol's listing
	// WHEN: The trade is reverted
	// THEN: Bob is back in Carol's interest list

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	seedFlatAssignment(store, "carol", "2025-03-10", exchange.PeriodEvening, "day", "08:00 - 20:00")

	aliceListing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	carolListing, err := listShift(svc, "carol", "2025-03-10", exchange.PeriodEvening, "day", "08:00 - 20:00")
	require.NoError(t, err)

	require.NoError(t, svc.ToggleInterest(context.Background(), aliceListing.ID, "bob"))
	require.NoError(t, svc.ToggleInterest(context.Background(), carolListing.ID, "bob"))

	entry, err := svc.ValidateShiftExchange(context.Background(), aliceListing.ID, "bob", "admin")
	require.NoError(t, err)
	require.Empty(t, getExchange(store, carolListing.ID).InterestedUsers)

	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	assert.Equal(t, []string{"bob"}, getExchange(store, carolListing.ID).InterestedUsers)
}

func TestRevert_NonCompleted_InvalidExchange(t *testing.T) {
	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.RemoveShiftExchange(context.Background(), listing.ID, "alice"))

	rejected, err := store.ListHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryRejected},
	})
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	err = svc.RevertToExchange(context.Background(), rejected[0].ID)
	assert.Equal(t, exchange.CodeInvalidExchange, exchange.CodeOf(err))
}

func TestRevert_MissingEntry_GuardNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	err := svc.RevertToExchange(context.Background(), "missing")
	assert.Equal(t, exchange.CodeGuardNotFound, exchange.CodeOf(err))
}

func TestRevert_ThenValidateAgain_Succeeds(t *testing.T) {
	// A reverted trade leaves the marketplace exactly where it was, so the
	// same trade can be validated again.

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")

	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))

	entry, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)
	require.NoError(t, svc.RevertToExchange(context.Background(), entry.ID))

	entry2, err := svc.ValidateShiftExchange(context.Background(), listing.ID, "bob", "admin")
	require.NoError(t, err)
	assert.Equal(t, "bob", entry2.NewUserID)

	_, _, bobHas := findAssignment(store, "bob", "2025-03-10", exchange.PeriodEvening)
	assert.True(t, bobHas)
}

// =============================================================================
// RETRIEVAL
// =============================================================================

func TestGetExchangeHistory_NewestFirst(t *testing.T) {
	svc, store, clock := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	seedFlatAssignment(store, "carol", "2025-03-11", exchange.PeriodMorning, "day", "08:00 - 14:00")

	first, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), first.ID, "bob"))
	_, err = svc.ValidateShiftExchange(context.Background(), first.ID, "bob", "admin")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := listShift(svc, "carol", "2025-03-11", exchange.PeriodMorning, "day", "08:00 - 14:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), second.ID, "dave"))
	_, err = svc.ValidateShiftExchange(context.Background(), second.ID, "dave", "admin")
	require.NoError(t, err)

	list, err := svc.GetExchangeHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryCompleted},
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestGetExchangeHistory_IndexNotReady_FallsBack(t *testing.T) {
	svc, store, clock := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	seedFlatAssignment(store, "carol", "2025-03-11", exchange.PeriodMorning, "day", "08:00 - 14:00")

	first, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), first.ID, "bob"))
	_, err = svc.ValidateShiftExchange(context.Background(), first.ID, "bob", "admin")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	second, err := listShift(svc, "carol", "2025-03-11", exchange.PeriodMorning, "day", "08:00 - 14:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), second.ID, "dave"))
	_, err = svc.ValidateShiftExchange(context.Background(), second.ID, "dave", "admin")
	require.NoError(t, err)

	store.SetIndexReady(false)

	list, err := svc.GetExchangeHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryCompleted},
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
}

// =============================================================================
// NARROW RESTORATIONS
// =============================================================================

func TestRestoreRejectedExchange_RoundTrip(t *testing.T) {
	// GIVEN: A withdrawn listing
	// WHEN: The rejection is restored
	// THEN: The listing is pending again and the history entry consumed

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.RemoveShiftExchange(context.Background(), listing.ID, "alice"))

	rejected, err := store.ListHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryRejected},
	})
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	require.NoError(t, svc.RestoreRejectedExchange(context.Background(), rejected[0].ID))

	assert.Equal(t, exchange.StatusPending, getExchange(store, listing.ID).Status)
	assert.Nil(t, getHistory(store, rejected[0].ID))
}

func TestRestoreRejectedExchange_DivergedListing_Refused(t *testing.T) {
	// GIVEN: The listing was re-listed (pending again) after its withdrawal
	// WHEN: The stale rejection entry is restored
	// THEN: Refused rather than clobbering the newer state

	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.RemoveShiftExchange(context.Background(), listing.ID, "alice"))

	rejected, err := store.ListHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryRejected},
	})
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	// Re-list: the rejected document is not reused (only pending/cancelled
	// are), so the restore must refuse to touch it.
	_, err = listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.Error(t, err) // rejected doc blocks re-listing

	// Force the divergence directly instead.
	err = svc.Store().RunTransaction(context.Background(), func(tx exchange.Tx) error {
		e, err := tx.GetExchange(listing.ID)
		if err != nil {
			return err
		}
		e.Status = exchange.StatusValidated
		return tx.PutExchange(e)
	})
	require.NoError(t, err)

	err = svc.RestoreRejectedExchange(context.Background(), rejected[0].ID)
	assert.Equal(t, exchange.CodeInvalidExchange, exchange.CodeOf(err))
}

func TestRestoreInterestRemoval_RoundTrip(t *testing.T) {
	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	require.NoError(t, svc.RemoveUserFromExchange(context.Background(), listing.ID, "bob", "admin"))

	removed, err := store.ListHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryInterestRemoved},
	})
	require.NoError(t, err)
	require.Len(t, removed, 1)

	require.NoError(t, svc.RestoreInterestRemoval(context.Background(), removed[0].ID))

	assert.Equal(t, []string{"bob"}, getExchange(store, listing.ID).InterestedUsers)
	assert.Nil(t, getHistory(store, removed[0].ID))
}

func TestRestoreInterestRemoval_ListingNotPending_Refused(t *testing.T) {
	svc, store, _ := newTestService()
	seedFlatAssignment(store, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	listing, err := listShift(svc, "alice", "2025-03-10", exchange.PeriodEvening, "night", "20:00 - 08:00")
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(context.Background(), listing.ID, "bob"))
	require.NoError(t, svc.RemoveUserFromExchange(context.Background(), listing.ID, "bob", "admin"))

	removed, err := store.ListHistory(context.Background(), exchange.HistoryQuery{
		Statuses: []exchange.HistoryStatus{exchange.HistoryInterestRemoved},
	})
	require.NoError(t, err)
	require.Len(t, removed, 1)

	require.NoError(t, svc.RemoveShiftExchange(context.Background(), listing.ID, "alice"))

	err = svc.RestoreInterestRemoval(context.Background(), removed[0].ID)
	assert.Equal(t, exchange.CodeInvalidExchange, exchange.CodeOf(err))
}
