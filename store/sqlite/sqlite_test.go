package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planimed/bag-engine/exchange"
	"github.com/planimed/bag-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedListing(t *testing.T, s *sqlite.Store, id, userID, date string, period exchange.Period, status exchange.ExchangeStatus) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		return tx.PutExchange(&exchange.Exchange{
			ID: id, UserID: userID, Date: date, Period: period,
			ShiftType: "night", TimeSlot: "20:00 - 08:00",
			Status:          status,
			InterestedUsers: []string{},
			OperationTypes:  []exchange.OperationType{exchange.OperationExchange},
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestExchange_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedListing(t, s, "e1", "alice", "2025-03-10", exchange.PeriodEvening, exchange.StatusPending)

	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		e, err := tx.GetExchange("e1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, "alice", e.UserID)
		assert.Equal(t, exchange.StatusPending, e.Status)
		assert.Equal(t, []string{}, e.InterestedUsers)
		return nil
	})
	require.NoError(t, err)
}

func TestExchange_GetMissing_ReturnsNil(t *testing.T) {
	s := newTestStore(t)
	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		e, err := tx.GetExchange("missing")
		require.NoError(t, err)
		assert.Nil(t, e)
		return nil
	})
	require.NoError(t, err)
}

func TestExchange_UpsertUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	seedListing(t, s, "e1", "alice", "2025-03-10", exchange.PeriodEvening, exchange.StatusPending)
	seedListing(t, s, "e1", "alice", "2025-03-10", exchange.PeriodEvening, exchange.StatusValidated)

	list, err := s.ListExchanges(context.Background(), exchange.ExchangeQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, exchange.StatusValidated, list[0].Status)
}

func TestPlanning_RoundTripPreservesLayouts(t *testing.T) {
	s := newTestStore(t)
	slotKey := exchange.SlotKey("2025-03-10", exchange.PeriodEvening)

	err := s.SeedPlanning(context.Background(), &exchange.Planning{
		UserID: "alice",
		Periods: map[string]*exchange.PlanningPeriod{
			"spring": {
				ID: "spring", StartDate: "2025-03-01", EndDate: "2025-05-31",
				Assignments: map[string]exchange.Assignment{
					slotKey: {Date: "2025-03-10", Period: exchange.PeriodEvening, ShiftType: "night", TimeSlot: "20:00 - 08:00"},
				},
			},
		},
	})
	require.NoError(t, err)

	err = s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		p, err := tx.GetPlanning("alice")
		require.NoError(t, err)
		require.NotNil(t, p)
		a, periodID, ok := exchange.NewPlanningAccessor(p).Find(slotKey)
		require.True(t, ok)
		assert.Equal(t, "night", a.ShiftType)
		assert.Equal(t, "spring", periodID)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// TRANSACTION SEMANTICS
// =============================================================================

func TestRunTransaction_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	seedListing(t, s, "e1", "alice", "2025-03-10", exchange.PeriodEvening, exchange.StatusPending)

	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		e, err := tx.GetExchange("e1")
		require.NoError(t, err)
		e.Status = exchange.StatusValidated
		if err := tx.PutExchange(e); err != nil {
			return err
		}
		return exchange.NewError(exchange.CodeInvalidExchange, "abort")
	})
	require.Error(t, err)

	list, err := s.ListExchanges(context.Background(), exchange.ExchangeQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, exchange.StatusPending, list[0].Status)
}

func TestRunTransaction_ReadAfterWrite_Rejected(t *testing.T) {
	s := newTestStore(t)
	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		if err := tx.PutHistory(&exchange.ExchangeHistory{ID: "h1", Status: exchange.HistoryCompleted}); err != nil {
			return err
		}
		_, err := tx.GetExchange("e1")
		return err
	})
	assert.ErrorIs(t, err, exchange.ErrReadAfterWrite)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestListExchanges_FilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	seedListing(t, s, "e2", "bob", "2025-03-12", exchange.PeriodEvening, exchange.StatusPending)
	seedListing(t, s, "e1", "alice", "2025-03-10", exchange.PeriodEvening, exchange.StatusPending)
	seedListing(t, s, "e3", "carol", "2025-03-11", exchange.PeriodEvening, exchange.StatusRejected)

	list, err := s.ListExchanges(context.Background(), exchange.ExchangeQuery{
		Statuses:    []exchange.ExchangeStatus{exchange.StatusPending, exchange.StatusUnavailable},
		OrderByDate: true,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e1", list[0].ID)
	assert.Equal(t, "e2", list[1].ID)

	bySlot, err := s.ListExchanges(context.Background(), exchange.ExchangeQuery{
		Date: "2025-03-10", Period: exchange.PeriodEvening,
	})
	require.NoError(t, err)
	require.Len(t, bySlot, 1)
	assert.Equal(t, "e1", bySlot[0].ID)

	excluded, err := s.ListExchanges(context.Background(), exchange.ExchangeQuery{ExcludeID: "e1"})
	require.NoError(t, err)
	assert.Len(t, excluded, 2)
}

func TestListHistory_UserMatchesEitherSide_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		if err := tx.PutHistory(&exchange.ExchangeHistory{
			ID: "h1", Date: "2025-03-10", Period: exchange.PeriodEvening,
			OriginalUserID: "alice", NewUserID: "bob", Status: exchange.HistoryCompleted,
			ExchangedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		}); err != nil {
			return err
		}
		return tx.PutHistory(&exchange.ExchangeHistory{
			ID: "h2", Date: "2025-03-10", Period: exchange.PeriodEvening,
			OriginalUserID: "bob", NewUserID: "carol", Status: exchange.HistoryCompleted,
			ExchangedAt: time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC),
		})
	})
	require.NoError(t, err)

	list, err := s.ListHistory(context.Background(), exchange.HistoryQuery{
		UserID:                 "bob",
		OrderByExchangedAtDesc: true,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h2", list[0].ID)
	assert.Equal(t, "h1", list[1].ID)
}

// =============================================================================
// PHASE, BACKUPS, REPLACEMENT
// =============================================================================

func TestPhase_DefaultsToSubmission(t *testing.T) {
	s := newTestStore(t)
	phase, err := s.GetPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchange.PhaseSubmission, phase)

	require.NoError(t, s.SetPhase(context.Background(), exchange.PhaseCompleted))
	phase, err = s.GetPhase(context.Background())
	require.NoError(t, err)
	assert.Equal(t, exchange.PhaseCompleted, phase)
}

func TestBackups_RoundTripNewestFirst(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBackup(context.Background(), &exchange.Backup{
		ID: "b1", CreatedAt: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		Phase: exchange.PhaseDistribution,
	}))
	require.NoError(t, s.SaveBackup(context.Background(), &exchange.Backup{
		ID: "b2", CreatedAt: time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC),
		Phase: exchange.PhaseCompleted,
	}))

	list, err := s.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].ID)

	b, err := s.GetBackup(context.Background(), "b1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, exchange.PhaseDistribution, b.Phase)

	missing, err := s.GetBackup(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReplaceHistory_DropsPreviousContent(t *testing.T) {
	s := newTestStore(t)
	err := s.RunTransaction(context.Background(), func(tx exchange.Tx) error {
		return tx.PutHistory(&exchange.ExchangeHistory{ID: "old", Status: exchange.HistoryCompleted})
	})
	require.NoError(t, err)

	err = s.ReplaceHistory(context.Background(), []exchange.ExchangeHistory{
		{ID: "new", Status: exchange.HistoryRejected, Date: "2025-03-10", Period: exchange.PeriodEvening, OriginalUserID: "alice"},
	})
	require.NoError(t, err)

	list, err := s.ListHistory(context.Background(), exchange.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].ID)
}

// =============================================================================
// ENGINE INTEGRATION - the full trade/revert cycle against SQLite
// =============================================================================

func TestEngine_TradeAndRevert_AgainstSQLite(t *testing.T) {
	// The same round trip the in-memory suite covers, proving the SQL
	// implementation honors the transaction discipline end to end.

	s := newTestStore(t)
	ctx := context.Background()
	slotKey := exchange.SlotKey("2025-03-10", exchange.PeriodEvening)

	require.NoError(t, s.SeedPlanning(ctx, &exchange.Planning{
		UserID: "alice",
		Assignments: map[string]exchange.Assignment{
			slotKey: {Date: "2025-03-10", Period: exchange.PeriodEvening, ShiftType: "night", TimeSlot: "20:00 - 08:00"},
		},
	}))

	svc := exchange.NewService(s, nil, exchange.WithSettleDelay(0))

	listing, err := svc.AddShiftExchange(ctx, &exchange.Exchange{
		UserID: "alice", Date: "2025-03-10", Period: exchange.PeriodEvening,
		ShiftType: "night", TimeSlot: "20:00 - 08:00",
	})
	require.NoError(t, err)
	require.NoError(t, svc.ToggleInterest(ctx, listing.ID, "bob"))

	entry, err := svc.ValidateShiftExchange(ctx, listing.ID, "bob", "admin")
	require.NoError(t, err)
	assert.False(t, entry.IsPermutation)

	plannings, err := s.ListPlannings(ctx)
	require.NoError(t, err)
	require.Len(t, plannings, 2)

	require.NoError(t, svc.RevertToExchange(ctx, entry.ID))

	err = s.RunTransaction(ctx, func(tx exchange.Tx) error {
		p, err := tx.GetPlanning("alice")
		require.NoError(t, err)
		a, _, ok := exchange.NewPlanningAccessor(p).Find(slotKey)
		require.True(t, ok)
		assert.Equal(t, "night", a.ShiftType)

		e, err := tx.GetExchange(listing.ID)
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, exchange.StatusPending, e.Status)

		h, err := tx.GetHistory(entry.ID)
		require.NoError(t, err)
		assert.Nil(t, h)
		return nil
	})
	require.NoError(t, err)
}
