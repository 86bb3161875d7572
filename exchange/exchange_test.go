package exchange_test

import (
	"context"
	"sync"
	"time"

	"github.com/planimed/bag-engine/exchange"
	"github.com/planimed/bag-engine/exchange/store/memory"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeClock is an advanceable time source shared by service and cache tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestService builds a service over the in-memory store with a fake clock
// and no settling delay.
func newTestService(opts ...exchange.Option) (*exchange.Service, *memory.Store, *fakeClock) {
	store := memory.New()
	clock := newFakeClock()
	base := []exchange.Option{
		exchange.WithClock(clock.Now),
		exchange.WithSettleDelay(0),
	}
	svc := exchange.NewService(store, nil, append(base, opts...)...)
	return svc, store, clock
}

// seedFlatAssignment installs userID's assignment for the slot in the flat
// planning layout.
func seedFlatAssignment(store *memory.Store, userID, date string, period exchange.Period, shiftType, timeSlot string) {
	store.SeedPlanning(&exchange.Planning{
		UserID: userID,
		Assignments: map[string]exchange.Assignment{
			exchange.SlotKey(date, period): {
				Date: date, Period: period, ShiftType: shiftType, TimeSlot: timeSlot,
			},
		},
	})
}

// seedPeriodAssignment installs the assignment inside a named period
// partition covering the date.
func seedPeriodAssignment(store *memory.Store, userID, periodID, date string, period exchange.Period, shiftType, timeSlot string) {
	store.SeedPlanning(&exchange.Planning{
		UserID: userID,
		Periods: map[string]*exchange.PlanningPeriod{
			periodID: {
				ID:        periodID,
				StartDate: "2025-01-01",
				EndDate:   "2025-12-31",
				Assignments: map[string]exchange.Assignment{
					exchange.SlotKey(date, period): {
						Date: date, Period: period, ShiftType: shiftType, TimeSlot: timeSlot,
					},
				},
			},
		},
	})
}

// listShift creates a listing through the service; callers must have seeded
// the matching planning assignment first.
func listShift(svc *exchange.Service, userID, date string, period exchange.Period, shiftType, timeSlot string) (*exchange.Exchange, error) {
	return svc.AddShiftExchange(context.Background(), &exchange.Exchange{
		UserID:    userID,
		Date:      date,
		Period:    period,
		ShiftType: shiftType,
		TimeSlot:  timeSlot,
	})
}

// findAssignment probes a user's planning for the slot across both layouts.
func findAssignment(store *memory.Store, userID, date string, period exchange.Period) (exchange.Assignment, string, bool) {
	plannings, err := store.ListPlannings(context.Background())
	if err != nil {
		return exchange.Assignment{}, "", false
	}
	for _, p := range plannings {
		if p.UserID != userID {
			continue
		}
		return exchange.NewPlanningAccessor(p).Find(exchange.SlotKey(date, period))
	}
	return exchange.Assignment{}, "", false
}

// getExchange fetches one listing document outside any transaction.
func getExchange(store *memory.Store, id string) *exchange.Exchange {
	list, err := store.ListExchanges(context.Background(), exchange.ExchangeQuery{})
	if err != nil {
		return nil
	}
	for _, e := range list {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// getHistory fetches one ledger entry outside any transaction.
func getHistory(store *memory.Store, id string) *exchange.ExchangeHistory {
	list, err := store.ListHistory(context.Background(), exchange.HistoryQuery{})
	if err != nil {
		return nil
	}
	for _, h := range list {
		if h.ID == id {
			return h
		}
	}
	return nil
}
