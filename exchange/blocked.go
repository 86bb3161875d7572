/*
blocked.go - Blocked-users cache and maintenance

PURPOSE:
  Derives, caches and maintains per-slot sets of users who may not express
  interest in a listing because a prior completed trade already gives them
  a conflicting shift on that exact (date, period).

DERIVATION:
  For each completed history entry on the slot, the receiving user is
  blocked (already_has_shift, referencing the shift type and counterpart).
  For a permutation the original owner is also blocked, against the shift
  type they acquired in return.

CACHING:
  Two process-local layers with independent TTLs:
    - user-id -> display-name, 30 minutes
    - slot-key -> blocked set,  5 minutes
  The cache is never authoritative: it is recomputed from history on miss
  and explicitly invalidated by every writer that can change membership
  (post-trade, post-reversal). The TTL is only a staleness backstop.

LIFECYCLE:
  Explicitly constructed and dependency-injected, with a constructor
  clock so tests control expiry deterministically. Start launches a
  janitor goroutine evicting expired entries; Stop terminates it.

BATCHED MAINTENANCE:
  Multi-slot recomputation runs in batches of five concurrent slots with a
  short pause every ten, trading latency for backend headroom.

SEE ALSO:
  - trade.go, history.go: The writers invalidating slots after commits
*/
package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	nameCacheTTL  = 30 * time.Minute
	slotCacheTTL  = 5 * time.Minute
	refreshBatch  = 5
	refreshPause  = 200 * time.Millisecond
	janitorPeriod = time.Minute
)

// Slot identifies one shift opportunity for batched refreshes.
type Slot struct {
	Date   string
	Period Period
}

// BlockedUsersCache is the blocked-users manager.
type BlockedUsersCache struct {
	store     Store
	directory UserDirectory
	log       *zap.Logger
	now       Clock

	mu    sync.Mutex
	names map[string]nameEntry
	slots map[string]slotEntry

	stop chan struct{}
	done chan struct{}
}

type nameEntry struct {
	name    string
	expires time.Time
}

type slotEntry struct {
	blocked map[string]BlockedUserReason
	expires time.Time
}

// NewBlockedUsersCache builds the cache. directory may be nil (names are
// then left empty), logger may be nil, clock defaults to time.Now.
func NewBlockedUsersCache(store Store, directory UserDirectory, logger *zap.Logger, clock Clock) *BlockedUsersCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &BlockedUsersCache{
		store:     store,
		directory: directory,
		log:       logger,
		now:       clock,
		names:     make(map[string]nameEntry),
		slots:     make(map[string]slotEntry),
	}
}

// Start launches the expiry janitor. Safe to skip in tests.
func (c *BlockedUsersCache) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.janitor(c.stop, c.done)
}

// Stop terminates the janitor and waits for it to exit.
func (c *BlockedUsersCache) Stop() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (c *BlockedUsersCache) janitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *BlockedUsersCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.names {
		if now.After(e.expires) {
			delete(c.names, k)
		}
	}
	for k, e := range c.slots {
		if now.After(e.expires) {
			delete(c.slots, k)
		}
	}
}

// =============================================================================
// LOOKUP
// =============================================================================

// GetBlockedUsersForSlot returns the blocked set for the slot, recomputing
// from completed history on cache miss or expiry.
func (c *BlockedUsersCache) GetBlockedUsersForSlot(ctx context.Context, date string, period Period) (map[string]BlockedUserReason, error) {
	key := SlotKey(date, period)

	c.mu.Lock()
	if e, ok := c.slots[key]; ok && c.now().Before(e.expires) {
		blocked := cloneBlocked(e.blocked)
		c.mu.Unlock()
		return blocked, nil
	}
	c.mu.Unlock()

	blocked, err := c.compute(ctx, date, period)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.slots[key] = slotEntry{blocked: cloneBlocked(blocked), expires: c.now().Add(slotCacheTTL)}
	c.mu.Unlock()
	return blocked, nil
}

func (c *BlockedUsersCache) compute(ctx context.Context, date string, period Period) (map[string]BlockedUserReason, error) {
	entries, err := c.store.ListHistory(ctx, HistoryQuery{
		Date:     date,
		Period:   period,
		Statuses: []HistoryStatus{HistoryCompleted},
	})
	if err != nil {
		return nil, err
	}

	blocked := make(map[string]BlockedUserReason)
	for _, h := range entries {
		blocked[h.NewUserID] = BlockedUserReason{
			Reason:               BlockAlreadyHasShift,
			ShiftType:            h.OriginalShiftType,
			ExchangeWithUserID:   h.OriginalUserID,
			ExchangeWithUserName: c.userName(ctx, h.OriginalUserID),
			SourceExchangeID:     h.OriginalExchangeID,
		}
		if h.IsPermutation {
			// The original owner received the counterpart shift and is
			// blocked against it just the same.
			blocked[h.OriginalUserID] = BlockedUserReason{
				Reason:               BlockAlreadyHasShift,
				ShiftType:            h.NewShiftType,
				ExchangeWithUserID:   h.NewUserID,
				ExchangeWithUserName: c.userName(ctx, h.NewUserID),
				SourceExchangeID:     h.OriginalExchangeID,
			}
		}
	}
	return blocked, nil
}

func (c *BlockedUsersCache) userName(ctx context.Context, userID string) string {
	if c.directory == nil || userID == "" {
		return ""
	}
	c.mu.Lock()
	if e, ok := c.names[userID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	name, err := c.directory.GetUserName(ctx, userID)
	if err != nil {
		c.log.Warn("user name lookup failed", zap.String("userId", userID), zap.Error(err))
		return ""
	}

	c.mu.Lock()
	c.names[userID] = nameEntry{name: name, expires: c.now().Add(nameCacheTTL)}
	c.mu.Unlock()
	return name
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// UpdateBlockedUsersForSlot recomputes the slot's blocked set and stamps it
// onto every pending listing on the slot, restricted to each listing's own
// interested users. Unrelated listings are never rewritten.
func (c *BlockedUsersCache) UpdateBlockedUsersForSlot(ctx context.Context, date string, period Period) error {
	c.InvalidateSlot(date, period)
	blocked, err := c.GetBlockedUsersForSlot(ctx, date, period)
	if err != nil {
		return err
	}

	return c.store.RunTransaction(ctx, func(tx Tx) error {
		pending, err := tx.FindExchanges(ExchangeQuery{
			Date:     date,
			Period:   period,
			Statuses: []ExchangeStatus{StatusPending},
		})
		if err != nil {
			return err
		}
		for _, e := range pending {
			stamp := make(map[string]BlockedUserReason)
			for _, u := range e.InterestedUsers {
				if reason, ok := blocked[u]; ok {
					stamp[u] = reason
				}
			}
			if blockedMapsEqual(e.BlockedUsers, stamp) {
				continue
			}
			e.BlockedUsers = stamp
			if err := tx.PutExchange(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateSlots refreshes many slots with bounded concurrency: batches of
// five, with a short pause after every ten slots to stay under backend
// rate limits. Per-slot failures are logged and do not abort the batch.
func (c *BlockedUsersCache) UpdateSlots(ctx context.Context, slots []Slot) {
	for i := 0; i < len(slots); i += refreshBatch {
		end := i + refreshBatch
		if end > len(slots) {
			end = len(slots)
		}

		var wg sync.WaitGroup
		for _, slot := range slots[i:end] {
			wg.Add(1)
			go func(sl Slot) {
				defer wg.Done()
				if err := c.UpdateBlockedUsersForSlot(ctx, sl.Date, sl.Period); err != nil {
					c.log.Warn("blocked-users refresh failed",
						zap.String("slot", SlotKey(sl.Date, sl.Period)), zap.Error(err))
				}
			}(slot)
		}
		wg.Wait()

		if end%10 == 0 && end < len(slots) {
			select {
			case <-time.After(refreshPause):
			case <-ctx.Done():
				return
			}
		}
	}
}

// InvalidateSlot drops the cached set for one slot.
func (c *BlockedUsersCache) InvalidateSlot(date string, period Period) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, SlotKey(date, period))
}

// InvalidateAll drops every cached slot set (names survive).
func (c *BlockedUsersCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = make(map[string]slotEntry)
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneBlocked(m map[string]BlockedUserReason) map[string]BlockedUserReason {
	out := make(map[string]BlockedUserReason, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func blockedMapsEqual(a, b map[string]BlockedUserReason) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
