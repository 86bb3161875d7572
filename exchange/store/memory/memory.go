/*
Package memory provides an in-memory exchange.Store (tests, dev).

PURPOSE:
  Implements the full Store contract against process memory. Transactions
  are simulated with snapshot-and-rollback under one mutex: a transaction
  sees and mutates live state, and a failed one restores the snapshot, so
  callers observe the same all-or-nothing behavior as the production store.

READ/WRITE DISCIPLINE:
  The transaction view tracks whether a write has been issued and fails any
  later read with exchange.ErrReadAfterWrite, mirroring the production
  store's restriction so engine code cannot accidentally depend on
  interleaving that only works in memory.

INDEX SIMULATION:
  SetIndexReady(false) makes composite queries (status filter plus
  server-side ordering) fail with exchange.ErrIndexNotReady, exercising the
  engine's unindexed fallback path deterministically.

DOCUMENT ISOLATION:
  Documents cross the store boundary as JSON round-trip clones in both
  directions, so callers can never mutate stored state outside a
  transaction.
*/
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/planimed/bag-engine/exchange"
)

// Store is the in-memory implementation of exchange.Store.
type Store struct {
	mu         sync.Mutex
	exchanges  map[string]*exchange.Exchange
	history    map[string]*exchange.ExchangeHistory
	plannings  map[string]*exchange.Planning
	backups    map[string]*exchange.Backup
	phase      exchange.Phase
	indexReady bool
}

// New creates an empty store in the submission phase with indexes "ready".
func New() *Store {
	return &Store{
		exchanges:  make(map[string]*exchange.Exchange),
		history:    make(map[string]*exchange.ExchangeHistory),
		plannings:  make(map[string]*exchange.Planning),
		backups:    make(map[string]*exchange.Backup),
		phase:      exchange.PhaseSubmission,
		indexReady: true,
	}
}

// SetIndexReady toggles the composite-index simulation.
func (s *Store) SetIndexReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexReady = ready
}

// =============================================================================
// CLONING - JSON round trip keeps stored state isolated from callers
// =============================================================================

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err) // domain types marshal by construction
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		panic(err)
	}
	return out
}

// =============================================================================
// TRANSACTIONS - snapshot, run, rollback on error
// =============================================================================

type memTx struct {
	s     *Store
	wrote bool
}

func (s *Store) RunTransaction(ctx context.Context, fn func(tx exchange.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapExchanges := snapshotMap(s.exchanges)
	snapHistory := snapshotMap(s.history)
	snapPlannings := snapshotMap(s.plannings)

	if err := fn(&memTx{s: s}); err != nil {
		s.exchanges = snapExchanges
		s.history = snapHistory
		s.plannings = snapPlannings
		return err
	}
	return nil
}

func snapshotMap[T any](m map[string]*T) map[string]*T {
	out := make(map[string]*T, len(m))
	for k, v := range m {
		out[k] = clone(v)
	}
	return out
}

// ---- Tx reads ---------------------------------------------------------------

func (t *memTx) guardRead() error {
	if t.wrote {
		return exchange.ErrReadAfterWrite
	}
	return nil
}

func (t *memTx) GetExchange(id string) (*exchange.Exchange, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return clone(t.s.exchanges[id]), nil
}

func (t *memTx) FindExchanges(q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return t.s.findExchangesLocked(q)
}

func (t *memTx) GetHistory(id string) (*exchange.ExchangeHistory, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return clone(t.s.history[id]), nil
}

func (t *memTx) FindHistory(q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return t.s.findHistoryLocked(q)
}

func (t *memTx) GetPlanning(userID string) (*exchange.Planning, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return clone(t.s.plannings[userID]), nil
}

// ---- Tx writes --------------------------------------------------------------

func (t *memTx) PutExchange(e *exchange.Exchange) error {
	t.wrote = true
	t.s.exchanges[e.ID] = clone(e)
	return nil
}

func (t *memTx) PutHistory(h *exchange.ExchangeHistory) error {
	t.wrote = true
	t.s.history[h.ID] = clone(h)
	return nil
}

func (t *memTx) DeleteHistory(id string) error {
	t.wrote = true
	delete(t.s.history, id)
	return nil
}

func (t *memTx) PutPlanning(p *exchange.Planning) error {
	t.wrote = true
	t.s.plannings[p.UserID] = clone(p)
	return nil
}

// =============================================================================
// NON-TRANSACTIONAL READS
// =============================================================================

func (s *Store) ListExchanges(ctx context.Context, q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.OrderByDate && len(q.Statuses) > 0 && !s.indexReady {
		return nil, exchange.ErrIndexNotReady
	}
	return s.findExchangesLocked(q)
}

func (s *Store) findExchangesLocked(q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	var out []*exchange.Exchange
	for _, e := range s.exchanges {
		if q.Matches(e) {
			out = append(out, clone(e))
		}
	}
	if q.OrderByDate {
		sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out, nil
}

func (s *Store) ListHistory(ctx context.Context, q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.OrderByExchangedAtDesc && (len(q.Statuses) > 0 || q.Date != "" || q.UserID != "") && !s.indexReady {
		return nil, exchange.ErrIndexNotReady
	}
	return s.findHistoryLocked(q)
}

func (s *Store) findHistoryLocked(q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	var out []*exchange.ExchangeHistory
	for _, h := range s.history {
		if q.Matches(h) {
			out = append(out, clone(h))
		}
	}
	if q.OrderByExchangedAtDesc {
		sort.Slice(out, func(i, j int) bool { return out[i].ExchangedAt.After(out[j].ExchangedAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out, nil
}

func (s *Store) ListPlannings(ctx context.Context) ([]*exchange.Planning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*exchange.Planning
	for _, p := range s.plannings {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SeedPlanning installs a planning document directly (test/dev helper).
func (s *Store) SeedPlanning(p *exchange.Planning) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plannings[p.UserID] = clone(p)
}

// =============================================================================
// PHASE
// =============================================================================

func (s *Store) GetPhase(ctx context.Context) (exchange.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, nil
}

func (s *Store) SetPhase(ctx context.Context, phase exchange.Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	return nil
}

// =============================================================================
// BACKUPS
// =============================================================================

func (s *Store) SaveBackup(ctx context.Context, b *exchange.Backup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups[b.ID] = clone(b)
	return nil
}

func (s *Store) GetBackup(ctx context.Context, id string) (*exchange.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.backups[id]), nil
}

func (s *Store) ListBackups(ctx context.Context) ([]*exchange.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*exchange.Backup
	for _, b := range s.backups {
		out = append(out, clone(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backups, id)
	return nil
}

// =============================================================================
// DESTRUCTIVE REPLACEMENT
// =============================================================================

func (s *Store) ReplaceExchanges(ctx context.Context, docs []exchange.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = make(map[string]*exchange.Exchange, len(docs))
	for i := range docs {
		s.exchanges[docs[i].ID] = clone(&docs[i])
	}
	return nil
}

func (s *Store) ReplaceHistory(ctx context.Context, docs []exchange.ExchangeHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string]*exchange.ExchangeHistory, len(docs))
	for i := range docs {
		s.history[docs[i].ID] = clone(&docs[i])
	}
	return nil
}

func (s *Store) ReplacePlannings(ctx context.Context, docs []exchange.Planning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plannings = make(map[string]*exchange.Planning, len(docs))
	for i := range docs {
		s.plannings[docs[i].UserID] = clone(&docs[i])
	}
	return nil
}
