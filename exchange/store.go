/*
store.go - Persistence interfaces for the exchange engine

PURPOSE:
  Defines the boundary between the engine and the backing document store.
  Three collections are coupled by every trade: shift_exchanges (listings),
  exchange_history (the ledger) and generated_plannings (per-user documents),
  plus the phase configuration and backup snapshots.

TRANSACTION DISCIPLINE:
  RunTransaction presents a consistent snapshot for all reads issued inside
  it and aborts on write conflict with a concurrently committed transaction.
  The primitive statically forbids interleaving: every read must precede the
  first write, or the transaction fails with ErrReadAfterWrite. That is why
  each engine operation is one explicit "read everything, then write
  everything" block.

INDEX FALLBACK:
  Filtered+sorted list queries may fail with ErrIndexNotReady while a
  composite index is still building. Callers catch that sentinel and retry
  unfiltered, sorting and filtering client-side. The sentinel never reaches
  API consumers.

IMPLEMENTATIONS:
  - exchange/store/memory: snapshot/rollback in-memory store (tests, dev)
  - store/sqlite:          SQLite-backed document store (production)

SEE ALSO:
  - trade.go, history.go: The two-phase transaction consumers
  - restore.go:           Backup and bulk-replace consumers
*/
package exchange

import (
	"context"
	"time"
)

// =============================================================================
// QUERY FILTERS
// =============================================================================

// ExchangeQuery filters listing queries. Zero fields match everything.
type ExchangeQuery struct {
	UserID    string
	Date      string
	Period    Period
	Statuses  []ExchangeStatus
	ExcludeID string

	// OrderByDate requests server-side date ordering; combined with status
	// filtering it needs a composite index and may fail ErrIndexNotReady.
	OrderByDate bool
}

// Matches applies the filter client-side (the unindexed fallback path).
func (q ExchangeQuery) Matches(e *Exchange) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Date != "" && e.Date != q.Date {
		return false
	}
	if q.Period != "" && e.Period != q.Period {
		return false
	}
	if q.ExcludeID != "" && e.ID == q.ExcludeID {
		return false
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// HistoryQuery filters ledger queries.
type HistoryQuery struct {
	Date     string
	Period   Period
	UserID   string // matches originalUserId OR newUserId
	Statuses []HistoryStatus

	// OrderByExchangedAtDesc requests newest-first server-side ordering.
	OrderByExchangedAtDesc bool
}

func (q HistoryQuery) Matches(h *ExchangeHistory) bool {
	if q.Date != "" && h.Date != q.Date {
		return false
	}
	if q.Period != "" && h.Period != q.Period {
		return false
	}
	if q.UserID != "" && h.OriginalUserID != q.UserID && h.NewUserID != q.UserID {
		return false
	}
	if len(q.Statuses) > 0 {
		ok := false
		for _, s := range q.Statuses {
			if h.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// =============================================================================
// TX - One two-phase transaction: all reads, then all writes
// =============================================================================

// Tx is the view inside RunTransaction. Read methods fail with
// ErrReadAfterWrite once any write method has been called.
type Tx interface {
	// Reads
	GetExchange(id string) (*Exchange, error)
	FindExchanges(q ExchangeQuery) ([]*Exchange, error)
	GetHistory(id string) (*ExchangeHistory, error)
	FindHistory(q HistoryQuery) ([]*ExchangeHistory, error)
	GetPlanning(userID string) (*Planning, error)

	// Writes
	PutExchange(e *Exchange) error
	PutHistory(h *ExchangeHistory) error
	DeleteHistory(id string) error
	PutPlanning(p *Planning) error
}

// =============================================================================
// STORE - Top-level persistence contract
// =============================================================================

type Store interface {
	// RunTransaction executes fn atomically. If fn returns an error the
	// transaction is rolled back and the error propagated unmodified.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Non-transactional reads (listener/retrieval paths).
	ListExchanges(ctx context.Context, q ExchangeQuery) ([]*Exchange, error)
	ListHistory(ctx context.Context, q HistoryQuery) ([]*ExchangeHistory, error)
	ListPlannings(ctx context.Context) ([]*Planning, error)

	// Phase configuration (read by the engine; transitions are external,
	// except the bulk restore which flips the phase back to distribution).
	GetPhase(ctx context.Context) (Phase, error)
	SetPhase(ctx context.Context, phase Phase) error

	// Backups
	SaveBackup(ctx context.Context, b *Backup) error
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackups(ctx context.Context) ([]*Backup, error) // newest first
	DeleteBackup(ctx context.Context, id string) error

	// Destructive full-collection replacement, used by restore-from-backup.
	ReplaceExchanges(ctx context.Context, docs []Exchange) error
	ReplaceHistory(ctx context.Context, docs []ExchangeHistory) error
	ReplacePlannings(ctx context.Context, docs []Planning) error
}

// =============================================================================
// COLLABORATORS - External interfaces consumed by the engine
// =============================================================================

// ReplacementsPool mirrors a listing into the external replacements
// collection. Opaque side-channel; the engine only calls these two methods.
type ReplacementsPool interface {
	CreateReplacement(ctx context.Context, e *Exchange) error
	DeleteReplacement(ctx context.Context, exchangeID string) error
}

// UserDirectory resolves user ids to display names for blocked-user reasons.
type UserDirectory interface {
	GetUserName(ctx context.Context, userID string) (string, error)
}

// Notifier receives application-level events after commits settle, so
// dependent views refresh without re-polling.
type Notifier interface {
	ExchangeReverted(ctx context.Context, slotKey string, historyID string)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) ExchangeReverted(context.Context, string, string) {}

// Clock abstracts time for deterministic tests.
type Clock func() time.Time
