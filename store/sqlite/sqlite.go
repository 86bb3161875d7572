/*
Package sqlite provides a SQLite-backed implementation of exchange.Store.

PURPOSE:
  Persists the three coupled collections (shift_exchanges, exchange_history,
  generated_plannings) plus the phase configuration and backups. Documents
  are stored as JSON with the filterable fields lifted into indexed columns,
  so the store behaves like a document store with secondary indexes.

KEY TABLES:
  shift_exchanges:     Listings; indexed on (date, period, status), user_id
  exchange_history:    Ledger; indexed on (date, period, status)
  generated_plannings: One row per user, whole document as JSON
  backups:             Point-in-time snapshots, newest first
  config:              Key/value; holds the marketplace phase

TRANSACTIONS:
  RunTransaction opens one SQL transaction and serializes writers under a
  process mutex (SQLite allows one writer at a time). The transaction view
  enforces the same reads-before-writes discipline as the hosted document
  store, so engine code behaves identically against both.

INDEXES:
  All composite indexes are created at migration time, so this store never
  returns exchange.ErrIndexNotReady; that sentinel belongs to stores whose
  indexes build asynchronously.

WAL MODE:
  Opened with WAL so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/bag.db")
  if err != nil { ... }
  defer store.Close()
  svc := exchange.NewService(store, logger)

SEE ALSO:
  - exchange/store.go:     Interface definitions
  - exchange/store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/planimed/bag-engine/exchange"
)

// Store implements exchange.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes transactions; SQLite has a single writer
}

// New opens (or creates) the database. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shift_exchanges (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_slot_status
		ON shift_exchanges(date, period, status);
	CREATE INDEX IF NOT EXISTS idx_exchanges_user
		ON shift_exchanges(user_id, date, period);
	CREATE INDEX IF NOT EXISTS idx_exchanges_status_date
		ON shift_exchanges(status, date);

	CREATE TABLE IF NOT EXISTS exchange_history (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		period TEXT NOT NULL,
		original_user_id TEXT NOT NULL,
		new_user_id TEXT,
		status TEXT NOT NULL,
		exchanged_at TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_slot_status
		ON exchange_history(date, period, status);
	CREATE INDEX IF NOT EXISTS idx_history_exchanged_at
		ON exchange_history(exchanged_at DESC);

	CREATE TABLE IF NOT EXISTS generated_plannings (
		user_id TEXT PRIMARY KEY,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS backups (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		doc TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_backups_created_at
		ON backups(created_at DESC);

	CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERY BUILDING
// =============================================================================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func exchangeWhere(q exchange.ExchangeQuery) (string, []any) {
	var conds []string
	var args []any
	if q.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Date != "" {
		conds = append(conds, "date = ?")
		args = append(args, q.Date)
	}
	if q.Period != "" {
		conds = append(conds, "period = ?")
		args = append(args, string(q.Period))
	}
	if q.ExcludeID != "" {
		conds = append(conds, "id != ?")
		args = append(args, q.ExcludeID)
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func queryExchanges(ctx context.Context, db querier, q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	where, args := exchangeWhere(q)
	order := " ORDER BY id"
	if q.OrderByDate {
		order = " ORDER BY date, id"
	}
	rows, err := db.QueryContext(ctx, "SELECT doc FROM shift_exchanges"+where+order, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Exchange
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e exchange.Exchange
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func historyWhere(q exchange.HistoryQuery) (string, []any) {
	var conds []string
	var args []any
	if q.Date != "" {
		conds = append(conds, "date = ?")
		args = append(args, q.Date)
	}
	if q.Period != "" {
		conds = append(conds, "period = ?")
		args = append(args, string(q.Period))
	}
	if q.UserID != "" {
		conds = append(conds, "(original_user_id = ? OR new_user_id = ?)")
		args = append(args, q.UserID, q.UserID)
	}
	if len(q.Statuses) > 0 {
		ph := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func queryHistory(ctx context.Context, db querier, q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	where, args := historyWhere(q)
	order := " ORDER BY id"
	if q.OrderByExchangedAtDesc {
		order = " ORDER BY exchanged_at DESC, id"
	}
	rows, err := db.QueryContext(ctx, "SELECT doc FROM exchange_history"+where+order, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.ExchangeHistory
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h exchange.ExchangeHistory
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type sqlTx struct {
	ctx   context.Context
	tx    *sql.Tx
	wrote bool
}

// RunTransaction executes fn inside one SQL transaction with the engine's
// reads-before-writes discipline enforced on the view.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx exchange.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	view := &sqlTx{ctx: ctx, tx: tx}
	if err := fn(view); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (t *sqlTx) guardRead() error {
	if t.wrote {
		return exchange.ErrReadAfterWrite
	}
	return nil
}

// ---- Tx reads ---------------------------------------------------------------

func (t *sqlTx) GetExchange(id string) (*exchange.Exchange, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	var raw string
	err := t.tx.QueryRowContext(t.ctx, "SELECT doc FROM shift_exchanges WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e exchange.Exchange
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *sqlTx) FindExchanges(q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return queryExchanges(t.ctx, t.tx, q)
}

func (t *sqlTx) GetHistory(id string) (*exchange.ExchangeHistory, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	var raw string
	err := t.tx.QueryRowContext(t.ctx, "SELECT doc FROM exchange_history WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var h exchange.ExchangeHistory
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (t *sqlTx) FindHistory(q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	return queryHistory(t.ctx, t.tx, q)
}

func (t *sqlTx) GetPlanning(userID string) (*exchange.Planning, error) {
	if err := t.guardRead(); err != nil {
		return nil, err
	}
	var raw string
	err := t.tx.QueryRowContext(t.ctx, "SELECT doc FROM generated_plannings WHERE user_id = ?", userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p exchange.Planning
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ---- Tx writes --------------------------------------------------------------

func (t *sqlTx) PutExchange(e *exchange.Exchange) error {
	t.wrote = true
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO shift_exchanges (id, user_id, date, period, status, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id, date = excluded.date,
			period = excluded.period, status = excluded.status, doc = excluded.doc`,
		e.ID, e.UserID, e.Date, string(e.Period), string(e.Status), string(doc))
	return err
}

func (t *sqlTx) PutHistory(h *exchange.ExchangeHistory) error {
	t.wrote = true
	doc, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO exchange_history (id, date, period, original_user_id, new_user_id, status, exchanged_at, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			date = excluded.date, period = excluded.period,
			original_user_id = excluded.original_user_id, new_user_id = excluded.new_user_id,
			status = excluded.status, exchanged_at = excluded.exchanged_at, doc = excluded.doc`,
		h.ID, h.Date, string(h.Period), h.OriginalUserID, h.NewUserID,
		string(h.Status), h.ExchangedAt.UTC().Format(time.RFC3339Nano), string(doc))
	return err
}

func (t *sqlTx) DeleteHistory(id string) error {
	t.wrote = true
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM exchange_history WHERE id = ?", id)
	return err
}

func (t *sqlTx) PutPlanning(p *exchange.Planning) error {
	t.wrote = true
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO generated_plannings (user_id, doc) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc`,
		p.UserID, string(doc))
	return err
}

// =============================================================================
// NON-TRANSACTIONAL READS
// =============================================================================

func (s *Store) ListExchanges(ctx context.Context, q exchange.ExchangeQuery) ([]*exchange.Exchange, error) {
	return queryExchanges(ctx, s.db, q)
}

func (s *Store) ListHistory(ctx context.Context, q exchange.HistoryQuery) ([]*exchange.ExchangeHistory, error) {
	return queryHistory(ctx, s.db, q)
}

func (s *Store) ListPlannings(ctx context.Context) ([]*exchange.Planning, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM generated_plannings ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Planning
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p exchange.Planning
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SeedPlanning installs a planning document outside any engine operation
// (planning generation is an external concern; this is its entry point).
func (s *Store) SeedPlanning(ctx context.Context, p *exchange.Planning) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generated_plannings (user_id, doc) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET doc = excluded.doc`,
		p.UserID, string(doc))
	return err
}

// =============================================================================
// PHASE
// =============================================================================

const phaseKey = "bag_phase"

func (s *Store) GetPhase(ctx context.Context) (exchange.Phase, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", phaseKey).Scan(&value)
	if err == sql.ErrNoRows {
		return exchange.PhaseSubmission, nil
	}
	if err != nil {
		return "", err
	}
	return exchange.Phase(value), nil
}

func (s *Store) SetPhase(ctx context.Context, phase exchange.Phase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		phaseKey, string(phase))
	return err
}

// =============================================================================
// BACKUPS
// =============================================================================

func (s *Store) SaveBackup(ctx context.Context, b *exchange.Backup) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backups (id, created_at, doc) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at, doc = excluded.doc`,
		b.ID, b.CreatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	return err
}

func (s *Store) GetBackup(ctx context.Context, id string) (*exchange.Backup, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT doc FROM backups WHERE id = ?", id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b exchange.Backup
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) ListBackups(ctx context.Context) ([]*exchange.Backup, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM backups ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*exchange.Backup
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var b exchange.Backup
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM backups WHERE id = ?", id)
	return err
}

// =============================================================================
// DESTRUCTIVE REPLACEMENT
// =============================================================================

func (s *Store) ReplaceExchanges(ctx context.Context, docs []exchange.Exchange) error {
	return s.replaceAll(ctx, "shift_exchanges", len(docs), func(view *sqlTx, i int) error {
		return view.PutExchange(&docs[i])
	})
}

func (s *Store) ReplaceHistory(ctx context.Context, docs []exchange.ExchangeHistory) error {
	return s.replaceAll(ctx, "exchange_history", len(docs), func(view *sqlTx, i int) error {
		return view.PutHistory(&docs[i])
	})
}

func (s *Store) ReplacePlannings(ctx context.Context, docs []exchange.Planning) error {
	return s.replaceAll(ctx, "generated_plannings", len(docs), func(view *sqlTx, i int) error {
		return view.PutPlanning(&docs[i])
	})
}

func (s *Store) replaceAll(ctx context.Context, table string, n int, put func(view *sqlTx, i int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		tx.Rollback()
		return err
	}
	view := &sqlTx{ctx: ctx, tx: tx}
	for i := 0; i < n; i++ {
		if err := put(view, i); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
