/*
restore.go - Bulk reversal with snapshot-before-mutate safety net

PURPOSE:
  RestoreAllBagExchanges rolls back every completed trade in the system:
  it snapshots all three collections plus the phase configuration first,
  then reverts each completed history entry newest-first, restores
  not_taken and orphaned unavailable listings to pending, and flips the
  phase back to distribution.

FAILURE POLICY:
  The backup step is fail-fast: an unreversible bulk mutation without a
  safety snapshot is unacceptable risk, so a backup failure aborts the
  whole operation before any mutation. The reversal loop is the opposite:
  each item's failure is collected into the report so one bad entry cannot
  block the rest.

ROTATION:
  Backups keep the ten most recent snapshots; older ones are deleted when
  a new one is written.

SEE ALSO:
  - history.go: The single-trade reversal invoked per entry
  - store.go:   SaveBackup / ReplaceXxx used here
*/
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const backupsToKeep = 10

// restoreThrottle paces the bulk reversal loop: a short breath every ten
// reversals keeps the backend under its rate limits.
const restoreThrottle = 100 * time.Millisecond

// =============================================================================
// REPORTS
// =============================================================================

// RestoreReport summarizes a bulk restore run.
type RestoreReport struct {
	BackupID            string        `json:"backupId"`
	Reverted            int           `json:"reverted"`
	Failed              []string      `json:"failed,omitempty"` // history ids
	NotTakenRestored    int           `json:"notTakenRestored"`
	UnavailableRestored int           `json:"unavailableRestored"`
	Duration            time.Duration `json:"duration"`
}

// CollectionResult is the per-collection outcome of a restore-from-backup.
type CollectionResult struct {
	Collection string `json:"collection"`
	Documents  int    `json:"documents"`
	Error      string `json:"error,omitempty"`
}

// =============================================================================
// BACKUP
// =============================================================================

// CreateBackup snapshots the three collections plus the phase and rotates
// old snapshots, keeping the ten most recent.
func (s *Service) CreateBackup(ctx context.Context, reason string) (*Backup, error) {
	exchanges, err := s.store.ListExchanges(ctx, ExchangeQuery{})
	if err != nil {
		return nil, fmt.Errorf("backup exchanges: %w", err)
	}
	history, err := s.store.ListHistory(ctx, HistoryQuery{})
	if err != nil {
		return nil, fmt.Errorf("backup history: %w", err)
	}
	plannings, err := s.store.ListPlannings(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup plannings: %w", err)
	}
	phase, err := s.store.GetPhase(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup phase: %w", err)
	}

	b := &Backup{
		ID:        uuid.NewString(),
		CreatedAt: s.now(),
		Reason:    reason,
		Phase:     phase,
	}
	for _, e := range exchanges {
		b.Exchanges = append(b.Exchanges, *e)
	}
	for _, h := range history {
		b.History = append(b.History, *h)
	}
	for _, p := range plannings {
		b.Plannings = append(b.Plannings, *p)
	}

	if err := s.store.SaveBackup(ctx, b); err != nil {
		return nil, fmt.Errorf("save backup: %w", err)
	}

	// Rotation is best-effort: a failed delete must not fail the backup.
	existing, err := s.store.ListBackups(ctx)
	if err == nil {
		for i := backupsToKeep; i < len(existing); i++ {
			if derr := s.store.DeleteBackup(ctx, existing[i].ID); derr != nil {
				s.log.Warn("backup rotation failed", zap.String("backupId", existing[i].ID), zap.Error(derr))
			}
		}
	}

	s.log.Info("backup created", zap.String("backupId", b.ID),
		zap.Int("exchanges", len(b.Exchanges)), zap.Int("history", len(b.History)),
		zap.Int("plannings", len(b.Plannings)))
	return b, nil
}

// =============================================================================
// BULK RESTORE
// =============================================================================

// RestoreAllBagExchanges reverts every completed trade, newest-first, after
// taking a mandatory backup. Per-item failures are collected, never fatal.
func (s *Service) RestoreAllBagExchanges(ctx context.Context) (*RestoreReport, error) {
	start := s.now()

	backup, err := s.CreateBackup(ctx, "restore_all_bag_exchanges")
	if err != nil {
		// By design: no snapshot, no mutation.
		return nil, fmt.Errorf("aborting bulk restore, backup failed: %w", err)
	}
	report := &RestoreReport{BackupID: backup.ID}

	completed, err := s.GetExchangeHistory(ctx, HistoryQuery{Statuses: []HistoryStatus{HistoryCompleted}})
	if err != nil {
		return report, err
	}

	for i, h := range completed {
		// The per-reversal settling delay is skipped here; the loop
		// throttles itself instead.
		if err := s.revertToExchange(ctx, h.ID, false); err != nil {
			report.Failed = append(report.Failed, h.ID)
			s.log.Warn("bulk reversal item failed", zap.String("historyId", h.ID), zap.Error(err))
			continue
		}
		report.Reverted++

		if (i+1)%10 == 0 {
			select {
			case <-time.After(restoreThrottle):
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}
	}

	// Listings left behind by the completed phase go back to pending.
	notTaken, unavailable, err := s.restoreLeftoverListings(ctx)
	if err != nil {
		return report, err
	}
	report.NotTakenRestored = notTaken
	report.UnavailableRestored = unavailable

	if err := s.store.SetPhase(ctx, PhaseDistribution); err != nil {
		return report, fmt.Errorf("reset phase: %w", err)
	}

	if s.blocked != nil {
		s.blocked.InvalidateAll()
	}

	report.Duration = s.now().Sub(start)
	s.log.Info("bulk restore finished",
		zap.String("backupId", report.BackupID),
		zap.Int("reverted", report.Reverted),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// restoreLeftoverListings flips not_taken listings back to pending, plus
// unavailable listings whose superseding trade no longer has a history
// entry (orphans left by partially reverted state).
func (s *Service) restoreLeftoverListings(ctx context.Context) (notTaken, unavailable int, err error) {
	err = s.store.RunTransaction(ctx, func(tx Tx) error {
		notTaken, unavailable = 0, 0

		leftNotTaken, err := tx.FindExchanges(ExchangeQuery{Statuses: []ExchangeStatus{StatusNotTaken}})
		if err != nil {
			return err
		}
		leftUnavailable, err := tx.FindExchanges(ExchangeQuery{Statuses: []ExchangeStatus{StatusUnavailable}})
		if err != nil {
			return err
		}

		// Orphan check must run in the read phase.
		var orphans []*Exchange
		for _, e := range leftUnavailable {
			entries, err := tx.FindHistory(HistoryQuery{
				Date:     e.Date,
				Period:   e.Period,
				Statuses: []HistoryStatus{HistoryCompleted},
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				orphans = append(orphans, e)
			}
		}

		now := s.now()
		for _, e := range leftNotTaken {
			e.Status = StatusPending
			e.LastModified = now
			if err := tx.PutExchange(e); err != nil {
				return err
			}
			notTaken++
		}
		for _, e := range orphans {
			e.Status = StatusPending
			e.LastModified = now
			if err := tx.PutExchange(e); err != nil {
				return err
			}
			unavailable++
		}
		return nil
	})
	return notTaken, unavailable, err
}

// =============================================================================
// RESTORE FROM BACKUP
// =============================================================================

// RestoreFromBackup destructively replaces each collection from a prior
// snapshot. Collections are restored independently; one failure does not
// stop the others, and the result reports each outcome.
func (s *Service) RestoreFromBackup(ctx context.Context, backupID string) ([]CollectionResult, error) {
	b, err := s.store.GetBackup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, NewErrorf(CodeGuardNotFound, "backup %s not found", backupID)
	}

	results := make([]CollectionResult, 0, 4)

	r := CollectionResult{Collection: "shift_exchanges", Documents: len(b.Exchanges)}
	if err := s.store.ReplaceExchanges(ctx, b.Exchanges); err != nil {
		r.Error = err.Error()
	}
	results = append(results, r)

	r = CollectionResult{Collection: "exchange_history", Documents: len(b.History)}
	if err := s.store.ReplaceHistory(ctx, b.History); err != nil {
		r.Error = err.Error()
	}
	results = append(results, r)

	r = CollectionResult{Collection: "generated_plannings", Documents: len(b.Plannings)}
	if err := s.store.ReplacePlannings(ctx, b.Plannings); err != nil {
		r.Error = err.Error()
	}
	results = append(results, r)

	r = CollectionResult{Collection: "config", Documents: 1}
	if err := s.store.SetPhase(ctx, b.Phase); err != nil {
		r.Error = err.Error()
	}
	results = append(results, r)

	if s.blocked != nil {
		s.blocked.InvalidateAll()
	}

	s.log.Info("restore from backup finished", zap.String("backupId", backupID))
	return results, nil
}
