package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/zenmoney"
)

// ConnectionSource supplies a usable access token, refreshing behind the
// scenes when needed. Satisfied by TokenService.
type ConnectionSource interface {
	FreshConnection(ctx context.Context, userID core.UserID) (*core.Connection, error)
}

// staleSyncLockAge is how long a 'syncing' status may stand before it is
// treated as a crash leftover rather than a live run. A real run is one
// diff call plus local upserts, nowhere near this long.
const staleSyncLockAge = 10 * time.Minute

// SyncStore is the slice of the repository the sync engine needs.
type SyncStore interface {
	SyncStateStore
	LedgerStore
	MarkTransactionDeleted(ctx context.Context, id string) error
}

// SyncResult summarizes one engine run. Skipped means another run held
// the lock and this trigger collapsed into it.
type SyncResult struct {
	Skipped         bool
	Transactions    int
	Accounts        int
	ServerTimestamp int64
}

// SyncEngine pulls incremental changes from ZenMoney and merges them into
// local storage, advancing the per-user cursor exactly once per window.
//
// The sync_status field is the sole concurrency guard: a cooperative
// lock, not a storage-level CAS. Two sessions can race past the idle
// check, which is tolerated because the merge is idempotent (upserts
// keyed by remote id) and the cursor only ever moves forward.
type SyncEngine struct {
	store       SyncStore
	connections ConnectionSource
	provider    DiffProvider
	now         func() time.Time
}

func NewSyncEngine(store SyncStore, connections ConnectionSource, provider DiffProvider) *SyncEngine {
	return &SyncEngine{
		store:       store,
		connections: connections,
		provider:    provider,
		now:         time.Now,
	}
}

// Sync runs one delta pull for the user. All trigger sources fold into
// this single entry point; when a run is already in flight the call is a
// no-op, not an error. Failures are recorded in sync_error and the cursor
// stays put, so the next natural trigger redelivers the same window.
func (e *SyncEngine) Sync(ctx context.Context, userID core.UserID) (*SyncResult, error) {
	state, err := e.store.GetSyncState(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		// Absent state means cursor 0: baseline from now.
		if err := e.store.EnsureSyncState(ctx, userID); err != nil {
			return nil, fmt.Errorf("ensure sync state: %w", err)
		}
		state = &core.SyncState{UserID: userID, Status: core.SyncIdle}
	} else if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}

	if state.Status == core.SyncRunning {
		if !e.lockStale(state) {
			slog.DebugContext(ctx, "Sync already in flight, trigger collapsed", "user_id", userID)
			return &SyncResult{Skipped: true}, nil
		}
		// A run cannot legitimately hold the lock this long; the holder
		// crashed without releasing. Take it over.
		slog.WarnContext(ctx, "Reclaiming stale sync lock",
			"user_id", userID, "held_since", state.UpdatedAt)
	}

	if err := e.store.SetSyncStatus(ctx, userID, core.SyncRunning, ""); err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}

	result, err := e.pullAndMerge(ctx, userID, state.ServerTimestamp)
	if err != nil {
		// Record and release; the cursor is untouched so the window is
		// redelivered on the next trigger.
		if markErr := e.store.SetSyncStatus(ctx, userID, core.SyncError, err.Error()); markErr != nil {
			slog.ErrorContext(ctx, "Failed to record sync error",
				"user_id", userID, "error", markErr)
		}
		slog.WarnContext(ctx, "Sync failed",
			"user_id", userID,
			"server_timestamp", state.ServerTimestamp,
			"error", err)
		return nil, err
	}

	slog.InfoContext(ctx, "Sync completed",
		"user_id", userID,
		"server_timestamp", result.ServerTimestamp,
		"transactions", result.Transactions,
		"accounts", result.Accounts)

	return result, nil
}

func (e *SyncEngine) pullAndMerge(ctx context.Context, userID core.UserID, cursor int64) (*SyncResult, error) {
	conn, err := e.connections.FreshConnection(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}

	diff, err := e.provider.Diff(ctx, conn.AccessToken, cursor)
	if err != nil {
		return nil, fmt.Errorf("pull diff: %w", err)
	}

	// Accounts first so transaction rows always reference a known account.
	for _, da := range diff.Accounts {
		if err := e.store.UpsertAccount(ctx, mapDiffAccount(userID, da)); err != nil {
			return nil, fmt.Errorf("merge account %s: %w", da.ID, err)
		}
	}

	merged := 0
	for _, dt := range diff.Transactions {
		if dt.Deleted {
			// Remote deletions are mirrored as a flag, never a physical
			// remove. A row we never imported is a no-op.
			if err := e.store.MarkTransactionDeleted(ctx, dt.ID); err != nil {
				return nil, fmt.Errorf("mark transaction %s deleted: %w", dt.ID, err)
			}
			continue
		}

		tx, err := mapDiffTransaction(userID, dt)
		if err != nil {
			slog.WarnContext(ctx, "Skipping unmappable remote transaction",
				"user_id", userID, "transaction_id", dt.ID, "error", err)
			continue
		}
		if err := e.store.UpsertTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("merge transaction %s: %w", dt.ID, err)
		}
		merged++
	}

	if err := e.store.AdvanceCursor(ctx, userID, diff.ServerTimestamp, e.now()); err != nil {
		if errors.Is(err, core.ErrInvalidCursor) {
			// Another session advanced past us while we merged. Its merge
			// covered ours; release the lock and call it done.
			if relErr := e.store.SetSyncStatus(ctx, userID, core.SyncIdle, ""); relErr != nil {
				return nil, fmt.Errorf("release sync lock: %w", relErr)
			}
		} else {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
	}

	return &SyncResult{
		Transactions:    merged,
		Accounts:        len(diff.Accounts),
		ServerTimestamp: diff.ServerTimestamp,
	}, nil
}

// Reset moves the cursor back to 0 so the next run establishes a fresh
// baseline from now, without replaying the account's full history.
func (e *SyncEngine) Reset(ctx context.Context, userID core.UserID) error {
	state, err := e.store.GetSyncState(ctx, userID)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	if state.Status == core.SyncRunning && !e.lockStale(state) {
		return core.ErrSyncInProgress
	}
	return e.store.ResetCursor(ctx, userID)
}

// RecoverStaleLocks releases sync locks a previous process left held.
// Called once at startup, before any trigger source can fire; after that
// the age check in Sync covers locks orphaned by other processes.
func (e *SyncEngine) RecoverStaleLocks(ctx context.Context) error {
	released, err := e.store.ReleaseStaleSyncLocks(ctx)
	if err != nil {
		return fmt.Errorf("recover stale sync locks: %w", err)
	}
	if released > 0 {
		slog.WarnContext(ctx, "Released sync locks held by a previous run", "count", released)
	}
	return nil
}

// lockStale reports whether a 'syncing' status has been held far longer
// than any run could last. A zero UpdatedAt is treated as live: better to
// wait a cycle than to double-run on missing data.
func (e *SyncEngine) lockStale(s *core.SyncState) bool {
	return !s.UpdatedAt.IsZero() && e.now().Sub(s.UpdatedAt) >= staleSyncLockAge
}

// Status returns the user's sync state for display.
func (e *SyncEngine) Status(ctx context.Context, userID core.UserID) (*core.SyncState, error) {
	return e.store.GetSyncState(ctx, userID)
}

func mapDiffAccount(userID core.UserID, da zenmoney.DiffAccount) core.Account {
	return core.Account{
		ID:           da.ID,
		UserID:       userID,
		Title:        da.Title,
		Balance:      core.AmountFromFloat(da.Balance),
		StartBalance: core.AmountFromFloat(da.StartBalance),
		Archived:     da.Archive,
	}
}

func mapDiffTransaction(userID core.UserID, dt zenmoney.DiffTransaction) (core.Transaction, error) {
	tx := core.Transaction{
		ID:      dt.ID,
		UserID:  userID,
		Comment: dt.Comment,
	}
	if dt.Payee != "" {
		tx.Category = dt.Payee
	}

	switch {
	case dt.Income > 0:
		tx.Type = core.Income
		tx.Amount = core.AmountFromFloat(dt.Income)
		tx.AccountID = dt.IncomeAccount
	case dt.Outcome > 0:
		tx.Type = core.Expense
		tx.Amount = core.AmountFromFloat(dt.Outcome)
		tx.AccountID = dt.OutcomeAccount
	default:
		return core.Transaction{}, fmt.Errorf("record has neither income nor outcome")
	}

	date, err := time.Parse("2006-01-02", dt.Date)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse date %q: %w", dt.Date, err)
	}
	tx.Date = date

	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}
