package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"zenbudget/internal/core"
)

// MaxRetries bounds how often a queued entry is attempted before the
// drain starts skipping it. Abandoned entries stay in the queue for
// manual inspection; they are never deleted automatically.
const MaxRetries = 3

// DrainNotifier publishes the aggregate outcome of a drain pass. Nil
// disables notifications.
type DrainNotifier interface {
	PublishDrainReport(ctx context.Context, userID core.UserID, synced, failed int) error
}

// DrainResult is the aggregate outcome of one pass over a user's queue.
type DrainResult struct {
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Drainer moves queued drafts into the ledger, strictly sequentially,
// with per-entry failure isolation.
type Drainer struct {
	store    PendingStore
	notifier DrainNotifier
}

func NewDrainer(store PendingStore, notifier DrainNotifier) *Drainer {
	return &Drainer{store: store, notifier: notifier}
}

// Drain processes the user's queue in insertion order. A failing entry
// gets its retry counter bumped and the pass moves on; entries at the
// retry cap are skipped in place. One bad entry never blocks the rest.
func (d *Drainer) Drain(ctx context.Context, userID core.UserID) (*DrainResult, error) {
	pending, err := d.store.ListPending(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	result := &DrainResult{}
	for _, entry := range pending {
		if entry.Retries >= MaxRetries {
			result.Skipped++
			continue
		}

		if err := d.drainEntry(ctx, entry); err != nil {
			result.Failed++
			if incErr := d.store.IncrementPendingRetries(ctx, entry.ID, err.Error()); incErr != nil {
				slog.ErrorContext(ctx, "Failed to record drain failure",
					"pending_id", entry.ID, "error", incErr)
			}
			slog.WarnContext(ctx, "Drain entry failed",
				"user_id", userID,
				"pending_id", entry.ID,
				"attempt", entry.Retries+1,
				"error", err)
			continue
		}

		if err := d.store.DeletePending(ctx, entry.ID); err != nil {
			// The transaction landed but the entry is stuck in the queue.
			// Count it against the retry cap with an honest reason, or the
			// next pass's duplicate-id insert error would mask what broke.
			result.Failed++
			if incErr := d.store.IncrementPendingRetries(ctx, entry.ID,
				fmt.Sprintf("remove drained entry: %v", err)); incErr != nil {
				slog.ErrorContext(ctx, "Failed to record drain failure",
					"pending_id", entry.ID, "error", incErr)
			}
			slog.ErrorContext(ctx, "Failed to remove drained entry",
				"pending_id", entry.ID, "error", err)
			continue
		}
		result.Synced++
	}

	if len(pending) > 0 {
		slog.InfoContext(ctx, "Drain pass completed",
			"user_id", userID,
			"synced", result.Synced,
			"failed", result.Failed,
			"skipped", result.Skipped)
	}

	if d.notifier != nil && (result.Synced > 0 || result.Failed > 0) {
		if err := d.notifier.PublishDrainReport(ctx, userID, result.Synced, result.Failed); err != nil {
			slog.WarnContext(ctx, "Failed to publish drain report",
				"user_id", userID, "error", err)
		}
	}

	return result, nil
}

// DrainAll runs one pass for every user with queued entries. Used by the
// worker's periodic drain and the startup pass.
func (d *Drainer) DrainAll(ctx context.Context) error {
	users, err := d.store.ListPendingUsers(ctx)
	if err != nil {
		return fmt.Errorf("list pending users: %w", err)
	}
	for _, userID := range users {
		if _, err := d.Drain(ctx, userID); err != nil {
			slog.ErrorContext(ctx, "Drain pass failed",
				"user_id", userID, "error", err)
		}
	}
	return nil
}

func (d *Drainer) drainEntry(ctx context.Context, entry core.PendingTransaction) error {
	var draft Draft
	if err := json.Unmarshal(entry.Payload, &draft); err != nil {
		return fmt.Errorf("decode draft: %w", err)
	}

	tx := draftTransaction(entry.ID, entry.UserID, draft)
	if err := d.store.InsertTransaction(ctx, tx); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
