package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zenbudget/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PendingStore is the slice of the repository the queue needs.
type PendingStore interface {
	EnqueuePending(ctx context.Context, p core.PendingTransaction) error
	ListPending(ctx context.Context, userID core.UserID) ([]core.PendingTransaction, error)
	DeletePending(ctx context.Context, id string) error
	IncrementPendingRetries(ctx context.Context, id string, lastError string) error
	ListPendingUsers(ctx context.Context) ([]core.UserID, error)
	InsertTransaction(ctx context.Context, t core.Transaction) error
}

// Draft is what a client captures while offline: everything a transaction
// needs except its identity, which the queue assigns.
type Draft struct {
	Type      core.TransactionType `json:"type"`
	AccountID string               `json:"account_id"`
	Amount    decimal.Decimal      `json:"amount"`
	Category  string               `json:"category,omitempty"`
	Comment   string               `json:"comment,omitempty"`
	Date      time.Time            `json:"date"`
}

// Queue persists offline-captured transaction drafts until a drain pass
// moves them into the ledger.
type Queue struct {
	store PendingStore
	now   func() time.Time
	newID func() string
}

func New(store PendingStore) *Queue {
	return &Queue{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Enqueue validates the draft, assigns it a local id, and persists it.
// The returned id is what the client tracks until the drain confirms or
// abandons the entry.
func (q *Queue) Enqueue(ctx context.Context, userID core.UserID, draft Draft) (string, error) {
	if draft.Date.IsZero() {
		draft.Date = q.now()
	}

	// Validate by shaping the eventual transaction up front so a bad
	// draft fails at capture time, not at drain time.
	probe := draftTransaction(q.newID(), userID, draft)
	if err := probe.Validate(); err != nil {
		return "", err
	}

	payload, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("encode draft: %w", err)
	}

	pending := core.PendingTransaction{
		ID:        probe.ID,
		UserID:    userID,
		Type:      draft.Type,
		Payload:   payload,
		CreatedAt: q.now(),
	}
	if err := q.store.EnqueuePending(ctx, pending); err != nil {
		return "", fmt.Errorf("enqueue pending: %w", err)
	}
	return pending.ID, nil
}

// Pending lists the user's queued entries, abandoned ones included, so
// they can be inspected and corrected manually.
func (q *Queue) Pending(ctx context.Context, userID core.UserID) ([]core.PendingTransaction, error) {
	return q.store.ListPending(ctx, userID)
}

// draftTransaction shapes a ledger transaction from a queued draft. The
// user identity always comes from the queue entry, never the payload.
func draftTransaction(id string, userID core.UserID, draft Draft) core.Transaction {
	return core.Transaction{
		ID:        id,
		UserID:    userID,
		Type:      draft.Type,
		AccountID: draft.AccountID,
		Amount:    draft.Amount,
		Category:  draft.Category,
		Comment:   draft.Comment,
		Date:      draft.Date,
	}
}
