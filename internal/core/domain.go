package core

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

const (
	SyncIdle    SyncStatus = "idle"
	SyncRunning SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

type (
	// UserID is the Telegram numeric identifier a user authenticates with.
	// All entities are scoped to a single UserID.
	UserID int64

	TransactionType string

	SyncStatus string

	// Connection holds the ZenMoney OAuth credentials for one user.
	// At most one Connection exists per user; writes go through an upsert
	// keyed by UserID.
	Connection struct {
		UserID       UserID
		AccessToken  string
		RefreshToken string
		TokenType    string
		ExpiresAt    time.Time
	}

	// SyncState tracks the per-user delta sync cursor and lock.
	// ServerTimestamp is the opaque provider cursor; 0 means "establish a
	// fresh baseline from now" rather than a full historical backfill.
	SyncState struct {
		UserID          UserID
		ServerTimestamp int64
		LastSyncAt      time.Time
		Status          SyncStatus
		Error           string
		// UpdatedAt is stamped on every status change; the age of a
		// 'syncing' row tells a stale crash leftover from a live run.
		UpdatedAt time.Time
	}

	// Account mirrors a remote ZenMoney account. CalculatedBalance and
	// BalanceDiff are derived by reconciliation and never hand-edited.
	Account struct {
		ID                 string
		UserID             UserID
		Title              string
		Balance            decimal.Decimal
		StartBalance       decimal.Decimal
		CalculatedBalance  decimal.Decimal
		BalanceDiff        decimal.Decimal
		Archived           bool
		LastBalanceCheckAt time.Time
	}

	// Transaction is a ledger entry, either imported from ZenMoney (ID is
	// the remote identifier) or entered locally.
	Transaction struct {
		ID        string
		UserID    UserID
		Type      TransactionType
		AccountID string
		Amount    decimal.Decimal
		Category  string
		Comment   string
		Date      time.Time
		Deleted   bool
	}

	// PendingTransaction is an offline-queue entry: a transaction captured
	// while the store was unreachable, awaiting replay. Retries counts
	// failed delivery attempts; entries are abandoned in place once the
	// drain limit is reached.
	PendingTransaction struct {
		ID        string
		UserID    UserID
		Type      TransactionType
		Payload   json.RawMessage
		Retries   int
		LastError string
		CreatedAt time.Time
	}
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadRequest     = errors.New("bad request")
	ErrNotFound       = errors.New("not found")
	ErrSyncInProgress = errors.New("sync already in progress")

	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidType     = errors.New("invalid transaction type")
	ErrEmptyAccount    = errors.New("empty account id")
	ErrMissingUser     = errors.New("missing user id")
	ErrMissingPayload  = errors.New("missing payload")
	ErrInvalidCursor   = errors.New("cursor must not move backwards")
	ErrTokenMissing    = errors.New("neither authorization code nor token pair provided")
	ErrSessionRequired = errors.New("session token required")
)

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (s SyncStatus) Valid() bool {
	return s == SyncIdle || s == SyncRunning || s == SyncError
}

// Sign returns +1 for income and -1 for expense.
func (t TransactionType) Sign() decimal.Decimal {
	if t == Expense {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Expired reports whether the connection's access token is past its expiry.
func (c Connection) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c Connection) Validate() error {
	if c.UserID == 0 {
		return ErrMissingUser
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.New("empty access token")
	}
	return nil
}

func (t Transaction) Validate() error {
	if t.UserID == 0 {
		return ErrMissingUser
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return ErrEmptyAccount
	}
	if t.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if len(t.Comment) > 500 {
		return errors.New("comment too long (max 500 characters)")
	}
	return nil
}

// SignedAmount returns the amount with the sign implied by the type,
// positive for income and negative for expense.
func (t Transaction) SignedAmount() decimal.Decimal {
	return t.Amount.Mul(t.Type.Sign())
}

func (p PendingTransaction) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("empty pending id")
	}
	if !p.Type.Valid() {
		return ErrInvalidType
	}
	if len(p.Payload) == 0 {
		return ErrMissingPayload
	}
	if p.Retries < 0 {
		return errors.New("negative retry count")
	}
	return nil
}
