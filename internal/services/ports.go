package services

import (
	"context"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/zenmoney"

	"github.com/shopspring/decimal"
)

// Ports for outbound collaborators. The SQLite repository satisfies the
// store interfaces; the zenmoney client satisfies the provider ones.
type (
	ConnectionStore interface {
		UpsertConnection(ctx context.Context, c core.Connection) error
		GetConnection(ctx context.Context, userID core.UserID) (*core.Connection, error)
	}

	SyncStateStore interface {
		EnsureSyncState(ctx context.Context, userID core.UserID) error
		GetSyncState(ctx context.Context, userID core.UserID) (*core.SyncState, error)
		SetSyncStatus(ctx context.Context, userID core.UserID, status core.SyncStatus, errMsg string) error
		AdvanceCursor(ctx context.Context, userID core.UserID, serverTimestamp int64, at time.Time) error
		ResetCursor(ctx context.Context, userID core.UserID) error
		ReleaseStaleSyncLocks(ctx context.Context) (int64, error)
	}

	// LedgerStore is where merged remote records land and where local
	// balances are derived from.
	LedgerStore interface {
		UpsertTransaction(ctx context.Context, t core.Transaction) error
		UpsertAccount(ctx context.Context, a core.Account) error
		ListAccounts(ctx context.Context, userID core.UserID, includeArchived bool) ([]core.Account, error)
		ListTransactionsByAccount(ctx context.Context, userID core.UserID, accountID string) ([]core.Transaction, error)
		UpdateAccountReconciliation(ctx context.Context, accountID string, calculated, diff decimal.Decimal, at time.Time) error
	}

	TokenProvider interface {
		ExchangeCode(ctx context.Context, code string) (*zenmoney.TokenResponse, error)
		RefreshToken(ctx context.Context, refreshToken string) (*zenmoney.TokenResponse, error)
	}

	DiffProvider interface {
		Diff(ctx context.Context, accessToken string, serverTimestamp int64) (*zenmoney.DiffResponse, error)
	}

	// SessionVerifier resolves a caller-supplied bearer token to a user.
	SessionVerifier interface {
		Verify(token string) (core.UserID, error)
	}
)
