package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"zenbudget/internal/core"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// SQLiteRepository is the persistent store shared by all client sessions
// of a user. Every read that matters for correctness (cursor, lock state)
// goes here; no in-process cache is authoritative. Upserts are
// last-write-wins on the conflict key.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := migrateSchema(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- connections ---

// UpsertConnection persists OAuth credentials keyed by user identity.
// Re-running an exchange replaces prior credentials without creating a
// second row.
func (r *SQLiteRepository) UpsertConnection(ctx context.Context, c core.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (user_id, access_token, refresh_token, token_type, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type    = excluded.token_type,
			expires_at    = excluded.expires_at,
			updated_at    = CURRENT_TIMESTAMP`,
		int64(c.UserID), c.AccessToken, c.RefreshToken, c.TokenType, c.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}

	slog.InfoContext(ctx, "Connection saved", "user_id", c.UserID, "expires_at", c.ExpiresAt)
	return nil
}

func (r *SQLiteRepository) GetConnection(ctx context.Context, userID core.UserID) (*core.Connection, error) {
	var (
		c         core.Connection
		uid       int64
		expiresAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, access_token, refresh_token, token_type, expires_at
		FROM connections WHERE user_id = ?`, int64(userID)).
		Scan(&uid, &c.AccessToken, &c.RefreshToken, &c.TokenType, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	c.UserID = core.UserID(uid)
	c.ExpiresAt = expiresAt
	return &c, nil
}

// --- sync_state ---

// EnsureSyncState creates the per-user sync row with a zero cursor if it
// does not exist yet. Idempotent; every connected user ends up with a
// valid cursor before the first sync.
func (r *SQLiteRepository) EnsureSyncState(ctx context.Context, userID core.UserID) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (user_id, server_timestamp, sync_status)
		VALUES (?, 0, 'idle')
		ON CONFLICT(user_id) DO NOTHING`, int64(userID))
	if err != nil {
		return fmt.Errorf("ensure sync state: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetSyncState(ctx context.Context, userID core.UserID) (*core.SyncState, error) {
	var (
		s         core.SyncState
		uid       int64
		lastSync  sql.NullTime
		syncErr   sql.NullString
		updatedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, server_timestamp, last_sync_at, sync_status, sync_error, updated_at
		FROM sync_state WHERE user_id = ?`, int64(userID)).
		Scan(&uid, &s.ServerTimestamp, &lastSync, &s.Status, &syncErr, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	s.UserID = core.UserID(uid)
	if lastSync.Valid {
		s.LastSyncAt = lastSync.Time
	}
	if syncErr.Valid {
		s.Error = syncErr.String
	}
	if updatedAt.Valid {
		s.UpdatedAt = updatedAt.Time
	}
	return &s, nil
}

// ReleaseStaleSyncLocks flips every row stuck in 'syncing' back to idle.
// Run at process start: a crash mid-sync leaves the cooperative lock held
// with no owner, and nothing else would ever release it.
func (r *SQLiteRepository) ReleaseStaleSyncLocks(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_state
		SET sync_status = 'idle', updated_at = CURRENT_TIMESTAMP
		WHERE sync_status = 'syncing'`)
	if err != nil {
		return 0, fmt.Errorf("release stale sync locks: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release stale sync locks: %w", err)
	}
	return released, nil
}

// SetSyncStatus updates the cooperative lock field and the recorded error.
// Pass an empty errMsg to clear sync_error.
func (r *SQLiteRepository) SetSyncStatus(ctx context.Context, userID core.UserID, status core.SyncStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}

	var syncErr any
	if errMsg != "" {
		syncErr = errMsg
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_state SET sync_status = ?, sync_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, string(status), syncErr, int64(userID))
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	return nil
}

// AdvanceCursor moves the server cursor forward after a successful pull
// and records the sync time. The cursor never moves backwards here; use
// ResetCursor for an explicit user-requested reset.
func (r *SQLiteRepository) AdvanceCursor(ctx context.Context, userID core.UserID, serverTimestamp int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sync_state
		SET server_timestamp = ?, last_sync_at = ?, sync_status = 'idle', sync_error = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND server_timestamp <= ?`,
		serverTimestamp, at.UTC(), int64(userID), serverTimestamp)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance cursor rows: %w", err)
	}
	if affected == 0 {
		return core.ErrInvalidCursor
	}
	return nil
}

// ResetCursor sets server_timestamp back to 0 so the next sync establishes
// a fresh baseline from now instead of replaying history.
func (r *SQLiteRepository) ResetCursor(ctx context.Context, userID core.UserID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_state
		SET server_timestamp = 0, sync_status = 'idle', sync_error = NULL,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, int64(userID))
	if err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	slog.InfoContext(ctx, "Sync cursor reset", "user_id", userID)
	return nil
}

// --- accounts ---

func (r *SQLiteRepository) UpsertAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, title, balance, start_balance, archived)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title         = excluded.title,
			balance       = excluded.balance,
			start_balance = excluded.start_balance,
			archived      = excluded.archived`,
		a.ID, int64(a.UserID), a.Title, a.Balance.String(), a.StartBalance.String(), boolToInt(a.Archived))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListAccounts(ctx context.Context, userID core.UserID, includeArchived bool) ([]core.Account, error) {
	query := `
		SELECT id, user_id, title, balance, start_balance, calculated_balance,
		       balance_diff, archived, last_balance_check_at
		FROM accounts WHERE user_id = ?`
	if !includeArchived {
		query += ` AND archived = 0`
	}
	query += ` ORDER BY title, id`

	rows, err := r.db.QueryContext(ctx, query, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []core.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts rows: %w", err)
	}
	return accounts, nil
}

// UpdateAccountReconciliation persists the derived balance fields after a
// reconciliation run. These columns are only ever written here.
func (r *SQLiteRepository) UpdateAccountReconciliation(ctx context.Context, accountID string, calculated, diff decimal.Decimal, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET calculated_balance = ?, balance_diff = ?, last_balance_check_at = ?
		WHERE id = ?`,
		calculated.String(), diff.String(), at.UTC(), accountID)
	if err != nil {
		return fmt.Errorf("update account reconciliation: %w", err)
	}
	return nil
}

// --- transactions ---

// UpsertTransaction merges a transaction keyed by its remote identifier.
// Replaying the same diff window twice overwrites the row in place instead
// of duplicating it.
func (r *SQLiteRepository) UpsertTransaction(ctx context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, account_id, amount, category, comment, tx_date, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type       = excluded.type,
			account_id = excluded.account_id,
			amount     = excluded.amount,
			category   = excluded.category,
			comment    = excluded.comment,
			tx_date    = excluded.tx_date,
			deleted    = excluded.deleted`,
		t.ID, int64(t.UserID), string(t.Type), t.AccountID, t.Amount.String(),
		t.Category, t.Comment, t.Date.UTC(), boolToInt(t.Deleted))
	if err != nil {
		return fmt.Errorf("upsert transaction: %w", err)
	}
	return nil
}

// InsertTransaction is the plain insert used when draining the offline
// queue. Unlike UpsertTransaction it fails on a duplicate id, which keeps
// drain bookkeeping honest.
func (r *SQLiteRepository) InsertTransaction(ctx context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, account_id, amount, category, comment, tx_date, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		t.ID, int64(t.UserID), string(t.Type), t.AccountID, t.Amount.String(),
		t.Category, t.Comment, t.Date.UTC())
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// MarkTransactionDeleted mirrors a remote deletion as a flag. A row we
// never imported is a no-op, not an error.
func (r *SQLiteRepository) MarkTransactionDeleted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark transaction deleted: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListTransactionsByAccount(ctx context.Context, userID core.UserID, accountID string) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, type, account_id, amount, category, comment, tx_date, deleted
		FROM transactions
		WHERE user_id = ? AND account_id = ? AND deleted = 0
		ORDER BY tx_date, id`, int64(userID), accountID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions rows: %w", err)
	}
	return txs, nil
}

// --- pending_queue ---

func (r *SQLiteRepository) EnqueuePending(ctx context.Context, p core.PendingTransaction) error {
	if err := p.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_queue (id, user_id, type, payload, retries, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, int64(p.UserID), string(p.Type), string(p.Payload), p.Retries, p.LastError)
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}

	slog.InfoContext(ctx, "Pending transaction enqueued", "pending_id", p.ID, "user_id", p.UserID)
	return nil
}

// ListPending returns all queued entries for a user in insertion order,
// abandoned ones included so they stay inspectable.
func (r *SQLiteRepository) ListPending(ctx context.Context, userID core.UserID) ([]core.PendingTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, type, payload, retries, last_error, created_at
		FROM pending_queue WHERE user_id = ?
		ORDER BY created_at, id`, int64(userID))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var pending []core.PendingTransaction
	for rows.Next() {
		var (
			p       core.PendingTransaction
			uid     int64
			payload string
			created sql.NullTime
		)
		if err := rows.Scan(&p.ID, &uid, &p.Type, &payload, &p.Retries, &p.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		p.UserID = core.UserID(uid)
		p.Payload = []byte(payload)
		if created.Valid {
			p.CreatedAt = created.Time
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending rows: %w", err)
	}
	return pending, nil
}

// DeletePending removes an entry after its transaction was confirmed in
// the ledger.
func (r *SQLiteRepository) DeletePending(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pending_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

// IncrementPendingRetries bumps the retry counter and records the last
// failure message.
func (r *SQLiteRepository) IncrementPendingRetries(ctx context.Context, id string, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE pending_queue SET retries = retries + 1, last_error = ?
		WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("increment pending retries: %w", err)
	}
	return nil
}

// ListPendingUsers returns every user with at least one queued entry.
func (r *SQLiteRepository) ListPendingUsers(ctx context.Context) ([]core.UserID, error) {
	return r.listUserIDs(ctx, `SELECT DISTINCT user_id FROM pending_queue ORDER BY user_id`)
}

// ListConnectedUsers returns every user with a stored ZenMoney connection.
func (r *SQLiteRepository) ListConnectedUsers(ctx context.Context) ([]core.UserID, error) {
	return r.listUserIDs(ctx, `SELECT user_id FROM connections ORDER BY user_id`)
}

func (r *SQLiteRepository) listUserIDs(ctx context.Context, query string) ([]core.UserID, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []core.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, core.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users rows: %w", err)
	}
	return ids, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (core.Account, error) {
	var (
		a                                        core.Account
		uid                                      int64
		balance, startBalance, calculated, diff  string
		archived                                 int
		lastCheck                                sql.NullTime
	)
	if err := row.Scan(&a.ID, &uid, &a.Title, &balance, &startBalance, &calculated, &diff, &archived, &lastCheck); err != nil {
		return core.Account{}, fmt.Errorf("scan account: %w", err)
	}
	a.UserID = core.UserID(uid)
	a.Archived = archived != 0
	if lastCheck.Valid {
		a.LastBalanceCheckAt = lastCheck.Time
	}

	var err error
	// Degenerate stored values fall back to zero rather than failing the
	// whole read.
	if a.Balance, err = parseStoredDecimal(balance); err != nil {
		a.Balance = decimal.Zero
	}
	if a.StartBalance, err = parseStoredDecimal(startBalance); err != nil {
		a.StartBalance = decimal.Zero
	}
	if a.CalculatedBalance, err = parseStoredDecimal(calculated); err != nil {
		a.CalculatedBalance = decimal.Zero
	}
	if a.BalanceDiff, err = parseStoredDecimal(diff); err != nil {
		a.BalanceDiff = decimal.Zero
	}
	return a, nil
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t       core.Transaction
		uid     int64
		amount  string
		deleted int
	)
	if err := row.Scan(&t.ID, &uid, &t.Type, &t.AccountID, &amount, &t.Category, &t.Comment, &t.Date, &deleted); err != nil {
		return core.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	t.UserID = core.UserID(uid)
	t.Deleted = deleted != 0

	d, err := parseStoredDecimal(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	t.Amount = d
	return t, nil
}

func parseStoredDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
