package services

import (
	"context"
	"sort"
	"testing"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/zenmoney"

	"github.com/shopspring/decimal"
)

func amount(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad amount literal %q: %v", s, err)
	}
	return d
}

// memStore is an in-memory stand-in for the SQLite repository, mirroring
// its cursor and status semantics.
type memStore struct {
	conns    map[core.UserID]core.Connection
	states   map[core.UserID]*core.SyncState
	accounts map[string]core.Account
	txs      map[string]core.Transaction
}

func newMemStore() *memStore {
	return &memStore{
		conns:    make(map[core.UserID]core.Connection),
		states:   make(map[core.UserID]*core.SyncState),
		accounts: make(map[string]core.Account),
		txs:      make(map[string]core.Transaction),
	}
}

func (m *memStore) UpsertConnection(_ context.Context, c core.Connection) error {
	m.conns[c.UserID] = c
	return nil
}

func (m *memStore) GetConnection(_ context.Context, userID core.UserID) (*core.Connection, error) {
	c, ok := m.conns[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) EnsureSyncState(_ context.Context, userID core.UserID) error {
	if _, ok := m.states[userID]; !ok {
		m.states[userID] = &core.SyncState{UserID: userID, Status: core.SyncIdle}
	}
	return nil
}

func (m *memStore) GetSyncState(_ context.Context, userID core.UserID) (*core.SyncState, error) {
	s, ok := m.states[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) SetSyncStatus(_ context.Context, userID core.UserID, status core.SyncStatus, errMsg string) error {
	s, ok := m.states[userID]
	if !ok {
		return core.ErrNotFound
	}
	s.Status = status
	s.Error = errMsg
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ReleaseStaleSyncLocks(_ context.Context) (int64, error) {
	var released int64
	for _, s := range m.states {
		if s.Status == core.SyncRunning {
			s.Status = core.SyncIdle
			s.UpdatedAt = time.Now()
			released++
		}
	}
	return released, nil
}

func (m *memStore) AdvanceCursor(_ context.Context, userID core.UserID, serverTimestamp int64, at time.Time) error {
	s, ok := m.states[userID]
	if !ok || s.ServerTimestamp > serverTimestamp {
		return core.ErrInvalidCursor
	}
	s.ServerTimestamp = serverTimestamp
	s.LastSyncAt = at
	s.Status = core.SyncIdle
	s.Error = ""
	s.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ResetCursor(_ context.Context, userID core.UserID) error {
	s, ok := m.states[userID]
	if !ok {
		return core.ErrNotFound
	}
	s.ServerTimestamp = 0
	s.Status = core.SyncIdle
	s.Error = ""
	return nil
}

func (m *memStore) UpsertAccount(_ context.Context, a core.Account) error {
	m.accounts[a.ID] = a
	return nil
}

func (m *memStore) ListAccounts(_ context.Context, userID core.UserID, includeArchived bool) ([]core.Account, error) {
	var out []core.Account
	for _, a := range m.accounts {
		if a.UserID != userID {
			continue
		}
		if a.Archived && !includeArchived {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateAccountReconciliation(_ context.Context, accountID string, calculated, diff decimal.Decimal, at time.Time) error {
	a, ok := m.accounts[accountID]
	if !ok {
		return core.ErrNotFound
	}
	a.CalculatedBalance = calculated
	a.BalanceDiff = diff
	a.LastBalanceCheckAt = at
	m.accounts[accountID] = a
	return nil
}

func (m *memStore) UpsertTransaction(_ context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.txs[t.ID] = t
	return nil
}

func (m *memStore) MarkTransactionDeleted(_ context.Context, id string) error {
	t, ok := m.txs[id]
	if !ok {
		return nil
	}
	t.Deleted = true
	m.txs[id] = t
	return nil
}

func (m *memStore) ListTransactionsByAccount(_ context.Context, userID core.UserID, accountID string) ([]core.Transaction, error) {
	var out []core.Transaction
	for _, t := range m.txs {
		if t.UserID != userID || t.AccountID != accountID || t.Deleted {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fakeProvider scripts the ZenMoney API.
type fakeProvider struct {
	diff      *zenmoney.DiffResponse
	diffErr   error
	diffCalls int

	exchange    *zenmoney.TokenResponse
	exchangeErr error
	refresh     *zenmoney.TokenResponse
	refreshErr  error
}

func (f *fakeProvider) Diff(_ context.Context, _ string, _ int64) (*zenmoney.DiffResponse, error) {
	f.diffCalls++
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return f.diff, nil
}

func (f *fakeProvider) ExchangeCode(_ context.Context, _ string) (*zenmoney.TokenResponse, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchange, nil
}

func (f *fakeProvider) RefreshToken(_ context.Context, _ string) (*zenmoney.TokenResponse, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refresh, nil
}

type fakeSessions struct {
	userID core.UserID
	err    error
}

func (f *fakeSessions) Verify(string) (core.UserID, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.userID, nil
}
