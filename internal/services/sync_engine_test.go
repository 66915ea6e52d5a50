package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"zenbudget/internal/core"
	"zenbudget/internal/zenmoney"
)

func newTestEngine(store *memStore, provider *fakeProvider) *SyncEngine {
	tokens := NewTokenService(store, provider, &fakeSessions{userID: 7})
	engine := NewSyncEngine(store, tokens, provider)
	engine.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return engine
}

func seedConnection(store *memStore, userID core.UserID) {
	store.conns[userID] = core.Connection{
		UserID:      userID,
		AccessToken: "tok",
		TokenType:   "bearer",
		ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	store.states[userID] = &core.SyncState{UserID: userID, Status: core.SyncIdle}
}

func sampleDiff() *zenmoney.DiffResponse {
	return &zenmoney.DiffResponse{
		ServerTimestamp: 1700000100,
		Accounts: []zenmoney.DiffAccount{
			{ID: "acc-1", Title: "Checking", Balance: 1500, StartBalance: 1000},
			{ID: "acc-2", Title: "Old card", Balance: 0, Archive: true},
		},
		Transactions: []zenmoney.DiffTransaction{
			{ID: "tx-1", Income: 700, IncomeAccount: "acc-1", Date: "2025-02-20"},
			{ID: "tx-2", Outcome: 200, OutcomeAccount: "acc-1", Date: "2025-02-21", Payee: "Grocer"},
		},
	}
}

func TestSyncEngine_Sync_MergesAndAdvancesCursor(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	result, err := engine.Sync(context.Background(), 7)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Skipped {
		t.Fatal("Sync() skipped, want a full run")
	}
	if result.Transactions != 2 || result.Accounts != 2 {
		t.Errorf("merged %d transactions, %d accounts; want 2 and 2",
			result.Transactions, result.Accounts)
	}

	state := store.states[7]
	if state.ServerTimestamp != 1700000100 {
		t.Errorf("cursor = %d, want 1700000100", state.ServerTimestamp)
	}
	if state.Status != core.SyncIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}

	tx := store.txs["tx-1"]
	if tx.Type != core.Income || !tx.Amount.Equal(amount(t, "700")) {
		t.Errorf("tx-1 merged as %s %s, want income 700", tx.Type, tx.Amount)
	}
	if tx.AccountID != "acc-1" {
		t.Errorf("tx-1 account = %q, want acc-1", tx.AccountID)
	}
	if got := store.txs["tx-2"]; got.Type != core.Expense || got.Category != "Grocer" {
		t.Errorf("tx-2 merged as %s category %q, want expense Grocer", got.Type, got.Category)
	}

	if !store.accounts["acc-2"].Archived {
		t.Error("acc-2 should mirror the provider's archive flag")
	}
}

func TestSyncEngine_Sync_ReplayIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	for i := 0; i < 2; i++ {
		if _, err := engine.Sync(context.Background(), 7); err != nil {
			t.Fatalf("Sync() run %d error = %v", i+1, err)
		}
	}

	if len(store.txs) != 2 {
		t.Errorf("stored %d transactions after replay, want 2", len(store.txs))
	}
	if len(store.accounts) != 2 {
		t.Errorf("stored %d accounts after replay, want 2", len(store.accounts))
	}
}

func TestSyncEngine_Sync_SkipsWhenAlreadyRunning(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	store.states[7].Status = core.SyncRunning
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	result, err := engine.Sync(context.Background(), 7)
	if err != nil {
		t.Fatalf("Sync() error = %v, want no-op", err)
	}
	if !result.Skipped {
		t.Error("Sync() should report the run as skipped")
	}
	if provider.diffCalls != 0 {
		t.Errorf("provider called %d times during a held lock, want 0", provider.diffCalls)
	}
}

func TestSyncEngine_Sync_FailureKeepsCursor(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	store.states[7].ServerTimestamp = 1600000000
	provider := &fakeProvider{diffErr: &zenmoney.ProviderError{StatusCode: 500, Body: []byte("boom")}}
	engine := newTestEngine(store, provider)

	_, err := engine.Sync(context.Background(), 7)
	if err == nil {
		t.Fatal("Sync() should surface the pull failure")
	}

	state := store.states[7]
	if state.ServerTimestamp != 1600000000 {
		t.Errorf("cursor moved to %d on failure, want 1600000000", state.ServerTimestamp)
	}
	if state.Status != core.SyncError {
		t.Errorf("status = %q, want error", state.Status)
	}
	if state.Error == "" {
		t.Error("sync_error should carry the failure message")
	}
}

func TestSyncEngine_Sync_FirstRunEstablishesState(t *testing.T) {
	store := newMemStore()
	store.conns[7] = core.Connection{
		UserID:      7,
		AccessToken: "tok",
		ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	if _, err := engine.Sync(context.Background(), 7); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if store.states[7].ServerTimestamp != 1700000100 {
		t.Errorf("cursor = %d after first run, want 1700000100", store.states[7].ServerTimestamp)
	}
}

func TestSyncEngine_Sync_MirrorsRemoteDeletion(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	if _, err := engine.Sync(context.Background(), 7); err != nil {
		t.Fatalf("initial Sync() error = %v", err)
	}

	provider.diff = &zenmoney.DiffResponse{
		ServerTimestamp: 1700000200,
		Transactions: []zenmoney.DiffTransaction{
			{ID: "tx-1", Deleted: true},
			{ID: "tx-never-seen", Deleted: true},
		},
	}
	if _, err := engine.Sync(context.Background(), 7); err != nil {
		t.Fatalf("deletion Sync() error = %v", err)
	}

	if !store.txs["tx-1"].Deleted {
		t.Error("tx-1 should be flagged deleted, not removed")
	}
	if _, ok := store.txs["tx-never-seen"]; ok {
		t.Error("a deletion for an unknown id should be a no-op")
	}
}

func TestSyncEngine_Reset(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	store.states[7].ServerTimestamp = 1700000100
	engine := newTestEngine(store, &fakeProvider{})

	if err := engine.Reset(context.Background(), 7); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if store.states[7].ServerTimestamp != 0 {
		t.Errorf("cursor = %d after reset, want 0", store.states[7].ServerTimestamp)
	}

	store.states[7].Status = core.SyncRunning
	if err := engine.Reset(context.Background(), 7); !errors.Is(err, core.ErrSyncInProgress) {
		t.Errorf("Reset() during a run = %v, want ErrSyncInProgress", err)
	}
}

func TestSyncEngine_Sync_ReclaimsStaleLock(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	// A crash left the lock held: status never released, stamp an hour old.
	store.states[7].Status = core.SyncRunning
	store.states[7].UpdatedAt = time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	result, err := engine.Sync(context.Background(), 7)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Skipped {
		t.Fatal("a stale lock should be reclaimed, not skipped")
	}
	if provider.diffCalls != 1 {
		t.Errorf("provider called %d times, want 1", provider.diffCalls)
	}

	state := store.states[7]
	if state.Status != core.SyncIdle {
		t.Errorf("status = %q after reclaimed run, want idle", state.Status)
	}
	if state.ServerTimestamp != 1700000100 {
		t.Errorf("cursor = %d, want 1700000100", state.ServerTimestamp)
	}
}

func TestSyncEngine_Sync_FreshLockIsNotReclaimed(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	store.states[7].Status = core.SyncRunning
	// Held for one minute: a live run, not a leftover.
	store.states[7].UpdatedAt = time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC)
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	result, err := engine.Sync(context.Background(), 7)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !result.Skipped {
		t.Error("a recently held lock must still collapse the trigger")
	}
	if provider.diffCalls != 0 {
		t.Errorf("provider called %d times during a live lock, want 0", provider.diffCalls)
	}
}

func TestSyncEngine_RecoverStaleLocks(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	seedConnection(store, 8)
	store.states[7].Status = core.SyncRunning
	provider := &fakeProvider{diff: sampleDiff()}
	engine := newTestEngine(store, provider)

	if err := engine.RecoverStaleLocks(context.Background()); err != nil {
		t.Fatalf("RecoverStaleLocks() error = %v", err)
	}
	if store.states[7].Status != core.SyncIdle {
		t.Errorf("status = %q after recovery, want idle", store.states[7].Status)
	}
	if store.states[8].Status != core.SyncIdle {
		t.Errorf("untouched user status = %q, want idle", store.states[8].Status)
	}

	// A sync right after startup recovery must run normally.
	result, err := engine.Sync(context.Background(), 7)
	if err != nil {
		t.Fatalf("Sync() after recovery error = %v", err)
	}
	if result.Skipped {
		t.Error("Sync() after recovery should not skip")
	}
}

func TestSyncEngine_Reset_ForcesStaleLock(t *testing.T) {
	store := newMemStore()
	seedConnection(store, 7)
	store.states[7].ServerTimestamp = 1700000100
	store.states[7].Status = core.SyncRunning
	store.states[7].UpdatedAt = time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	engine := newTestEngine(store, &fakeProvider{})

	if err := engine.Reset(context.Background(), 7); err != nil {
		t.Fatalf("Reset() with a stale lock = %v, want success", err)
	}
	if store.states[7].ServerTimestamp != 0 {
		t.Errorf("cursor = %d after reset, want 0", store.states[7].ServerTimestamp)
	}
	if store.states[7].Status != core.SyncIdle {
		t.Errorf("status = %q after reset, want idle", store.states[7].Status)
	}
}
