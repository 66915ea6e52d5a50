package services

import (
	"context"
	"testing"
	"time"

	"zenbudget/internal/core"
)

func TestReconciler_Run(t *testing.T) {
	store := newMemStore()

	store.accounts["acc-ok"] = core.Account{
		ID: "acc-ok", UserID: 7, Title: "Checking",
		Balance: amount(t, "1000"), StartBalance: amount(t, "300"),
	}
	store.accounts["acc-warn"] = core.Account{
		ID: "acc-warn", UserID: 7, Title: "Savings",
		Balance: amount(t, "1000"), StartBalance: amount(t, "950"),
	}
	store.accounts["acc-err"] = core.Account{
		ID: "acc-err", UserID: 7, Title: "Cash",
		Balance: amount(t, "1000"), StartBalance: amount(t, "800"),
	}
	store.accounts["acc-empty"] = core.Account{
		ID: "acc-empty", UserID: 7, Title: "Dormant",
	}
	store.accounts["acc-archived"] = core.Account{
		ID: "acc-archived", UserID: 7, Title: "Closed",
		Balance: amount(t, "500"), Archived: true,
	}

	date := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	store.txs["t1"] = core.Transaction{
		ID: "t1", UserID: 7, Type: core.Income, AccountID: "acc-ok",
		Amount: amount(t, "700"), Date: date,
	}
	// Deleted rows stay out of the calculated balance.
	store.txs["t2"] = core.Transaction{
		ID: "t2", UserID: 7, Type: core.Expense, AccountID: "acc-ok",
		Amount: amount(t, "999"), Date: date, Deleted: true,
	}

	rec := NewReconciler(store)
	ranAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return ranAt }

	summary, err := rec.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(summary.Reports) != 4 {
		t.Fatalf("reconciled %d accounts, want 4 (archived excluded)", len(summary.Reports))
	}
	if summary.OK != 2 || summary.Warnings != 1 || summary.Errors != 1 {
		t.Errorf("counts ok=%d warn=%d err=%d, want 2/1/1",
			summary.OK, summary.Warnings, summary.Errors)
	}

	byID := make(map[string]core.BalanceReport)
	for _, r := range summary.Reports {
		byID[r.AccountID] = r
	}

	cases := []struct {
		accountID  string
		status     core.BalanceStatus
		calculated string
	}{
		{"acc-ok", core.BalanceOK, "1000"},
		{"acc-warn", core.BalanceWarning, "950"},
		{"acc-err", core.BalanceError, "800"},
		{"acc-empty", core.BalanceOK, "0"},
	}
	for _, tc := range cases {
		r, ok := byID[tc.accountID]
		if !ok {
			t.Errorf("no report for %s", tc.accountID)
			continue
		}
		if r.Status != tc.status {
			t.Errorf("%s status = %q, want %q", tc.accountID, r.Status, tc.status)
		}
		if !r.Calculated.Equal(amount(t, tc.calculated)) {
			t.Errorf("%s calculated = %s, want %s", tc.accountID, r.Calculated, tc.calculated)
		}
	}

	persisted := store.accounts["acc-warn"]
	if !persisted.CalculatedBalance.Equal(amount(t, "950")) {
		t.Errorf("persisted calculated = %s, want 950", persisted.CalculatedBalance)
	}
	if !persisted.BalanceDiff.Equal(amount(t, "50")) {
		t.Errorf("persisted diff = %s, want 50", persisted.BalanceDiff)
	}
	if !persisted.LastBalanceCheckAt.Equal(ranAt) {
		t.Errorf("persisted check time = %v, want %v", persisted.LastBalanceCheckAt, ranAt)
	}
}

func TestReconciler_Run_NoAccounts(t *testing.T) {
	rec := NewReconciler(newMemStore())

	summary, err := rec.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(summary.Reports) != 0 {
		t.Errorf("got %d reports for a user with no accounts", len(summary.Reports))
	}
	if summary.Message == "" {
		t.Error("summary message should never be empty")
	}
}
