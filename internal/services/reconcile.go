package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zenbudget/internal/core"
)

// Reconciler compares each account's provider-reported balance against
// the balance derived from local transactions and persists the outcome on
// the account row. It reports drift; it never mutates balances.
type Reconciler struct {
	ledger LedgerStore
	now    func() time.Time
}

func NewReconciler(ledger LedgerStore) *Reconciler {
	return &Reconciler{ledger: ledger, now: time.Now}
}

// Run reconciles every non-archived account of the user. Degenerate rows
// (zero provider balance, no transactions) classify as 0% drift and never
// abort the pass.
func (r *Reconciler) Run(ctx context.Context, userID core.UserID) (*core.ReconcileSummary, error) {
	accounts, err := r.ledger.ListAccounts(ctx, userID, false)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	ranAt := r.now()
	summary := &core.ReconcileSummary{RanAt: ranAt}

	for _, acc := range accounts {
		report, err := r.reconcileAccount(ctx, userID, acc, ranAt)
		if err != nil {
			return nil, err
		}
		summary.Reports = append(summary.Reports, *report)
	}

	summary.Summarize()

	slog.InfoContext(ctx, "Reconciliation completed",
		"user_id", userID,
		"accounts", len(summary.Reports),
		"ok", summary.OK,
		"warnings", summary.Warnings,
		"errors", summary.Errors)

	return summary, nil
}

func (r *Reconciler) reconcileAccount(ctx context.Context, userID core.UserID, acc core.Account, ranAt time.Time) (*core.BalanceReport, error) {
	txs, err := r.ledger.ListTransactionsByAccount(ctx, userID, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("list transactions for account %s: %w", acc.ID, err)
	}

	calculated := acc.StartBalance
	for _, tx := range txs {
		calculated = calculated.Add(tx.SignedAmount())
	}

	diff, pct, status := core.ClassifyBalance(acc.Balance, calculated)

	if err := r.ledger.UpdateAccountReconciliation(ctx, acc.ID, calculated, diff, ranAt); err != nil {
		return nil, fmt.Errorf("persist reconciliation for account %s: %w", acc.ID, err)
	}

	if status != core.BalanceOK {
		slog.WarnContext(ctx, "Balance drift detected",
			"user_id", userID,
			"account_id", acc.ID,
			"provider", acc.Balance.String(),
			"calculated", calculated.String(),
			"diff_percent", pct.StringFixed(2),
			"status", status)
	}

	return &core.BalanceReport{
		AccountID:   acc.ID,
		Title:       acc.Title,
		Provider:    acc.Balance,
		Calculated:  calculated,
		Diff:        diff,
		DiffPercent: pct,
		Status:      status,
	}, nil
}
