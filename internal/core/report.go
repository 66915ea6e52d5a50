package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	BalanceOK      BalanceStatus = "ok"
	BalanceWarning BalanceStatus = "warning"
	BalanceError   BalanceStatus = "error"
)

// Reconciliation thresholds as a percentage of the absolute provider
// balance. Drift at or below the warning floor counts as ok.
var (
	warningFloorPct = decimal.NewFromInt(1)
	errorFloorPct   = decimal.NewFromInt(10)
)

type (
	BalanceStatus string

	// BalanceReport is the per-account outcome of one reconciliation run.
	// Ephemeral: only the calculated fields are written back to the
	// account row.
	BalanceReport struct {
		AccountID   string          `json:"account_id"`
		Title       string          `json:"title"`
		Provider    decimal.Decimal `json:"provider_balance"`
		Calculated  decimal.Decimal `json:"calculated_balance"`
		Diff        decimal.Decimal `json:"diff"`
		DiffPercent decimal.Decimal `json:"diff_percent"`
		Status      BalanceStatus   `json:"status"`
	}

	// ReconcileSummary aggregates a full reconciliation pass.
	ReconcileSummary struct {
		RanAt    time.Time       `json:"ran_at"`
		OK       int             `json:"ok"`
		Warnings int             `json:"warnings"`
		Errors   int             `json:"errors"`
		Message  string          `json:"message"`
		Reports  []BalanceReport `json:"reports"`
	}
)

// ClassifyBalance compares the provider-reported balance against the
// locally calculated one and returns the signed difference, the deviation
// as a percentage of the absolute provider balance, and the status bucket.
// A zero provider balance is treated as 0% deviation to avoid dividing by
// zero.
func ClassifyBalance(provider, calculated decimal.Decimal) (diff, pct decimal.Decimal, status BalanceStatus) {
	diff = provider.Sub(calculated)
	if provider.IsZero() {
		pct = decimal.Zero
	} else {
		pct = diff.Abs().Div(provider.Abs()).Mul(decimal.NewFromInt(100))
	}
	switch {
	case pct.GreaterThan(errorFloorPct):
		status = BalanceError
	case pct.GreaterThan(warningFloorPct):
		status = BalanceWarning
	default:
		status = BalanceOK
	}
	return diff, pct, status
}

// Summarize fills the aggregate counters and the human-readable message
// from the collected reports, prioritizing error > warning > ok.
func (s *ReconcileSummary) Summarize() {
	s.OK, s.Warnings, s.Errors = 0, 0, 0
	for _, r := range s.Reports {
		switch r.Status {
		case BalanceError:
			s.Errors++
		case BalanceWarning:
			s.Warnings++
		default:
			s.OK++
		}
	}
	switch {
	case s.Errors > 0:
		s.Message = fmt.Sprintf("%d account(s) have significant balance discrepancies", s.Errors)
	case s.Warnings > 0:
		s.Message = fmt.Sprintf("%d account(s) show minor balance drift", s.Warnings)
	default:
		s.Message = "all account balances match"
	}
}
