package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Auditor re-derives every balance from the transaction log and reports
// accounts where the materialized balance disagrees, or is negative.
type Auditor struct {
	Store    AuditStore
	Logger   *zap.Logger
	Recorder Recorder
	Now      func() time.Time
}

type Mismatch struct {
	UserID      UserID
	Balance     int64
	LedgerSum   int64
	StoredCount int64
	LedgerCount int64
	Reason      string
}

type AuditReport struct {
	CheckedAt  time.Time
	Accounts   int
	Mismatches []Mismatch
}

func (r AuditReport) OK() bool { return len(r.Mismatches) == 0 }

func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}

	accounts, err := a.Store.ListAccounts(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("list accounts: %w", err)
	}

	report := AuditReport{CheckedAt: now().UTC(), Accounts: len(accounts), Mismatches: []Mismatch{}}
	for _, acct := range accounts {
		// The listed snapshot goes stale under traffic; compare a fresh read.
		check, err := a.Store.CheckAccount(ctx, acct.UserID)
		if err != nil {
			return AuditReport{}, fmt.Errorf("check account %s: %w", acct.UserID, err)
		}

		m := Mismatch{
			UserID:      check.UserID,
			Balance:     check.Balance,
			LedgerSum:   check.LedgerSum,
			StoredCount: check.TransactionCount,
			LedgerCount: check.LedgerCount,
		}
		switch {
		case check.Balance != check.LedgerSum:
			m.Reason = "balance differs from transaction sum"
		case check.TransactionCount != check.LedgerCount:
			m.Reason = "transaction count differs from log"
		case check.Balance < 0:
			m.Reason = "negative balance"
		default:
			continue
		}
		logger.Error("ledger audit mismatch",
			zap.String("user_id", string(m.UserID)),
			zap.Int64("balance", m.Balance),
			zap.Int64("ledger_sum", m.LedgerSum),
			zap.String("reason", m.Reason))
		report.Mismatches = append(report.Mismatches, m)
	}

	if a.Recorder != nil {
		a.Recorder.ObserveAudit(report.Accounts, len(report.Mismatches))
	}
	logger.Info("ledger audit finished",
		zap.Int("accounts", report.Accounts),
		zap.Int("mismatches", len(report.Mismatches)))
	return report, nil
}
