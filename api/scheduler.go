/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Re-derives every balance from the transaction log on a fixed interval
  and logs any account whose stored balance disagrees. The same check is
  available on demand at POST /api/admin/audit.

DESIGN:
  - gocron duration job, singleton mode: a slow audit is never overlapped
  - Disabled when the interval is zero (the default)
  - Each run gets its own timeout so a stuck store cannot pile up runs

USAGE:
  s, err := NewAuditScheduler(auditor, time.Hour, logger)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - ledger/audit.go: Auditor
  - handlers.go: RunAudit endpoint
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/ledger"
)

// AuditScheduler runs the ledger audit in the background.
type AuditScheduler struct {
	auditor  *ledger.Auditor
	interval time.Duration
	logger   *zap.Logger

	sched gocron.Scheduler
	job   gocron.Job
}

// NewAuditScheduler registers the audit job. It is not started yet.
func NewAuditScheduler(auditor *ledger.Auditor, interval time.Duration, logger *zap.Logger) (*AuditScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("audit interval must be positive, got %s", interval)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	as := &AuditScheduler{
		auditor:  auditor,
		interval: interval,
		logger:   logger.Named("audit"),
		sched:    sched,
	}

	as.job, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(as.run),
		gocron.WithName("ledger-audit"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("register audit job: %w", err)
	}
	return as, nil
}

func (as *AuditScheduler) Start() {
	as.sched.Start()
	as.logger.Info("audit scheduler started", zap.Duration("interval", as.interval))
}

func (as *AuditScheduler) Stop() error {
	return as.sched.Shutdown()
}

// NextRun reports when the audit will run next.
func (as *AuditScheduler) NextRun() (time.Time, error) {
	return as.job.NextRun()
}

// RunNow runs the audit synchronously, outside the schedule.
func (as *AuditScheduler) RunNow(ctx context.Context) (ledger.AuditReport, error) {
	return as.auditor.Run(ctx)
}

func (as *AuditScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), as.interval)
	defer cancel()

	// The auditor logs each mismatch itself.
	if _, err := as.auditor.Run(ctx); err != nil {
		as.logger.Error("scheduled audit failed", zap.Error(err))
	}
}
