package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rez/wallet-ledger/api"
	"github.com/rez/wallet-ledger/app"
	"github.com/rez/wallet-ledger/gateway"
	"github.com/rez/wallet-ledger/ledger"
)

// ─── serve ──────────────────────────────────────────────────────────────────

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// main cancels the context on SIGINT/SIGTERM.
			return app.Serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP port")
	return cmd
}

// ─── credit / debit ─────────────────────────────────────────────────────────

func newCreditCmd(opts *rootOptions) *cobra.Command {
	var txType, ref, desc string
	cmd := &cobra.Command{
		Use:   "credit USER AMOUNT",
		Short: "Credit coins to a wallet",
		Long: `Credit coins to a wallet. Without --ref a random reference is used,
so the command is only idempotent when --ref is given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			t, err := ledger.ParseTransactionType(txType)
			if err != nil {
				return err
			}
			if ref == "" {
				ref = "cli-" + uuid.NewString()
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Ledger.Credit(ctx, ledger.UserID(args[0]), t, amount, ref, ledger.WithDescription(desc))
				if err != nil {
					return err
				}
				return opts.printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&txType, "type", string(ledger.TxCashback), "credit type: cashback, referral or refund")
	cmd.Flags().StringVar(&ref, "ref", "", "source reference (idempotency key)")
	cmd.Flags().StringVar(&desc, "desc", "", "description shown in history")
	return cmd
}

func newDebitCmd(opts *rootOptions) *cobra.Command {
	var txType, ref, desc string
	cmd := &cobra.Command{
		Use:   "debit USER AMOUNT",
		Short: "Debit coins from a wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			t, err := ledger.ParseTransactionType(txType)
			if err != nil {
				return err
			}
			if ref == "" {
				ref = "cli-" + uuid.NewString()
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Ledger.Debit(ctx, ledger.UserID(args[0]), amount, ref,
					ledger.WithType(t), ledger.WithDescription(desc))
				if err != nil {
					return err
				}
				return opts.printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&txType, "type", string(ledger.TxRedemption), "debit type: redemption or purchase-debit")
	cmd.Flags().StringVar(&ref, "ref", "", "source reference (idempotency key)")
	cmd.Flags().StringVar(&desc, "desc", gateway.DescRedemption, "description shown in history")
	return cmd
}

func (o *rootOptions) printResult(w io.Writer, res ledger.Result) error {
	return o.print(w, res, func(w io.Writer) {
		tx := res.Transaction
		status := "applied"
		if res.Duplicate {
			status = "duplicate"
		}
		fmt.Fprintf(w, "%s %s %+d (%s) balance %d\n", status, tx.ID, tx.Amount, tx.SourceRef, res.NewBalance)
	})
}

// ─── summary / history ──────────────────────────────────────────────────────

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary USER",
		Short: "Show balance and recent transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Ledger.GetSummary(ctx, ledger.UserID(args[0]))
				if err != nil {
					return err
				}
				worth := a.Gateway.Rules().CoinValue(s.Balance)
				return opts.print(cmd.OutOrStdout(), s, func(w io.Writer) {
					fmt.Fprintf(w, "user:     %s (%s)\n", s.UserID, s.State)
					fmt.Fprintf(w, "balance:  %d coins (worth %s)\n", s.Balance, worth.StringFixed(2))
					fmt.Fprintf(w, "entries:  %d\n", s.TransactionCount)
					if len(s.Recent) > 0 {
						fmt.Fprintln(w)
						writeTransactions(w, s.Recent)
					}
				})
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		order string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history USER",
		Short: "Print the full transaction history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := ledger.ParseOrder(order)
			if err != nil {
				return err
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				txs := []ledger.Transaction{}
				for tx, err := range a.Ledger.History(ctx, ledger.UserID(args[0]), o) {
					if err != nil {
						return err
					}
					txs = append(txs, tx)
					if limit > 0 && len(txs) == limit {
						break
					}
				}
				return opts.print(cmd.OutOrStdout(), txs, func(w io.Writer) {
					writeTransactions(w, txs)
				})
			})
		},
	}
	cmd.Flags().StringVar(&order, "order", string(ledger.NewestFirst), "newest or oldest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many entries (0 = all)")
	return cmd
}

func writeTransactions(w io.Writer, txs []ledger.Transaction) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tAMOUNT\tBALANCE\tREF\tDESCRIPTION")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\t%s\n",
			tx.CreatedAt.Format(time.DateTime), tx.Type, tx.Amount, tx.BalanceAfter, tx.SourceRef, tx.Description)
	}
	tw.Flush()
}

// ─── audit ──────────────────────────────────────────────────────────────────

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check every balance against its transaction log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if a.Auditor == nil {
					return fmt.Errorf("store %q does not support auditing", a.Config.Store.Driver)
				}
				report, err := a.Auditor.Run(ctx)
				if err != nil {
					return err
				}
				if err := printReport(cmd.OutOrStdout(), opts, report); err != nil {
					return err
				}
				if !report.OK() {
					return fmt.Errorf("%d account(s) out of balance", len(report.Mismatches))
				}
				return nil
			})
		},
	}
}

func printReport(w io.Writer, opts *rootOptions, report ledger.AuditReport) error {
	return opts.print(w, report, func(w io.Writer) {
		fmt.Fprintf(w, "checked %d account(s) at %s\n", report.Accounts, report.CheckedAt.Format(time.RFC3339))
		for _, m := range report.Mismatches {
			fmt.Fprintf(w, "  %s: balance %d, ledger %d (%s)\n", m.UserID, m.Balance, m.LedgerSum, m.Reason)
		}
	})
}

// ─── simulate ───────────────────────────────────────────────────────────────

type simulateResult struct {
	Events     int              `json:"events"`
	Duplicates int              `json:"duplicates"`
	Balances   map[string]int64 `json:"balances"`
	Elapsed    string           `json:"elapsed"`
	AuditOK    bool             `json:"audit_ok"`
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		scenario    string
		events      int
		users       int
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Seed a demo scenario or replay random purchase events",
		Long: `Without --events, seeds the named scenario (fixed references, safe to
repeat). With --events, sends that many purchase-completed events spread
over --users wallets, each delivered twice to exercise deduplication, then
audits the store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if events <= 0 {
					if err := api.SeedScenario(ctx, a.Ledger, scenario); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scenario %s loaded\n", scenario)
					return nil
				}
				res, err := simulate(ctx, a, events, users, concurrency)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "%d events, %d duplicates absorbed in %s\n", res.Events, res.Duplicates, res.Elapsed)
					fmt.Fprintf(w, "%d wallets, audit ok: %t\n", len(res.Balances), res.AuditOK)
				})
			})
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "rajesh-gold", "demo scenario to seed")
	cmd.Flags().IntVar(&events, "events", 0, "number of purchase events to replay")
	cmd.Flags().IntVar(&users, "users", 10, "number of wallets")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "parallel deliveries")
	return cmd
}

func simulate(ctx context.Context, a *app.App, events, users, concurrency int) (simulateResult, error) {
	if users <= 0 {
		users = 1
	}
	start := time.Now()
	runID := uuid.NewString()[:8]

	deliveries := make([]gateway.PurchaseCompleted, 0, events)
	for i := range events {
		deliveries = append(deliveries, gateway.PurchaseCompleted{
			OrderID:            fmt.Sprintf("sim-%s-%s", runID, uuid.NewString()),
			UserID:             ledger.UserID(fmt.Sprintf("sim-user-%02d", i%users)),
			ProductID:          fmt.Sprintf("P%d", i%7),
			PurchasePrice:      decimal.NewFromInt(int64(100 + (i*37)%2000)),
			CashbackPercentage: decimal.NewFromInt(int64(5 + i%11)),
		})
	}

	var (
		dups = make([]bool, len(deliveries)*2)
		g, _ = errgroup.WithContext(ctx)
	)
	g.SetLimit(max(concurrency, 1))
	for i, ev := range deliveries {
		for attempt := range 2 {
			g.Go(func() error {
				out, err := a.Gateway.HandlePurchaseCompleted(ctx, ev)
				if err != nil {
					return fmt.Errorf("order %s: %w", ev.OrderID, err)
				}
				dups[i*2+attempt] = out.Duplicate
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return simulateResult{}, err
	}

	res := simulateResult{Events: events, Balances: map[string]int64{}}
	for _, d := range dups {
		if d {
			res.Duplicates++
		}
	}
	for u := range users {
		id := ledger.UserID(fmt.Sprintf("sim-user-%02d", u))
		b, err := a.Ledger.Balance(ctx, id)
		if err != nil {
			return simulateResult{}, err
		}
		res.Balances[string(id)] = b
	}
	res.Elapsed = time.Since(start).Round(time.Millisecond).String()

	if a.Auditor != nil {
		report, err := a.Auditor.Run(ctx)
		if err != nil {
			return simulateResult{}, err
		}
		res.AuditOK = report.OK()
	}
	return res, nil
}
