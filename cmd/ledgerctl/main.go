// Command ledgerctl operates a wallet ledger store directly: credit and
// debit coins, inspect wallets, audit balances, seed demo data and run the
// HTTP server.
//
//	ledgerctl --store sqlite --db wallet.db credit rajesh 100 --type cashback
//	ledgerctl summary rajesh
//	ledgerctl simulate --events 500 --users 20
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
