package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/app"
	"github.com/rez/wallet-ledger/config"
	"github.com/rez/wallet-ledger/logging"
)

type rootOptions struct {
	configPath string
	driver     string
	dbPath     string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the wallet ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `ledgerctl talks to the ledger store directly, with the same config
sources as the server: a TOML file, LEDGER_* environment variables and a
.env file. Flags given here win over all of them.`,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "TOML config file (default $LEDGER_CONFIG)")
	pf.StringVar(&opts.driver, "store", "", "store driver: sqlite, postgres or memory")
	pf.StringVar(&opts.dbPath, "db", "", "SQLite database path")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (default warn for the CLI)")
	pf.BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newServeCmd(opts),
		newCreditCmd(opts),
		newDebitCmd(opts),
		newSummaryCmd(opts),
		newHistoryCmd(opts),
		newAuditCmd(opts),
		newSimulateCmd(opts),
	)
	return root
}

// load resolves the config, applying only the flags the user set.
func (o *rootOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Driver = o.driver
	}
	if flags.Changed("db") {
		cfg.Store.SQLitePath = o.dbPath
	}
	switch {
	case flags.Changed("log-level"):
		cfg.Log.Level = o.logLevel
	case cmd.Name() != "serve":
		// Keep command output readable unless asked otherwise.
		cfg.Log.Level = "warn"
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg config.Config) (*zap.Logger, error) {
	format := cfg.Log.Format
	if o.jsonOut {
		format = "json"
	}
	return logging.New(cfg.Log.Level, format)
}

// withApp builds the ledger stack for one command.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := o.load(cmd)
	if err != nil {
		return err
	}
	logger, err := o.logger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (o *rootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not an integer", s)
	}
	return n, nil
}
