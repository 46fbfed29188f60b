package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/api"
	"github.com/rez/wallet-ledger/config"
)

// Serve runs the HTTP server until ctx is cancelled, then shuts it down
// within Server.ShutdownTimeout.
func Serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Audit.Interval > 0 && a.Auditor != nil {
		sched, err := api.NewAuditScheduler(a.Auditor, cfg.Audit.Interval, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
