package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"paygate/internal/httpserver"
	"paygate/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the periodic reconciliation scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting paygate", "env", cfg.AppEnv, "wallet", cfg.WalletAddress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.wa != nil {
		waCtx, waCancel := context.WithCancel(ctx)
		defer waCancel()
		go func() {
			if err := a.wa.Start(waCtx); err != nil {
				logger.Error("whatsapp alert channel stopped", "error", err)
			}
		}()
	}

	a.scheduler.Start(ctx)
	defer a.scheduler.Stop()

	deps := httpserver.Dependencies{
		Repository: a.repo,
		Billing:    a.billing,
		Reconciler: a.reconciler,
		Referrals:  a.referrals,
		Scheduler:  a.scheduler,
		Rates:      a.oracle,
	}
	if a.redis != nil {
		deps.Throttle = a.redis
	}
	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, a.metrics, deps, httpserver.Options{
		BasePath:      cfg.PublicBasePath,
		APIToken:      cfg.APIToken,
		CheckCooldown: cfg.CheckCooldown,
		BotUsername:   cfg.BotUsername,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
