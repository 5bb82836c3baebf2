package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"paygate/internal/logging"
	"paygate/internal/scheduler"
)

var reconcileRequestID string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over pending payment requests and exit",
	Long: `Expires requests older than the retention window and reconciles every
other pending request once. With --id only that request is checked.`,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileRequestID, "id", "", "Reconcile a single payment request")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if reconcileRequestID != "" {
		res, err := a.reconciler.ReconcileNow(ctx, reconcileRequestID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", reconcileRequestID, err)
		}
		summary := map[string]any{"id": reconcileRequestID, "status": res.Outcome}
		if res.Transfer != nil {
			summary["tx_hash"] = res.Transfer.Hash
		}
		if !res.Amount.IsZero() {
			summary["amount"] = res.Amount
			summary["rate_stale"] = res.RateStale
		}
		return out.Encode(summary)
	}

	report, err := a.scheduler.RunOnce(ctx, scheduler.TriggerManual)
	if err != nil {
		return fmt.Errorf("reconciliation pass: %w", err)
	}
	return out.Encode(report)
}
