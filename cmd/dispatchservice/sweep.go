package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/pkg/observability"
)

var sweepBatch int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one auto-release pass over escrows past their window",
	RunE:  sweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 0, "maximum escrows to release (0 uses escrow.sweep_batch)")
	rootCmd.AddCommand(sweepCmd)
}

func sweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("sweep needs postgres.dsn: the in-memory store holds no escrows")
	}
	logger := observability.SetupLogger("dispatch-sweep", cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	batch := sweepBatch
	if batch <= 0 {
		batch = cfg.Escrow.SweepBatch
	}
	released, err := a.ledger.AutoRelease(ctx, batch)
	logger.Info("auto release pass", zap.Int("released", released), zap.Error(err))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %d escrow(s)\n", released)
	return nil
}
