package cli

import (
	"fmt"
	"time"

	"checkout-service/internal/config"
	"checkout-service/internal/reconcile"

	"github.com/spf13/cobra"
)

type reconcileOptions struct {
	StaleAfter time.Duration
	Batch      int
}

// NewReconcileCommand runs a single sweeper pass, for cron-style deployments.
func NewReconcileCommand() *cobra.Command {
	opts := &reconcileOptions{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile stale pending orders against the payment processor once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cmd.Flags().Changed("stale-after") {
				cfg.SweepStaleAfter = opts.StaleAfter
			}
			if cmd.Flags().Changed("batch") {
				cfg.SweepBatchSize = opts.Batch
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper := reconcile.NewSweeper(a.engine, cfg.SweepInterval, cfg.SweepStaleAfter, cfg.SweepBatchSize)
			paid, err := sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d order(s)\n", paid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 0, "override SWEEP_STALE_AFTER_SECONDS")
	cmd.Flags().IntVar(&opts.Batch, "batch", 0, "override SWEEP_BATCH_SIZE")
	return cmd
}
