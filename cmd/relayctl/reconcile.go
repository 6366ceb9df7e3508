package main

import (
	"github.com/spf13/cobra"

	"hookrelay/internal/engine/delivery"
	"hookrelay/internal/engine/retry"
	"hookrelay/internal/platform/queue"
	"hookrelay/internal/platform/repositories"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-enqueue pending webhooks whose delivery task was lost",
	Long: `reconcile runs one sweep. Pending webhooks older than the grace period
with no delivery attempts get their first attempt enqueued again. Pending
webhooks whose retry chain stopped get their next attempt enqueued, or are
finished when no retries remain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Queue.Backend == "" || cfg.Queue.Backend == "memory" {
			warn.Println("queue.backend is memory; tasks enqueued here are lost when relayctl exits")
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		q, err := queue.New(cmd.Context(), cfg.Queue)
		if err != nil {
			return err
		}
		defer q.Close()

		reconcileCfg := cfg.Reconcile
		if grace, _ := cmd.Flags().GetDuration("grace"); grace > 0 {
			reconcileCfg.GracePeriod = grace
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			reconcileCfg.BatchSize = limit
		}

		fallback, err := retry.FromConfig(cfg.Retry)
		if err != nil {
			warn.Printf("using built-in retry defaults: %v\n", err)
		}

		r := delivery.NewReconciler(repositories.NewWebhookRepository(db), repositories.NewIntegrationRepository(db), q, reconcileCfg, fallback)
		n, err := r.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		success.Printf("Re-enqueued %d webhook(s)\n", n)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().Duration("grace", 0, "override reconcile.grace_period")
	reconcileCmd.Flags().Int("limit", 0, "override reconcile.batch_size")
}
