package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/retry"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/queue"
)

type SweepStore interface {
	ListOrphanedPending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListStalledPending(ctx context.Context, cutoff time.Time, limit int) ([]models.StalledDelivery, error)
	ScheduleAttempt(ctx context.Context, id string, attempt int) (bool, error)
}

// Reconciler re-enqueues pending webhooks whose next task was lost: those
// never attempted, and retry chains that stopped before finishing.
type Reconciler struct {
	webhooks     SweepStore
	integrations IntegrationStore
	queue        Enqueuer
	fallback     retry.Policy
	grace        time.Duration
	batch        int
	now          func() time.Time
}

func NewReconciler(webhooks SweepStore, integrations IntegrationStore, q Enqueuer, cfg config.ReconcileConfig, fallback retry.Policy) *Reconciler {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		webhooks:     webhooks,
		integrations: integrations,
		queue:        q,
		fallback:     fallback,
		grace:        cfg.GracePeriod,
		batch:        batch,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Sweep enqueues attempt 1 for every pending webhook older than the grace
// period that has no recorded attempts, then resumes stalled retry chains.
// It returns how many tasks were enqueued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.grace)
	ids, err := r.webhooks.ListOrphanedPending(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list orphaned webhooks: %w", err)
	}

	n := 0
	defer func() { metrics.Reconciled.Add(float64(n)) }()

	for _, id := range ids {
		if err := r.queue.Enqueue(ctx, queue.Task{WebhookID: id, Attempt: 1}, 0); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", id, err)
		}
		n++
	}

	if n >= r.batch {
		return n, nil
	}
	stalled, err := r.webhooks.ListStalledPending(ctx, cutoff, r.batch-n)
	if err != nil {
		return n, fmt.Errorf("list stalled webhooks: %w", err)
	}

	policies := make(map[string]*retry.Policy)
	for _, s := range stalled {
		task, ok, err := r.resume(ctx, s, cutoff, policies)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		if err := r.queue.Enqueue(ctx, task, 0); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", s.WebhookID, err)
		}
		n++
	}
	return n, nil
}

// resume picks the task that moves a stalled webhook on. A chain that has
// nothing left to retry gets its last attempt replayed, which the worker
// reuses to finish the webhook. A retry is only resumed once its longest
// possible backoff has passed.
func (r *Reconciler) resume(ctx context.Context, s models.StalledDelivery, cutoff time.Time, policies map[string]*retry.Policy) (queue.Task, bool, error) {
	last := queue.Task{WebhookID: s.WebhookID, Attempt: s.LastAttempt}
	if recordedOutcome(s.LastStatusCode) != OutcomeRetryable {
		return last, true, nil
	}

	policy, ok := policies[s.IntegrationID]
	if !ok {
		integration, err := r.integrations.GetByID(ctx, s.IntegrationID)
		if err != nil {
			return queue.Task{}, false, fmt.Errorf("load integration %s: %w", s.IntegrationID, err)
		}
		if integration != nil && integration.IsActive {
			p := retry.Parse(integration.RetryPolicy, r.fallback)
			policy = &p
		}
		policies[s.IntegrationID] = policy
	}
	if policy == nil || !retry.ShouldRetry(s.LastAttempt, *policy) {
		return last, true, nil
	}

	wait := time.Duration(policy.MaxDelayMs) * time.Millisecond
	if s.LastCompletedAt.Add(wait).After(cutoff) {
		return queue.Task{}, false, nil
	}

	next := s.LastAttempt + 1
	if _, err := r.webhooks.ScheduleAttempt(ctx, s.WebhookID, next); err != nil {
		return queue.Task{}, false, fmt.Errorf("schedule %s: %w", s.WebhookID, err)
	}
	return queue.Task{WebhookID: s.WebhookID, Attempt: next}, true, nil
}

// Run sweeps every interval until ctx is cancelled. A non-positive
// interval disables the sweep.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Int("enqueued", n).Msg("reconciliation sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("enqueued", n).Msg("re-enqueued stalled webhooks")
			}
		}
	}
}
