package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"hookrelay/internal/engine/payload"
	"hookrelay/internal/engine/retry"
	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/queue"
)

type WebhookStore interface {
	GetByID(ctx context.Context, id string) (*models.Webhook, error)
	UpdateStatus(ctx context.Context, id string, status models.WebhookStatus) (bool, error)
	MarkFailed(ctx context.Context, id string, at time.Time) (bool, error)
	ScheduleAttempt(ctx context.Context, id string, attempt int) (bool, error)
	UnscheduleAttempt(ctx context.Context, id string, attempt int) error
}

type IntegrationStore interface {
	GetByID(ctx context.Context, id string) (*models.Integration, error)
}

type AttemptStore interface {
	Create(ctx context.Context, a *models.DeliveryAttempt) error
	GetByWebhookAndNumber(ctx context.Context, webhookID string, number int) (*models.DeliveryAttempt, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task, delay time.Duration) error
}

type WorkerOptions struct {
	// Fallback applies when an integration's stored policy is unusable.
	Fallback retry.Policy
	// MaxInfraRedeliveries bounds redeliveries caused by infrastructure
	// faults. Zero means unbounded.
	MaxInfraRedeliveries int
}

type Worker struct {
	webhooks     WebhookStore
	integrations IntegrationStore
	attempts     AttemptStore
	queue        Enqueuer
	blobs        blob.Store
	forwarder    *Forwarder
	opts         WorkerOptions
	now          func() time.Time
	rnd          func() float64
}

func NewWorker(webhooks WebhookStore, integrations IntegrationStore, attempts AttemptStore, q Enqueuer, blobs blob.Store, forwarder *Forwarder, opts WorkerOptions) *Worker {
	return &Worker{
		webhooks:     webhooks,
		integrations: integrations,
		attempts:     attempts,
		queue:        q,
		blobs:        blobs,
		forwarder:    forwarder,
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Handle runs one delivery attempt. A nil return acks the task; an error
// is an infrastructure fault and asks the queue to redeliver the same task.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	logger := log.With().
		Str("webhook_id", d.WebhookID).
		Int("attempt", d.Attempt).
		Int("redeliveries", d.Redeliveries).
		Logger()

	if w.opts.MaxInfraRedeliveries > 0 && d.Redeliveries >= w.opts.MaxInfraRedeliveries {
		logger.Error().Msg("infrastructure redelivery limit reached, giving up")
		if _, err := w.webhooks.MarkFailed(context.WithoutCancel(ctx), d.WebhookID, w.now()); err != nil {
			logger.Error().Err(err).Msg("failed to mark webhook failed")
		} else {
			metrics.WebhooksFinished.WithLabelValues(string(models.StatusFailed)).Inc()
		}
		return nil
	}

	err := w.safeProcess(ctx, d, logger)
	if err == nil {
		return nil
	}

	metrics.InfraRedeliveries.Inc()
	logger.Error().Err(err).Msg("delivery interrupted, task will be redelivered")
	if _, uerr := w.webhooks.UpdateStatus(context.WithoutCancel(ctx), d.WebhookID, models.StatusPending); uerr != nil {
		logger.Warn().Err(uerr).Msg("failed to reset webhook to pending")
	}
	return err
}

func (w *Worker) safeProcess(ctx context.Context, d queue.Delivery, logger zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("stack", string(debug.Stack())).Msgf("panic in delivery: %v", r)
			err = fmt.Errorf("panic in delivery: %v", r)
		}
	}()
	return w.process(ctx, d, logger)
}

func (w *Worker) process(ctx context.Context, d queue.Delivery, logger zerolog.Logger) error {
	webhook, err := w.webhooks.GetByID(ctx, d.WebhookID)
	if err != nil {
		return fmt.Errorf("load webhook: %w", err)
	}
	if webhook == nil {
		logger.Warn().Msg("webhook not found, dropping task")
		return nil
	}
	if webhook.Status.Terminal() {
		logger.Info().Str("status", string(webhook.Status)).Msg("webhook already finished, dropping task")
		return nil
	}

	logger = logger.With().Str("integration_id", webhook.IntegrationID).Logger()

	integration, err := w.integrations.GetByID(ctx, webhook.IntegrationID)
	if err != nil {
		return fmt.Errorf("load integration: %w", err)
	}
	if integration == nil || !integration.IsActive {
		logger.Warn().Msg("integration missing or inactive, failing webhook")
		return w.fail(ctx, webhook.ID)
	}

	policy := retry.Parse(integration.RetryPolicy, w.opts.Fallback)

	outcome, err := w.attempt(ctx, d, webhook, integration, logger)
	if err != nil {
		return err
	}
	return w.advance(ctx, d, policy, outcome, logger)
}

// attempt forwards the webhook and records the result. If the attempt was
// already recorded by an earlier run of this task, its outcome is reused.
func (w *Worker) attempt(ctx context.Context, d queue.Delivery, webhook *models.Webhook, integration *models.Integration, logger zerolog.Logger) (Outcome, error) {
	existing, err := w.attempts.GetByWebhookAndNumber(ctx, webhook.ID, d.Attempt)
	if err != nil {
		return "", fmt.Errorf("load attempt: %w", err)
	}
	if existing != nil {
		outcome := recordedOutcome(existing.StatusCode)
		logger.Info().Str("outcome", string(outcome)).Msg("attempt already recorded, resuming")
		return outcome, nil
	}

	body, err := payload.RefOf(webhook).Resolve(ctx, w.blobs)
	if err != nil {
		return "", fmt.Errorf("resolve payload: %w", err)
	}

	res, err := w.forwarder.Forward(ctx, ForwardRequest{
		URL:           integration.TargetURL,
		Headers:       payload.DecodeHeaders(webhook.Headers),
		Body:          body,
		WebhookID:     webhook.ID,
		Attempt:       d.Attempt,
		SigningSecret: integration.SigningSecret,
	})
	if err != nil {
		return "", fmt.Errorf("forward: %w", err)
	}

	outcome := Classify(res.StatusCode, res.Err)
	record := &models.DeliveryAttempt{
		WebhookID:     webhook.ID,
		AttemptNumber: d.Attempt,
		StartedAt:     res.StartedAt,
		CompletedAt:   res.CompletedAt,
		ErrorMessage:  ErrorMessage(res, w.forwarder.timeout),
		DurationMs:    res.Duration().Milliseconds(),
	}
	if res.Err == nil {
		code := res.StatusCode
		record.StatusCode = &code
		responseBody := res.Body
		record.ResponseBody = &responseBody
	}
	if err := w.attempts.Create(ctx, record); err != nil {
		return "", fmt.Errorf("record attempt: %w", err)
	}

	metrics.DeliveryAttempts.WithLabelValues(string(outcome)).Inc()
	metrics.DeliveryDuration.Observe(res.Duration().Seconds())

	event := logger.Info()
	if outcome != OutcomeDelivered {
		event = logger.Warn()
		if record.ErrorMessage != nil {
			event = event.Str("error", *record.ErrorMessage)
		}
	}
	event.Str("outcome", string(outcome)).
		Int("status_code", res.StatusCode).
		Int64("duration_ms", record.DurationMs).
		Msg("delivery attempt finished")

	return outcome, nil
}

func (w *Worker) advance(ctx context.Context, d queue.Delivery, policy retry.Policy, outcome Outcome, logger zerolog.Logger) error {
	switch outcome {
	case OutcomeDelivered:
		ok, err := w.webhooks.UpdateStatus(ctx, d.WebhookID, models.StatusDelivered)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if ok {
			metrics.WebhooksFinished.WithLabelValues(string(models.StatusDelivered)).Inc()
		}
		return nil

	case OutcomeFailed:
		return w.fail(ctx, d.WebhookID)
	}

	if !retry.ShouldRetry(d.Attempt, policy) {
		logger.Warn().Int("max_attempts", policy.MaxAttempts).Msg("retries exhausted")
		return w.fail(ctx, d.WebhookID)
	}

	// Duplicate or redelivered tasks lose the claim and enqueue nothing.
	next := d.Attempt + 1
	claimed, err := w.webhooks.ScheduleAttempt(ctx, d.WebhookID, next)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if !claimed {
		logger.Info().Int("next_attempt", next).Msg("retry already scheduled")
		return nil
	}

	delay := retry.Delay(next, policy, w.rnd)
	if err := w.queue.Enqueue(ctx, queue.Task{WebhookID: d.WebhookID, Attempt: next}, delay); err != nil {
		if uerr := w.webhooks.UnscheduleAttempt(context.WithoutCancel(ctx), d.WebhookID, next); uerr != nil {
			logger.Warn().Err(uerr).Msg("failed to release retry claim")
		}
		return fmt.Errorf("enqueue retry: %w", err)
	}
	logger.Debug().Int("next_attempt", next).Dur("delay", delay).Msg("retry scheduled")
	return nil
}

func (w *Worker) fail(ctx context.Context, webhookID string) error {
	ok, err := w.webhooks.MarkFailed(ctx, webhookID, w.now())
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if ok {
		metrics.WebhooksFinished.WithLabelValues(string(models.StatusFailed)).Inc()
	}
	return nil
}

type Consumer interface {
	Consume(ctx context.Context, handler queue.Handler) error
}

// Run starts concurrency consumers feeding handler and blocks until ctx is
// cancelled or one of them fails.
func Run(ctx context.Context, c Consumer, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			err := c.Consume(gctx, handler)
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
