package ingress

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"hookrelay/internal/engine/payload"
	apperrors "hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/blob"
	"hookrelay/internal/platform/metrics"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/queue"
)

type WebhookStore interface {
	InsertOrGetExisting(ctx context.Context, w *models.Webhook) (*models.Webhook, bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task, delay time.Duration) error
}

type Options struct {
	OffloadThreshold int
	MaxPayloadSize   int
}

type Request struct {
	IntegrationID string
	Headers       http.Header
	Body          []byte
	ContentType   string
	SourceIP      string
}

type Result struct {
	ID        string               `json:"id"`
	Status    models.WebhookStatus `json:"status"`
	Duplicate bool                 `json:"duplicate,omitempty"`
}

const StatusAccepted models.WebhookStatus = "accepted"

type Receiver struct {
	integrations IntegrationStore
	webhooks     WebhookStore
	queue        Enqueuer
	blobs        blob.Store
	opts         Options
	newID        func() string
	now          func() time.Time
}

func NewReceiver(integrations IntegrationStore, webhooks WebhookStore, q Enqueuer, blobs blob.Store, opts Options) *Receiver {
	return &Receiver{
		integrations: integrations,
		webhooks:     webhooks,
		queue:        q,
		blobs:        blobs,
		opts:         opts,
		newID:        func() string { return ulid.Make().String() },
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// envelope is the validated shape of an inbound event.
type envelope struct {
	Headers map[string]string `json:"headers"`
	Payload any               `json:"payload"`
}

func (e envelope) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Headers, validation.By(headerNames)),
		validation.Field(&e.Payload, validation.NotNil),
	)
}

func headerNames(value interface{}) error {
	headers, _ := value.(map[string]string)
	for name := range headers {
		if strings.TrimSpace(name) == "" {
			return errors.New("header names must not be empty")
		}
	}
	return nil
}

func (r *Receiver) Receive(ctx context.Context, req Request) (*Result, error) {
	integration, err := r.integrations.GetByID(ctx, req.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}
	if integration == nil || !integration.IsActive {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrIntegrationNotFound
	}

	if r.opts.MaxPayloadSize > 0 && len(req.Body) > r.opts.MaxPayloadSize {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return nil, apperrors.ErrPayloadTooLarge
	}

	parsed, err := payload.Parse(req.ContentType, req.Body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidationError("Request body is not valid JSON", map[string]string{
			"field":  "body",
			"reason": err.Error(),
		})
	}

	headers := payload.CaptureHeaders(req.Headers)

	env := envelope{Headers: headers, Payload: parsed.Value}
	if !parsed.Structured() {
		env.Payload = parsed.Raw
	}
	if err := env.Validate(); err != nil {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		return nil, apperrors.NewValidationError("Invalid webhook", err)
	}

	canonical, err := parsed.Canonical()
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	encodedHeaders, err := payload.EncodeHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}

	w := &models.Webhook{
		ID:            r.newID(),
		IntegrationID: integration.ID,
		Headers:       encodedHeaders,
		PayloadHash:   payload.Hash(canonical),
		ReceivedAt:    r.now(),
		Status:        models.StatusPending,
	}
	if req.SourceIP != "" {
		ip := req.SourceIP
		w.SourceIP = &ip
	}
	if parsed.Structured() {
		w.IdempotencyKey = extractKey(parsed.Value, integration.IdempotencyKeyPath)
		w.OrderingKey = extractKey(parsed.Value, integration.OrderingKeyPath)
	}

	stored, err := payload.Offload(ctx, r.blobs, w.ID, req.Body, r.opts.OffloadThreshold)
	if err != nil {
		return nil, err
	}
	w.Payload, w.PayloadEncoding, w.PayloadLocation = stored.Payload, stored.Encoding, stored.Location
	if w.PayloadLocation != nil {
		metrics.PayloadsOffloaded.Inc()
	}

	existing, inserted, err := r.webhooks.InsertOrGetExisting(ctx, w)
	if err != nil {
		r.discardBlob(ctx, w)
		return nil, fmt.Errorf("persist webhook: %w", err)
	}

	logger := log.With().Str("integration_id", integration.ID).Logger()

	if !inserted {
		r.discardBlob(ctx, w)
		metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
		logger.Info().
			Str("webhook_id", existing.ID).
			Str("idempotency_key", *w.IdempotencyKey).
			Msg("Duplicate webhook coalesced")
		return &Result{ID: existing.ID, Status: existing.Status, Duplicate: true}, nil
	}

	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	metrics.PayloadBytes.Observe(float64(len(req.Body)))

	if err := r.queue.Enqueue(ctx, queue.Task{WebhookID: w.ID, Attempt: 1}, 0); err != nil {
		// the reconciliation sweep picks this up
		metrics.EnqueueErrors.Inc()
		logger.Error().Err(err).Str("webhook_id", w.ID).Msg("Failed to enqueue first delivery")
	}

	logger.Info().
		Str("webhook_id", w.ID).
		Str("payload_kind", parsed.Kind.String()).
		Int("bytes", len(req.Body)).
		Msg("Webhook accepted")

	return &Result{ID: w.ID, Status: StatusAccepted}, nil
}

func (r *Receiver) discardBlob(ctx context.Context, w *models.Webhook) {
	if w.PayloadLocation == nil || r.blobs == nil {
		return
	}
	if err := r.blobs.Delete(context.WithoutCancel(ctx), *w.PayloadLocation); err != nil {
		log.Warn().Err(err).Str("key", *w.PayloadLocation).Msg("Failed to delete orphaned payload blob")
	}
}

func extractKey(doc any, path *string) *string {
	if path == nil || *path == "" {
		return nil
	}
	v, ok := payload.ExtractByPath(doc, *path)
	if !ok {
		return nil
	}
	return &v
}
