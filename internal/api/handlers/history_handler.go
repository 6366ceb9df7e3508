package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/engine/payload"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/repositories"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type WebhookReader interface {
	GetForOrganization(ctx context.Context, id, orgID string) (*models.Webhook, error)
	ListForOrganization(ctx context.Context, orgID string, f repositories.WebhookFilter) ([]*models.Webhook, error)
}

type AttemptLister interface {
	ListByWebhook(ctx context.Context, webhookID string) ([]*models.DeliveryAttempt, error)
}

// HistoryHandler serves read-only delivery history scoped to the caller's
// organization.
type HistoryHandler struct {
	webhooks WebhookReader
	attempts AttemptLister
}

func NewHistoryHandler(webhooks WebhookReader, attempts AttemptLister) *HistoryHandler {
	return &HistoryHandler{webhooks: webhooks, attempts: attempts}
}

type webhookView struct {
	ID              string               `json:"id"`
	IntegrationID   string               `json:"integration_id"`
	IdempotencyKey  *string              `json:"idempotency_key,omitempty"`
	OrderingKey     *string              `json:"ordering_key,omitempty"`
	SourceIP        *string              `json:"source_ip,omitempty"`
	Headers         map[string]string    `json:"headers"`
	Payload         *string              `json:"payload,omitempty"`
	PayloadEncoding string               `json:"payload_encoding"`
	PayloadLocation *string              `json:"payload_location,omitempty"`
	PayloadHash     string               `json:"payload_hash"`
	ReceivedAt      time.Time            `json:"received_at"`
	Status          models.WebhookStatus `json:"status"`
	FailedAt        *time.Time           `json:"failed_at,omitempty"`
}

func newWebhookView(w *models.Webhook) webhookView {
	v := webhookView{
		ID:              w.ID,
		IntegrationID:   w.IntegrationID,
		IdempotencyKey:  w.IdempotencyKey,
		OrderingKey:     w.OrderingKey,
		SourceIP:        w.SourceIP,
		Headers:         payload.DecodeHeaders(w.Headers),
		PayloadEncoding: w.PayloadEncoding,
		PayloadLocation: w.PayloadLocation,
		PayloadHash:     w.PayloadHash,
		ReceivedAt:      w.ReceivedAt,
		Status:          w.Status,
		FailedAt:        w.FailedAt,
	}
	if w.PayloadLocation == nil {
		body := w.Payload
		v.Payload = &body
	}
	return v
}

func (h *HistoryHandler) load(w http.ResponseWriter, r *http.Request) *models.Webhook {
	org, ok := middleware.OrganizationFrom(r.Context())
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No organization in context", nil)
		return nil
	}
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	id := params.ByName("webhook_id")

	webhook, err := h.webhooks.GetForOrganization(r.Context(), id, org.ID)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", id).Msg("failed to load webhook")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load webhook", nil)
		return nil
	}
	if webhook == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
		return nil
	}
	return webhook
}

func (h *HistoryHandler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	webhook := h.load(w, r)
	if webhook == nil {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newWebhookView(webhook))
}

func (h *HistoryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	webhook := h.load(w, r)
	if webhook == nil {
		return
	}

	attempts, err := h.attempts.ListByWebhook(r.Context(), webhook.ID)
	if err != nil {
		log.Error().Err(err).Str("webhook_id", webhook.ID).Msg("failed to list attempts")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list attempts", nil)
		return
	}
	if attempts == nil {
		attempts = []*models.DeliveryAttempt{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"webhook_id": webhook.ID,
		"status":     webhook.Status,
		"attempts":   attempts,
	})
}

// ListWebhooks pages through the organization's webhooks newest first.
// next_cursor is set when a further page may exist.
func (h *HistoryHandler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	org, ok := middleware.OrganizationFrom(r.Context())
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No organization in context", nil)
		return
	}

	q := r.URL.Query()
	filter := repositories.WebhookFilter{
		IntegrationID: q.Get("integration_id"),
		Status:        models.WebhookStatus(q.Get("status")),
		Before:        q.Get("cursor"),
		Limit:         defaultListLimit,
	}
	switch filter.Status {
	case "", models.StatusPending, models.StatusDelivered, models.StatusFailed, models.StatusReplayed:
	default:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidRequest, "Unknown status filter",
			map[string]string{"status": string(filter.Status)})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidRequest, "limit must be between 1 and 200", nil)
			return
		}
		filter.Limit = n
	}

	list, err := h.webhooks.ListForOrganization(r.Context(), org.ID, filter)
	if err != nil {
		log.Error().Err(err).Str("organization_id", org.ID).Msg("failed to list webhooks")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list webhooks", nil)
		return
	}

	views := make([]webhookView, 0, len(list))
	for _, wh := range list {
		views = append(views, newWebhookView(wh))
	}
	var next *string
	if len(list) == filter.Limit {
		last := list[len(list)-1].ID
		next = &last
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"webhooks":    views,
		"next_cursor": next,
	})
}
