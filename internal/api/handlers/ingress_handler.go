package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/engine/ingress"
	"hookrelay/internal/pkg/errors"
)

type Receiver interface {
	Receive(ctx context.Context, req ingress.Request) (*ingress.Result, error)
}

type IngressHandler struct {
	receiver Receiver
	maxBody  int64
}

func NewIngressHandler(receiver Receiver, maxBody int) *IngressHandler {
	return &IngressHandler{receiver: receiver, maxBody: int64(maxBody)}
}

// Receive accepts an inbound webhook for the integration named in the path.
func (h *IngressHandler) Receive(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	integrationID := params.ByName("integration_id")

	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			errors.WriteFromError(w, errors.ErrPayloadTooLarge)
			return
		}
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidRequest, "Failed to read request body", nil)
		return
	}

	res, err := h.receiver.Receive(r.Context(), ingress.Request{
		IntegrationID: integrationID,
		Headers:       r.Header,
		Body:          body,
		ContentType:   r.Header.Get("Content-Type"),
		SourceIP:      clientIP(r),
	})
	if err != nil {
		if !isClientError(err) {
			log.Error().Err(err).Str("integration_id", integrationID).Msg("failed to accept webhook")
		}
		errors.WriteFromError(w, err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(res)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isClientError(err error) bool {
	return stderrors.Is(err, errors.ErrIntegrationNotFound) ||
		stderrors.Is(err, errors.ErrInvalidRequest) ||
		stderrors.Is(err, errors.ErrPayloadTooLarge)
}
