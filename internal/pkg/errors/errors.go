package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

const (
	ErrCodeIntegrationNotFound = "integration_not_found"
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodePayloadTooLarge     = "payload_too_large"
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeNotFound            = "not_found"
	ErrCodeInternal            = "internal_error"
)

var (
	ErrIntegrationNotFound = stderrors.New("integration not found")
	ErrInvalidRequest      = stderrors.New("invalid request")
	ErrPayloadTooLarge     = stderrors.New("payload too large")
	ErrNotFound            = stderrors.New("not found")
)

// ValidationError carries per-field diagnostics for an invalid_request
// response. It matches ErrInvalidRequest under errors.Is.
type ValidationError struct {
	Message string
	Details interface{}
}

func NewValidationError(message string, details interface{}) *ValidationError {
	return &ValidationError{Message: message, Details: details}
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func WriteError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
		Details: details,
	})
}

// WriteFromError maps a pipeline error onto the HTTP error envelope.
func WriteFromError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case stderrors.As(err, &verr):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, verr.Message, verr.Details)
	case stderrors.Is(err, ErrIntegrationNotFound):
		WriteError(w, http.StatusNotFound, ErrCodeIntegrationNotFound, "Integration not found or inactive", nil)
	case stderrors.Is(err, ErrPayloadTooLarge):
		WriteError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Payload exceeds maximum size", nil)
	case stderrors.Is(err, ErrInvalidRequest):
		WriteError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error(), nil)
	case stderrors.Is(err, ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "Resource not found", nil)
	default:
		WriteError(w, http.StatusInternalServerError, ErrCodeInternal, "Internal server error", nil)
	}
}
