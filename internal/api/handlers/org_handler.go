package handlers

import (
	"encoding/json"
	"net/http"

	"hookrelay/internal/api/middleware"
	"hookrelay/internal/pkg/errors"
)

type OrgHandler struct{}

func NewOrgHandler() *OrgHandler {
	return &OrgHandler{}
}

// GetCurrent returns the caller's organization.
func (h *OrgHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	org, ok := middleware.OrganizationFrom(r.Context())
	if !ok {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No organization in context", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(org)
}
