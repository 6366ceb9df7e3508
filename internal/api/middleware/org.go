package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/auth"
	"hookrelay/internal/platform/models"
)

type OrganizationProvisioner interface {
	EnsureExists(ctx context.Context, id string) (*models.Organization, error)
}

// OrgMiddleware resolves the caller's organization, creating it on first
// access by a new identity.
type OrgMiddleware struct {
	orgs OrganizationProvisioner
}

func NewOrgMiddleware(orgs OrganizationProvisioner) *OrgMiddleware {
	return &OrgMiddleware{orgs: orgs}
}

func (m *OrgMiddleware) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(apiContext.Claims).(*auth.Claims)
		if !ok || claims == nil {
			errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "No authentication claims found", nil)
			return
		}

		org, err := m.orgs.EnsureExists(r.Context(), claims.OrganizationID)
		if err != nil {
			log.Error().Err(err).Str("organization_id", claims.OrganizationID).Msg("failed to load organization")
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load organization", nil)
			return
		}

		ctx := context.WithValue(r.Context(), apiContext.Organization, org)
		next(w, r.WithContext(ctx))
	}
}

// OrganizationFrom returns the organization resolved by OrgMiddleware.
func OrganizationFrom(ctx context.Context) (*models.Organization, bool) {
	org, ok := ctx.Value(apiContext.Organization).(*models.Organization)
	return org, ok && org != nil
}
