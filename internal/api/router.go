package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apiContext "hookrelay/internal/api/context"
	"hookrelay/internal/api/handlers"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/pkg/errors"
)

type Dependencies struct {
	IngressHandler *handlers.IngressHandler
	HistoryHandler *handlers.HistoryHandler
	OrgHandler     *handlers.OrgHandler
	HealthHandler  *handlers.HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
	OrgMiddleware  *middleware.OrgMiddleware
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	// Operational endpoints
	router.GET("/health", wrap(deps.HealthHandler.Live))
	router.GET("/health/ready", wrap(deps.HealthHandler.Ready))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Public ingress
	router.POST("/v1/webhooks/in/:integration_id", wrap(deps.IngressHandler.Receive))

	authMid := deps.AuthMiddleware
	orgMid := deps.OrgMiddleware

	// Delivery history
	router.GET("/v1/organization",
		chain(deps.OrgHandler.GetCurrent, authMid.Handle, orgMid.Handle))
	router.GET("/v1/webhooks",
		chain(deps.HistoryHandler.ListWebhooks, authMid.Handle, orgMid.Handle))
	router.GET("/v1/webhooks/:webhook_id",
		chain(deps.HistoryHandler.GetWebhook, authMid.Handle, orgMid.Handle))
	router.GET("/v1/webhooks/:webhook_id/attempts",
		chain(deps.HistoryHandler.ListAttempts, authMid.Handle, orgMid.Handle))

	return router
}

// chain applies middlewares so the first one listed runs first.
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// wrap exposes route params to plain handlers through the request context.
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
