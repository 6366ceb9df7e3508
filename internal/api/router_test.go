package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/api/handlers"
	"hookrelay/internal/api/middleware"
	"hookrelay/internal/engine/ingress"
	apperrors "hookrelay/internal/pkg/errors"
	"hookrelay/internal/platform/auth"
	"hookrelay/internal/platform/config"
	"hookrelay/internal/platform/database/dbtest"
	"hookrelay/internal/platform/models"
	"hookrelay/internal/platform/queue"
	"hookrelay/internal/platform/repositories"
)

type apiFixture struct {
	handler     http.Handler
	tokens      *auth.TokenService
	integration *models.Integration
	attempts    *repositories.AttemptRepository
	orgs        *repositories.OrganizationRepository
	queue       *queue.Memory
}

func newAPIFixture(t *testing.T, ready handlers.Pinger) *apiFixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	orgs := repositories.NewOrganizationRepository(db)
	_, err := orgs.EnsureExists(ctx, "org_1")
	require.NoError(t, err)

	integrations := repositories.NewIntegrationRepository(db)
	key := "$.id"
	in := &models.Integration{
		OrganizationID:     "org_1",
		Name:               "billing",
		TargetURL:          "https://example.com/hook",
		IdempotencyKeyPath: &key,
		IsActive:           true,
	}
	require.NoError(t, integrations.Create(ctx, in))

	webhooks := repositories.NewWebhookRepository(db)
	attempts := repositories.NewAttemptRepository(db)
	q := queue.NewMemory(time.Second)
	t.Cleanup(func() { q.Close() })

	receiver := ingress.NewReceiver(integrations, webhooks, q, nil, ingress.Options{
		OffloadThreshold: 100 * 1024,
		MaxPayloadSize:   1024,
	})
	tokens := auth.NewTokenService(config.JWTConfig{Secret: "test-secret", Issuer: "hookrelay"})

	router := NewRouter(&Dependencies{
		IngressHandler: handlers.NewIngressHandler(receiver, 1024),
		HistoryHandler: handlers.NewHistoryHandler(webhooks, attempts),
		OrgHandler:     handlers.NewOrgHandler(),
		HealthHandler:  handlers.NewHealthHandler(map[string]handlers.Pinger{"database": handlers.PingFunc(db.PingContext), "queue": ready}),
		AuthMiddleware: middleware.NewAuthMiddleware(tokens),
		OrgMiddleware:  middleware.NewOrgMiddleware(orgs),
	})

	return &apiFixture{
		handler:     middleware.Stack(router, false),
		tokens:      tokens,
		integration: in,
		attempts:    attempts,
		orgs:        orgs,
		queue:       q,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body, contentType, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *apiFixture) token(t *testing.T, orgID string) string {
	t.Helper()
	tok, err := f.tokens.GenerateToken("ops", orgID, time.Hour)
	require.NoError(t, err)
	return tok
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func TestIngress_AcceptAndDuplicate(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))
	path := "/v1/webhooks/in/" + f.integration.ID

	rr := f.do(t, http.MethodPost, path, `{"id":"evt_1"}`, "application/json", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	first := decode(t, rr)
	assert.Equal(t, "accepted", first["status"])
	assert.NotEmpty(t, first["id"])
	assert.NotContains(t, first, "duplicate")

	rr = f.do(t, http.MethodPost, path, `{"id":"evt_1"}`, "application/json", "")
	require.Equal(t, http.StatusOK, rr.Code)
	second := decode(t, rr)
	assert.Equal(t, first["id"], second["id"])
	assert.Equal(t, "pending", second["status"])
	assert.Equal(t, true, second["duplicate"])

	assert.Equal(t, 1, f.queue.Len())
}

func TestIngress_Errors(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown integration", "/v1/webhooks/in/int_missing", `{}`, http.StatusNotFound, apperrors.ErrCodeIntegrationNotFound},
		{"invalid json", "/v1/webhooks/in/" + f.integration.ID, `{"id":`, http.StatusBadRequest, apperrors.ErrCodeInvalidRequest},
		{"too large", "/v1/webhooks/in/" + f.integration.ID, `{"pad":"` + strings.Repeat("x", 2048) + `"}`, http.StatusRequestEntityTooLarge, apperrors.ErrCodePayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, tt.path, tt.body, "application/json", "")
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantCode, decode(t, rr)["code"])
		})
	}

	assert.Equal(t, 0, f.queue.Len())
}

func TestHistory_RequiresToken(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))

	rr := f.do(t, http.MethodGet, "/v1/webhooks/anything", "", "", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/v1/webhooks/anything", "", "", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, decode(t, rr)["code"])
}

func TestHistory_ScopedToOrganization(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))

	rr := f.do(t, http.MethodPost, "/v1/webhooks/in/"+f.integration.ID, `{"id":"evt_7","amount":3}`, "application/json", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	id := decode(t, rr)["id"].(string)

	code := 502
	now := time.Now().UTC()
	require.NoError(t, f.attempts.Create(context.Background(), &models.DeliveryAttempt{
		WebhookID:     id,
		AttemptNumber: 1,
		StartedAt:     now,
		CompletedAt:   now,
		StatusCode:    &code,
	}))

	rr = f.do(t, http.MethodGet, "/v1/webhooks/"+id, "", "", f.token(t, "org_1"))
	require.Equal(t, http.StatusOK, rr.Code)
	view := decode(t, rr)
	assert.Equal(t, id, view["id"])
	assert.Equal(t, "pending", view["status"])
	assert.Equal(t, `{"id":"evt_7","amount":3}`, view["payload"])
	assert.Equal(t, "text", view["payload_encoding"])
	assert.Equal(t, "application/json", view["headers"].(map[string]interface{})["content-type"])

	rr = f.do(t, http.MethodGet, "/v1/webhooks/"+id+"/attempts", "", "", f.token(t, "org_1"))
	require.Equal(t, http.StatusOK, rr.Code)
	attempts := decode(t, rr)["attempts"].([]interface{})
	require.Len(t, attempts, 1)
	assert.EqualValues(t, 502, attempts[0].(map[string]interface{})["status_code"])

	// another organization cannot see it
	rr = f.do(t, http.MethodGet, "/v1/webhooks/"+id, "", "", f.token(t, "org_2"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/webhooks/"+id+"/attempts", "", "", f.token(t, "org_2"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistory_ListWebhooksPages(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))

	var ids []string
	for _, evt := range []string{"evt_a", "evt_b", "evt_c"} {
		rr := f.do(t, http.MethodPost, "/v1/webhooks/in/"+f.integration.ID, `{"id":"`+evt+`"}`, "application/json", "")
		require.Equal(t, http.StatusAccepted, rr.Code)
		ids = append(ids, decode(t, rr)["id"].(string))
	}
	token := f.token(t, "org_1")

	rr := f.do(t, http.MethodGet, "/v1/webhooks?limit=2", "", "", token)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode(t, rr)
	list := page["webhooks"].([]interface{})
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].(map[string]interface{})["id"])
	assert.Equal(t, ids[1], list[1].(map[string]interface{})["id"])
	assert.Equal(t, ids[1], page["next_cursor"])

	rr = f.do(t, http.MethodGet, "/v1/webhooks?limit=2&cursor="+ids[1], "", "", token)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode(t, rr)
	list = page["webhooks"].([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, ids[0], list[0].(map[string]interface{})["id"])
	assert.Nil(t, page["next_cursor"])

	rr = f.do(t, http.MethodGet, "/v1/webhooks?status=delivered", "", "", token)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["webhooks"])

	rr = f.do(t, http.MethodGet, "/v1/webhooks", "", "", f.token(t, "org_2"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode(t, rr)["webhooks"])

	rr = f.do(t, http.MethodGet, "/v1/webhooks?status=lost", "", "", token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = f.do(t, http.MethodGet, "/v1/webhooks?limit=500", "", "", token)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOrganization_ProvisionedOnFirstAccess(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return nil }))

	rr := f.do(t, http.MethodGet, "/v1/organization", "", "", f.token(t, "org_new"))
	require.Equal(t, http.StatusOK, rr.Code)
	org := decode(t, rr)
	assert.Equal(t, "org_new", org["id"])
	assert.Equal(t, models.DefaultOrganizationName, org["name"])
	assert.Equal(t, models.DefaultPlan, org["plan"])

	stored, err := f.orgs.GetByID(context.Background(), "org_new")
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, handlers.PingFunc(func(context.Context) error { return errors.New("broker down") }))

	rr := f.do(t, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode(t, rr)["status"])

	rr = f.do(t, http.MethodGet, "/health/ready", "", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	checks := decode(t, rr)["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "unhealthy: broker down", checks["queue"])

	rr = f.do(t, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")

	rr = f.do(t, http.MethodGet, "/nope", "", "", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, apperrors.ErrCodeNotFound, decode(t, rr)["code"])
}
