package routes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	paymentwebhook "github.com/angelmondragon/fulfillment-core/internal/webhooks/payment"
	pkgAuth "github.com/angelmondragon/fulfillment-core/pkg/auth"
	"github.com/angelmondragon/fulfillment-core/pkg/config"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/pagination"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type memoryStore struct{ data map[string]string }

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string { return scope + ":" + id }

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type stubOrders struct {
	orders.Service
	listed int
}

func (s *stubOrders) List(context.Context, uuid.UUID, pagination.Params) (*orders.OrderList, error) {
	s.listed++
	return &orders.OrderList{Orders: []models.Order{}}, nil
}

func (s *stubOrders) ListReconciliation(context.Context, pagination.Params) (*orders.OrderList, error) {
	return &orders.OrderList{}, nil
}

type disabledVerifier struct{}

func (disabledVerifier) WebhookEnabled() bool { return false }

func (disabledVerifier) VerifyWebhook([]byte, string) error { return nil }

type countingPaymentService struct{ calls int }

func (c *countingPaymentService) HandleEvent(context.Context, *paymentwebhook.Event) error {
	c.calls++
	return nil
}

type nopGuard struct{}

func (nopGuard) CheckAndMark(context.Context, string, string) (bool, error) { return false, nil }

func (nopGuard) Release(context.Context, string, string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		App:   config.AppConfig{Env: "dev", Port: "0", CORSOrigins: []string{"https://shop.example"}},
		JWT:   config.JWTConfig{Secret: "router-secret", Issuer: "identity"},
		Redis: config.RedisConfig{IdempotencyTTL: time.Hour},
	}
}

func newTestRouter(t *testing.T, ordersSvc orders.Service) (http.Handler, *config.Config) {
	t.Helper()
	return newTestRouterWithPayments(t, ordersSvc, &countingPaymentService{})
}

func newTestRouterWithPayments(t *testing.T, ordersSvc orders.Service, payments *countingPaymentService) (http.Handler, *config.Config) {
	t.Helper()
	cfg := testConfig()
	router := NewRouter(RouterParams{
		Config:          cfg,
		Logger:          logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard}),
		DB:              pinger{},
		Redis:           pinger{},
		Idempo:          &memoryStore{data: map[string]string{}},
		Gatherer:        prometheus.NewRegistry(),
		Orders:          ordersSvc,
		PaymentWebhook:  payments,
		PaymentVerifier: disabledVerifier{},
		WebhookGuard:    nopGuard{},
	})
	return router, cfg
}

func bearer(t *testing.T, cfg *config.Config, role enums.Role) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), time.Hour, pkgAuth.AccessTokenPayload{UserID: uuid.New(), Role: role})
	require.NoError(t, err)
	return "Bearer " + token
}

func do(router http.Handler, method, path, auth string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	router, _ := newTestRouter(t, &stubOrders{})

	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/health/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/metrics", "", nil).Code)
}

func TestCustomerRoutesRequireToken(t *testing.T) {
	ordersSvc := &stubOrders{}
	router, cfg := newTestRouter(t, ordersSvc)

	assert.Equal(t, http.StatusUnauthorized, do(router, http.MethodGet, "/api/v1/orders", "", nil).Code)
	assert.Zero(t, ordersSvc.listed)

	rec := do(router, http.MethodGet, "/api/v1/orders", bearer(t, cfg, enums.RoleCustomer), nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ordersSvc.listed)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	router, cfg := newTestRouter(t, &stubOrders{})

	rec := do(router, http.MethodGet, "/api/v1/admin/reconciliation", bearer(t, cfg, enums.RoleCustomer), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(router, http.MethodGet, "/api/v1/admin/reconciliation", bearer(t, cfg, enums.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPaymentWebhookIsUnauthenticatedButFailsClosed(t *testing.T) {
	payments := &countingPaymentService{}
	router, _ := newTestRouterWithPayments(t, &stubOrders{}, payments)

	rec := do(router, http.MethodPost, "/api/v1/webhooks/payment", "", []byte(`{"event":"payment.captured"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, payments.calls)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, &stubOrders{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/orders", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
