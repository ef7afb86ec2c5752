package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/fulfillment-core/api/middleware"
	"github.com/angelmondragon/fulfillment-core/internal/cancellation"
	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/internal/checkout"
	"github.com/angelmondragon/fulfillment-core/internal/fulfillment"
	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/pagination"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "controllers-test", Output: io.Discard})
}

// asUser stands in for the auth middleware.
func asUser(userID uuid.UUID, role enums.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithUserID(r.Context(), userID.String())
			ctx = middleware.WithRole(ctx, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dest))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.APIError {
	t.Helper()
	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error
}

const addressJSON = `{"fullName":"Asha Verma","phone":"+91 98765 43210","line1":"12 MG Road","city":"Bengaluru","state":"Karnataka","pincode":"560001"}`

type stubCheckout struct {
	checkout.Service
	userID   uuid.UUID
	place    checkout.PlaceInput
	verify   checkout.VerifyInput
	result   *checkout.Result
	intent   *checkout.IntentResult
	err      error
	lastCall string
}

func (s *stubCheckout) PlaceCOD(_ context.Context, userID uuid.UUID, input checkout.PlaceInput) (*checkout.Result, error) {
	s.lastCall, s.userID, s.place = "cod", userID, input
	return s.result, s.err
}

func (s *stubCheckout) CreateIntent(_ context.Context, userID uuid.UUID, input checkout.PlaceInput) (*checkout.IntentResult, error) {
	s.lastCall, s.userID, s.place = "intent", userID, input
	return s.intent, s.err
}

func (s *stubCheckout) CreateTokenIntent(_ context.Context, userID uuid.UUID, input checkout.PlaceInput) (*checkout.IntentResult, error) {
	s.lastCall, s.userID, s.place = "token_intent", userID, input
	return s.intent, s.err
}

func (s *stubCheckout) VerifyPayment(_ context.Context, userID uuid.UUID, input checkout.VerifyInput) (*checkout.Result, error) {
	s.lastCall, s.userID, s.verify = "verify", userID, input
	return s.result, s.err
}

func (s *stubCheckout) VerifyTokenPayment(_ context.Context, userID uuid.UUID, input checkout.VerifyInput) (*checkout.Result, error) {
	s.lastCall, s.userID, s.verify = "verify_token", userID, input
	return s.result, s.err
}

func checkoutRouter(svc checkout.Service, userID uuid.UUID) http.Handler {
	logg := testLogger()
	r := chi.NewRouter()
	r.Use(asUser(userID, enums.RoleCustomer))
	r.Post("/payment/create-order", CreatePaymentOrder(svc, logg))
	r.Post("/payment/verify-payment", VerifyPayment(svc, logg))
	r.Post("/cod/create-order", PlaceCODOrder(svc, logg))
	r.Post("/cod/create-token-order", CreateTokenOrder(svc, logg))
	r.Post("/cod/verify-token-payment", VerifyTokenPayment(svc, logg))
	return r
}

func sampleOrder(userID uuid.UUID) *models.Order {
	return &models.Order{
		ID:                   uuid.New(),
		OrderNumber:          "ORD-1",
		UserID:               userID,
		Status:               enums.OrderStatusConfirmed,
		PaymentMethod:        enums.PaymentMethodCOD,
		PaymentStatus:        enums.PaymentStatusPending,
		TotalMinor:           150000,
		SubtotalMinor:        150000,
		Currency:             "INR",
		NeedsReconciliation:  true,
		OperatorNotes:        types.OperatorNotes{{Message: "internal", CreatedAt: time.Now()}},
		CancellationDeadline: time.Now().Add(24 * time.Hour),
	}
}

func TestPlaceCODOrder(t *testing.T) {
	userID := uuid.New()
	svc := &stubCheckout{result: &checkout.Result{Order: sampleOrder(userID)}}

	rec := serve(checkoutRouter(svc, userID), http.MethodPost, "/cod/create-order",
		`{"shippingAddress":`+addressJSON+`,"couponCode":"  WELCOME10 "}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, userID, svc.userID)
	assert.Equal(t, "WELCOME10", svc.place.CouponCode)
	assert.Equal(t, "560001", svc.place.Address.Pincode)

	var out struct {
		Order map[string]any `json:"order"`
	}
	decodeData(t, rec, &out)
	assert.Equal(t, "ORD-1", out.Order["orderNumber"])
	assert.EqualValues(t, 150000, out.Order["total"])
	assert.NotContains(t, out.Order, "operatorNotes")
	assert.NotContains(t, out.Order, "needsReconciliation")
}

func TestPlaceCODOrderValidation(t *testing.T) {
	svc := &stubCheckout{}
	rec := serve(checkoutRouter(svc, uuid.New()), http.MethodPost, "/cod/create-order",
		`{"shippingAddress":{"fullName":"A"}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.lastCall)
	assert.Equal(t, string(pkgerrors.CodeValidation), decodeError(t, rec).Code)
}

func TestPlaceCODOrderIneligibleReasonIsReturned(t *testing.T) {
	svc := &stubCheckout{err: pkgerrors.New(pkgerrors.CodeIneligible, "cash on delivery is limited to the first order").
		WithDetails(map[string]any{"reason": "cod_first_order_only"})}
	rec := serve(checkoutRouter(svc, uuid.New()), http.MethodPost, "/cod/create-order", `{"shippingAddress":`+addressJSON+`}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, "cash on delivery is limited to the first order", apiErr.Message)
	assert.Equal(t, map[string]any{"reason": "cod_first_order_only"}, apiErr.Details)
}

func TestCreateIntentEndpoints(t *testing.T) {
	userID := uuid.New()
	svc := &stubCheckout{intent: &checkout.IntentResult{IntentID: "int_1", KeyID: "key", AmountMinor: 9000, Currency: "INR", TotalMinor: 9000, SubtotalMinor: 10000, DiscountMinor: 1000}}
	router := checkoutRouter(svc, userID)

	rec := serve(router, http.MethodPost, "/payment/create-order", `{"shippingAddress":`+addressJSON+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "intent", svc.lastCall)
	var out map[string]any
	decodeData(t, rec, &out)
	assert.Equal(t, "int_1", out["intentId"])
	assert.EqualValues(t, 9000, out["amount"])
	assert.EqualValues(t, 1000, out["discount"])

	rec = serve(router, http.MethodPost, "/cod/create-token-order", `{"shippingAddress":`+addressJSON+`}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "token_intent", svc.lastCall)
}

func TestVerifyPaymentStatusCodes(t *testing.T) {
	userID := uuid.New()
	svc := &stubCheckout{result: &checkout.Result{Order: sampleOrder(userID)}}
	router := checkoutRouter(svc, userID)
	body := `{"intentId":"int_1","paymentId":"pay_1","signature":"abc"}`

	rec := serve(router, http.MethodPost, "/payment/verify-payment", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, checkout.VerifyInput{IntentID: "int_1", PaymentID: "pay_1", Signature: "abc"}, svc.verify)

	svc.result = &checkout.Result{Order: sampleOrder(userID), Existing: true}
	rec = serve(router, http.MethodPost, "/payment/verify-payment", body)
	require.Equal(t, http.StatusOK, rec.Code)

	svc.result = &checkout.Result{Order: sampleOrder(userID), Degraded: true, Message: "payment received; order under review"}
	rec = serve(router, http.MethodPost, "/cod/verify-token-payment", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "verify_token", svc.lastCall)
	var out OrderResult
	decodeData(t, rec, &out)
	assert.True(t, out.Degraded)
	assert.Equal(t, "payment received; order under review", out.Message)

	svc.result = &checkout.Result{Degraded: true, PaymentID: "pay_1", Message: "contact support with reference id pay_1"}
	rec = serve(router, http.MethodPost, "/payment/verify-payment", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var unrecorded OrderResult
	decodeData(t, rec, &unrecorded)
	assert.Nil(t, unrecorded.Order)
	assert.True(t, unrecorded.Degraded)
	assert.Equal(t, "pay_1", unrecorded.PaymentID)

	rec = serve(router, http.MethodPost, "/payment/verify-payment", `{"intentId":"int_1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutRequiresUser(t *testing.T) {
	svc := &stubCheckout{}
	r := chi.NewRouter()
	r.Post("/cod/create-order", PlaceCODOrder(svc, testLogger()))
	rec := serve(r, http.MethodPost, "/cod/create-order", `{"shippingAddress":`+addressJSON+`}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.lastCall)
}

type stubCart struct {
	cart.Service
	cart      *models.Cart
	err       error
	calls     []string
	productID uuid.UUID
	size      string
	added     cart.AddItemInput
}

func (s *stubCart) Get(context.Context, uuid.UUID) (*models.Cart, error) {
	s.calls = append(s.calls, "get")
	return s.cart, s.err
}

func (s *stubCart) AddItem(_ context.Context, _ uuid.UUID, input cart.AddItemInput) (*models.Cart, error) {
	s.calls = append(s.calls, "add")
	s.added = input
	return s.cart, s.err
}

func (s *stubCart) RemoveItem(_ context.Context, _, productID uuid.UUID, size string) (*models.Cart, error) {
	s.calls, s.productID, s.size = append(s.calls, "remove"), productID, size
	return s.cart, s.err
}

func (s *stubCart) SaveForLater(_ context.Context, _, productID uuid.UUID, size string) (*models.Cart, error) {
	s.calls, s.productID, s.size = append(s.calls, "save"), productID, size
	return s.cart, s.err
}

func (s *stubCart) MoveToCart(_ context.Context, _, productID uuid.UUID, size string) (*models.Cart, error) {
	s.calls, s.productID, s.size = append(s.calls, "move"), productID, size
	return s.cart, s.err
}

func TestCartRoutes(t *testing.T) {
	productID := uuid.New()
	svc := &stubCart{cart: &models.Cart{
		Items:      []models.CartLine{{ProductID: productID, Name: "Tee", Size: "M", Quantity: 2, UnitPriceMinor: 50000}},
		ItemCount:  2,
		TotalMinor: 100000,
	}}
	logg := testLogger()
	r := chi.NewRouter()
	r.Use(asUser(uuid.New(), enums.RoleCustomer))
	r.Get("/cart", GetCart(svc, logg))
	r.Post("/cart/items", AddCartItem(svc, logg))
	r.Delete("/cart/items/{productId}/{size}", RemoveCartItem(svc, logg))
	r.Post("/cart/items/{productId}/{size}/save", SaveCartItemForLater(svc, logg))
	r.Post("/cart/saved/{productId}/{size}/move", MoveSavedItemToCart(svc, logg))

	rec := serve(r, http.MethodGet, "/cart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out CartDTO
	decodeData(t, rec, &out)
	assert.Equal(t, 2, out.ItemCount)
	assert.EqualValues(t, 100000, out.Total)
	assert.NotNil(t, out.SavedItems)

	rec = serve(r, http.MethodPost, "/cart/items", `{"productId":"`+productID.String()+`","size":"M","quantity":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cart.AddItemInput{ProductID: productID, Size: "M", Quantity: 1}, svc.added)

	rec = serve(r, http.MethodPost, "/cart/items", `{"productId":"`+productID.String()+`","size":"M","quantity":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodDelete, "/cart/items/"+productID.String()+"/M", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, productID, svc.productID)
	assert.Equal(t, "M", svc.size)

	require.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/cart/items/"+productID.String()+"/M/save", "").Code)
	require.Equal(t, http.StatusOK, serve(r, http.MethodPost, "/cart/saved/"+productID.String()+"/M/move", "").Code)
	assert.Equal(t, []string{"get", "add", "remove", "save", "move"}, svc.calls)

	rec = serve(r, http.MethodDelete, "/cart/items/not-a-uuid/M", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type stubOrders struct {
	orders.Service
	viewer orders.Viewer
	order  *models.Order
	list   *orders.OrderList
	params pagination.Params
	reason string
	err    error
}

func (s *stubOrders) Get(_ context.Context, viewer orders.Viewer, _ uuid.UUID) (*models.Order, error) {
	s.viewer = viewer
	return s.order, s.err
}

func (s *stubOrders) List(_ context.Context, _ uuid.UUID, params pagination.Params) (*orders.OrderList, error) {
	s.params = params
	return s.list, s.err
}

func (s *stubOrders) ListReconciliation(_ context.Context, params pagination.Params) (*orders.OrderList, error) {
	s.params = params
	return s.list, s.err
}

func (s *stubOrders) RequestReturn(_ context.Context, _, _ uuid.UUID, reason string) (*models.Order, error) {
	s.reason = reason
	return s.order, s.err
}

type stubCancellation struct {
	userID uuid.UUID
	reason string
	admin  cancellation.AdminRefundInput
	result *cancellation.Result
	err    error
}

func (s *stubCancellation) Cancel(_ context.Context, userID, _ uuid.UUID, reason string) (*cancellation.Result, error) {
	s.userID, s.reason = userID, reason
	return s.result, s.err
}

func (s *stubCancellation) AdminRefund(_ context.Context, input cancellation.AdminRefundInput) (*cancellation.Result, error) {
	s.admin = input
	return s.result, s.err
}

type stubTracker struct {
	tracking *fulfillment.Tracking
	err      error
}

func (s stubTracker) Tracking(context.Context, orders.Viewer, uuid.UUID) (*fulfillment.Tracking, error) {
	return s.tracking, s.err
}

func TestOrderRoutes(t *testing.T) {
	userID := uuid.New()
	order := sampleOrder(userID)
	ordersSvc := &stubOrders{order: order, list: &orders.OrderList{Orders: []models.Order{*order}, NextCursor: "next"}}
	cancelSvc := &stubCancellation{result: &cancellation.Result{Order: order}}
	tracker := stubTracker{tracking: &fulfillment.Tracking{OrderID: order.ID, Status: enums.OrderStatusProcessing, Shipment: &types.Shipment{AWB: "AWB1"}}}
	logg := testLogger()

	r := chi.NewRouter()
	r.Use(asUser(userID, enums.RoleCustomer))
	r.Get("/orders", ListOrders(ordersSvc, logg))
	r.Get("/orders/{orderId}", GetOrder(ordersSvc, logg))
	r.Get("/orders/{orderId}/tracking", GetOrderTracking(tracker, logg))
	r.Put("/orders/{orderId}/cancel", CancelOrder(cancelSvc, logg))
	r.Put("/orders/{orderId}/return", RequestReturn(ordersSvc, logg))

	rec := serve(r, http.MethodGet, "/orders?limit=10&cursor=abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pagination.Params{Limit: 10, Cursor: "abc"}, ordersSvc.params)
	var page OrderPage
	decodeData(t, rec, &page)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, "next", page.NextCursor)

	rec = serve(r, http.MethodGet, "/orders?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodGet, "/orders/"+order.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orders.Viewer{UserID: userID}, ordersSvc.viewer)

	rec = serve(r, http.MethodGet, "/orders/"+order.ID.String()+"/tracking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tracking map[string]any
	decodeData(t, rec, &tracking)
	assert.Equal(t, "processing", tracking["status"])

	rec = serve(r, http.MethodPut, "/orders/"+order.ID.String()+"/cancel", `{"reason":"changed my mind"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "changed my mind", cancelSvc.reason)
	assert.Equal(t, userID, cancelSvc.userID)

	rec = serve(r, http.MethodPut, "/orders/"+order.ID.String()+"/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPut, "/orders/"+order.ID.String()+"/return", `{"reason":"too small"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "too small", ordersSvc.reason)
}

func TestCancelOrderErrors(t *testing.T) {
	cancelSvc := &stubCancellation{err: pkgerrors.New(pkgerrors.CodeIneligible, "cancellation window has closed").
		WithDetails(map[string]any{"reason": "window_expired"})}
	r := chi.NewRouter()
	r.Use(asUser(uuid.New(), enums.RoleCustomer))
	r.Put("/orders/{orderId}/cancel", CancelOrder(cancelSvc, testLogger()))

	rec := serve(r, http.MethodPut, "/orders/"+uuid.NewString()+"/cancel", `{"reason":"late"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "cancellation window has closed", decodeError(t, rec).Message)

	cancelSvc.err = pkgerrors.New(pkgerrors.CodeConflict, "refund already issued")
	rec = serve(r, http.MethodPut, "/orders/"+uuid.NewString()+"/cancel", `{"reason":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubRetrier struct {
	order *models.Order
	err   error
}

func (s stubRetrier) RetryShipment(context.Context, uuid.UUID) (*models.Order, error) {
	return s.order, s.err
}

func TestAdminRoutes(t *testing.T) {
	adminID := uuid.New()
	order := sampleOrder(uuid.New())
	refund := &types.Refund{RefundID: "rfnd_1", AmountMinor: 5000, Status: enums.RefundStatusProcessed}
	cancelSvc := &stubCancellation{result: &cancellation.Result{Order: order, Refund: refund}}
	ordersSvc := &stubOrders{list: &orders.OrderList{Orders: []models.Order{*order}}}
	logg := testLogger()

	r := chi.NewRouter()
	r.Use(asUser(adminID, enums.RoleAdmin))
	r.Post("/admin/orders/{orderId}/refund", AdminRefund(cancelSvc, logg))
	r.Get("/admin/reconciliation", ListReconciliation(ordersSvc, logg))
	r.Post("/admin/orders/{orderId}/retry-shipment", RetryShipment(stubRetrier{order: order}, logg))

	rec := serve(r, http.MethodPost, "/admin/orders/"+order.ID.String()+"/refund", `{"reason":"damaged","amount":5000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, adminID, cancelSvc.admin.AdminID)
	assert.Equal(t, order.ID, cancelSvc.admin.OrderID)
	require.NotNil(t, cancelSvc.admin.AmountMinor)
	assert.EqualValues(t, 5000, *cancelSvc.admin.AmountMinor)
	var out OrderResult
	decodeData(t, rec, &out)
	require.NotNil(t, out.Refund)
	assert.Equal(t, "rfnd_1", out.Refund.RefundID)

	rec = serve(r, http.MethodPost, "/admin/orders/"+order.ID.String()+"/refund", `{"reason":"full"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, cancelSvc.admin.AmountMinor)

	rec = serve(r, http.MethodPost, "/admin/orders/"+order.ID.String()+"/refund", `{"reason":"neg","amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodGet, "/admin/reconciliation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Orders []map[string]any `json:"orders"`
	}
	decodeData(t, rec, &page)
	require.Len(t, page.Orders, 1)
	assert.Equal(t, true, page.Orders[0]["needsReconciliation"])
	assert.Contains(t, page.Orders[0], "operatorNotes")

	rec = serve(r, http.MethodPost, "/admin/orders/"+order.ID.String()+"/retry-shipment", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHealthReady(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return assert.AnError })

	rec := httptest.NewRecorder()
	HealthReady(testLogger(), map[string]Pinger{"db": ok, "redis": ok}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	HealthReady(testLogger(), map[string]Pinger{"db": ok, "redis": down}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
