package shipping

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
	}
}

type memoryTokenCache struct {
	mu          sync.Mutex
	token       string
	ttl         time.Duration
	invalidated int
}

func (m *memoryTokenCache) Get(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.token != "", nil
}

func (m *memoryTokenCache) Set(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.ttl = ttl
	return nil
}

func (m *memoryTokenCache) Invalidate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.invalidated++
	return nil
}

func newTestClient(t *testing.T, cache TokenCache, rt roundTripFunc) *Client {
	t.Helper()
	client, err := NewClient("ops@store.test", "pw", cache,
		WithBaseURL("http://vendor.test/v1/external"),
		WithHTTPClient(&http.Client{Transport: rt}),
		WithFallbackEmail("fallback@store.test"),
		WithTrackingURLBase("https://track.test/"),
	)
	require.NoError(t, err)
	return client
}

func sampleRequest() ShipmentRequest {
	return ShipmentRequest{
		OrderNumber: "ORD-1",
		OrderDate:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Address: types.ShippingAddress{
			FullName: "Asha Verma",
			Phone:    "+91 98765 43210",
			Line1:    "12 MG Road",
			City:     "Bengaluru",
			State:    "KA",
			Pincode:  "560001",
		},
		Items:         types.LineItems{{ProductID: uuid.New(), Name: "Tee", Size: "M", Quantity: 2, UnitPriceMinor: 99900}},
		Prepaid:       true,
		SubtotalMinor: 199800,
	}
}

func TestAuthenticateCachesToken(t *testing.T) {
	cache := &memoryTokenCache{}
	logins := 0
	client := newTestClient(t, cache, func(req *http.Request) (*http.Response, error) {
		logins++
		return jsonResponse(http.StatusOK, `{"token":"tok-1"}`), nil
	})

	token, err := client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, defaultTokenTTL, cache.ttl)

	_, err = client.Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, logins)
}

func TestCreateShipmentNormalizesPayload(t *testing.T) {
	cache := &memoryTokenCache{token: "tok-1"}
	var body map[string]any
	client := newTestClient(t, cache, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/external/orders/create/adhoc", req.URL.Path)
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		raw, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		return jsonResponse(http.StatusOK, `{"order_id":555,"shipment_id":777,"status":"NEW","awb_code":"AWB1","courier_name":"BlueDart"}`), nil
	})

	ref, err := client.CreateShipment(context.Background(), sampleRequest())
	require.NoError(t, err)

	assert.Equal(t, "555", ref.VendorOrderID)
	assert.Equal(t, "777", ref.VendorShipmentID)
	assert.Equal(t, "https://track.test/AWB1", ref.TrackingURL)
	assert.Equal(t, "9876543210", body["billing_phone"])
	assert.Equal(t, "Asha", body["billing_customer_name"])
	assert.Equal(t, "Verma", body["billing_last_name"])
	assert.Equal(t, "fallback@store.test", body["billing_email"])
	assert.Equal(t, "Prepaid", body["payment_method"])
	assert.Equal(t, 1998.0, body["sub_total"])
	assert.Equal(t, EstimatePackage(2).WeightKG, body["weight"])
}

func TestCreateShipmentRejectsBadPincodeWithoutCalling(t *testing.T) {
	client := newTestClient(t, &memoryTokenCache{token: "tok"}, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("vendor must not be called")
		return nil, nil
	})
	req := sampleRequest()
	req.Address.Pincode = "12AB56"

	_, err := client.CreateShipment(context.Background(), req)
	assert.True(t, pkgerrors.Is(err, pkgerrors.CodeValidation))
}

func TestUnauthorizedInvalidatesAndRetriesOnce(t *testing.T) {
	cache := &memoryTokenCache{token: "stale"}
	var calls []string
	client := newTestClient(t, cache, func(req *http.Request) (*http.Response, error) {
		calls = append(calls, req.URL.Path+" "+req.Header.Get("Authorization"))
		switch {
		case strings.HasSuffix(req.URL.Path, "/auth/login"):
			return jsonResponse(http.StatusOK, `{"token":"fresh"}`), nil
		case req.Header.Get("Authorization") == "Bearer stale":
			return jsonResponse(http.StatusUnauthorized, `{"message":"expired"}`), nil
		default:
			return jsonResponse(http.StatusOK, `{}`), nil
		}
	})

	require.NoError(t, client.CancelShipment(context.Background(), "555"))
	assert.Equal(t, 1, cache.invalidated)
	assert.Equal(t, "fresh", cache.token)
	assert.Equal(t, []string{
		"/v1/external/orders/cancel Bearer stale",
		"/v1/external/auth/login ",
		"/v1/external/orders/cancel Bearer fresh",
	}, calls)
}

func TestTrackShipment(t *testing.T) {
	client := newTestClient(t, &memoryTokenCache{token: "tok"}, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1/external/courier/track/shipment/777", req.URL.Path)
		return jsonResponse(http.StatusOK, `{"tracking_data":{"shipment_status":7,"shipment_track":[{"awb_code":"AWB1","courier_name":"BlueDart","current_status":"Delivered","delivered_date":"2026-03-04"}],"shipment_track_activities":[{"date":"2026-03-03","activity":"Out for delivery","location":"BLR"}]}}`), nil
	})

	info, err := client.TrackShipment(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, "Delivered", info.Status)
	assert.Equal(t, "https://track.test/AWB1", info.TrackingURL)
	require.Len(t, info.Events, 1)
	assert.Equal(t, "BLR", info.Events[0].Location)
}
