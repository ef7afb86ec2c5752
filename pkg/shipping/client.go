package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

const (
	defaultBaseURL              = "https://apiv2.shiprocket.in/v1/external"
	defaultTokenTTL             = 20 * time.Hour
	responseBodyReadLimit int64 = 2048
	externalSystem              = "shipping_vendor"
)

var errCredentialsRequired = errors.New("shipping vendor email and password are required")

// errUnauthorized signals a rejected token so the caller can re-authenticate.
var errUnauthorized = errors.New("shipping vendor rejected token")

// TokenCache holds the vendor auth token between requests.
type TokenCache interface {
	Get(ctx context.Context) (string, bool, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// Client wraps the logistics vendor API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	email          string
	password       string
	pickupLocation string
	fallbackEmail  string
	trackingBase   string
	tokenTTL       time.Duration
	tokens         TokenCache
	logg           *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

func WithPickupLocation(name string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			c.pickupLocation = trimmed
		}
	}
}

func WithFallbackEmail(email string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(email); trimmed != "" {
			c.fallbackEmail = trimmed
		}
	}
}

func WithTrackingURLBase(base string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimSpace(base); trimmed != "" {
			c.trackingBase = trimmed
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.tokenTTL = ttl
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 && c.httpClient != nil {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

// NewClient builds a vendor client. tokens must be shared by every replica
// that talks to the vendor.
func NewClient(email, password string, tokens TokenCache, opts ...Option) (*Client, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, errCredentialsRequired
	}
	if tokens == nil {
		return nil, fmt.Errorf("token cache required")
	}
	client := &Client{
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		baseURL:        defaultBaseURL,
		email:          email,
		password:       password,
		pickupLocation: "Primary",
		fallbackEmail:  "orders@example.com",
		trackingBase:   "https://shiprocket.co/tracking/",
		tokenTTL:       defaultTokenTTL,
		tokens:         tokens,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Authenticate returns a cached token or logs in and caches a fresh one.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if token, ok, err := c.tokens.Get(ctx); err == nil && ok {
		return token, nil
	} else if err != nil && c.logg != nil {
		c.logg.Warn(ctx, fmt.Sprintf("shipping token cache read failed: %v", err))
	}

	body := map[string]string{"email": c.email, "password": c.password}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.send(ctx, "login", http.MethodPost, "auth/login", "", body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", pkgerrors.New(pkgerrors.CodeDependency, "shipping vendor returned empty token")
	}
	if err := c.tokens.Set(ctx, resp.Token, c.tokenTTL); err != nil && c.logg != nil {
		c.logg.Warn(ctx, fmt.Sprintf("shipping token cache write failed: %v", err))
	}
	return resp.Token, nil
}

// ShipmentRequest is the order data the vendor needs to book a pickup.
type ShipmentRequest struct {
	OrderNumber      string
	OrderDate        time.Time
	Address          types.ShippingAddress
	Items            types.LineItems
	Prepaid          bool
	SubtotalMinor    int64
	CollectableMinor int64
}

// ShipmentRef identifies the shipment on the vendor side.
type ShipmentRef struct {
	VendorOrderID    string
	VendorShipmentID string
	Status           string
	AWB              string
	Carrier          string
	TrackingURL      string
}

// CreateShipment validates and normalizes the address then books the shipment.
func (c *Client) CreateShipment(ctx context.Context, req ShipmentRequest) (*ShipmentRef, error) {
	phone, err := NormalizePhone(req.Address.Phone)
	if err != nil {
		return nil, err
	}
	pincode, err := NormalizePincode(req.Address.Pincode)
	if err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "shipment has no items")
	}
	first, last := req.Address.SplitName()
	if first == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer name is required")
	}

	pkg := EstimatePackage(req.Items.Units())
	items := make([]map[string]any, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, map[string]any{
			"name":          item.Name,
			"sku":           fmt.Sprintf("%s-%s", item.ProductID, item.Size),
			"units":         item.Quantity,
			"selling_price": toMajor(item.UnitPriceMinor),
		})
	}

	paymentMethod := "COD"
	if req.Prepaid {
		paymentMethod = "Prepaid"
	}
	country := req.Address.Country
	if country == "" {
		country = "India"
	}
	line2 := ""
	if req.Address.Line2 != nil {
		line2 = *req.Address.Line2
	}

	body := map[string]any{
		"order_id":              req.OrderNumber,
		"order_date":            req.OrderDate.Format("2006-01-02 15:04"),
		"pickup_location":       c.pickupLocation,
		"billing_customer_name": first,
		"billing_last_name":     last,
		"billing_address":       req.Address.Line1,
		"billing_address_2":     line2,
		"billing_city":          req.Address.City,
		"billing_pincode":       pincode,
		"billing_state":         req.Address.State,
		"billing_country":       country,
		"billing_email":         req.Address.EmailOr(c.fallbackEmail),
		"billing_phone":         phone,
		"shipping_is_billing":   true,
		"order_items":           items,
		"payment_method":        paymentMethod,
		"sub_total":             toMajor(req.SubtotalMinor),
		"length":                pkg.LengthCM,
		"breadth":               pkg.BreadthCM,
		"height":                pkg.HeightCM,
		"weight":                pkg.WeightKG,
	}
	if !req.Prepaid && req.CollectableMinor > 0 {
		body["sub_total"] = toMajor(req.CollectableMinor)
	}

	var resp struct {
		OrderID     json.Number `json:"order_id"`
		ShipmentID  json.Number `json:"shipment_id"`
		Status      string      `json:"status"`
		AWBCode     string      `json:"awb_code"`
		CourierName string      `json:"courier_name"`
	}
	if err := c.authorized(ctx, "create_shipment", http.MethodPost, "orders/create/adhoc", body, &resp); err != nil {
		return nil, err
	}
	if resp.OrderID.String() == "" {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "shipping vendor returned no order id")
	}

	ref := &ShipmentRef{
		VendorOrderID:    resp.OrderID.String(),
		VendorShipmentID: resp.ShipmentID.String(),
		Status:           resp.Status,
		AWB:              resp.AWBCode,
		Carrier:          resp.CourierName,
	}
	ref.TrackingURL = c.TrackingURL(ref.AWB)
	return ref, nil
}

// CancelShipment cancels the vendor order.
func (c *Client) CancelShipment(ctx context.Context, vendorOrderID string) error {
	vendorOrderID = strings.TrimSpace(vendorOrderID)
	if vendorOrderID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "vendor order id is required")
	}
	id, err := strconv.ParseInt(vendorOrderID, 10, 64)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "vendor order id must be numeric")
	}
	body := map[string]any{"ids": []int64{id}}
	return c.authorized(ctx, "cancel_shipment", http.MethodPost, "orders/cancel", body, nil)
}

// TrackingEvent is one scan in the shipment history.
type TrackingEvent struct {
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Date     string `json:"date"`
}

// TrackingInfo is the live tracking state of a shipment.
type TrackingInfo struct {
	Status      string          `json:"status"`
	AWB         string          `json:"awb,omitempty"`
	Carrier     string          `json:"carrier,omitempty"`
	TrackingURL string          `json:"trackingUrl,omitempty"`
	Delivered   string          `json:"deliveredAt,omitempty"`
	Events      []TrackingEvent `json:"events"`
}

// TrackShipment fetches live tracking for a vendor shipment.
func (c *Client) TrackShipment(ctx context.Context, vendorShipmentID string) (*TrackingInfo, error) {
	vendorShipmentID = strings.TrimSpace(vendorShipmentID)
	if vendorShipmentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor shipment id is required")
	}
	var resp struct {
		TrackingData struct {
			ShipmentStatus json.Number `json:"shipment_status"`
			ShipmentTrack  []struct {
				AWBCode       string `json:"awb_code"`
				CourierName   string `json:"courier_name"`
				CurrentStatus string `json:"current_status"`
				DeliveredDate string `json:"delivered_date"`
			} `json:"shipment_track"`
			Activities []struct {
				Date     string `json:"date"`
				Activity string `json:"activity"`
				Location string `json:"location"`
			} `json:"shipment_track_activities"`
			TrackURL string `json:"track_url"`
		} `json:"tracking_data"`
	}
	path := "courier/track/shipment/" + vendorShipmentID
	if err := c.authorized(ctx, "track_shipment", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	info := &TrackingInfo{TrackingURL: resp.TrackingData.TrackURL, Events: []TrackingEvent{}}
	if len(resp.TrackingData.ShipmentTrack) > 0 {
		track := resp.TrackingData.ShipmentTrack[0]
		info.Status = track.CurrentStatus
		info.AWB = track.AWBCode
		info.Carrier = track.CourierName
		info.Delivered = track.DeliveredDate
		if info.TrackingURL == "" {
			info.TrackingURL = c.TrackingURL(track.AWBCode)
		}
	}
	for _, act := range resp.TrackingData.Activities {
		info.Events = append(info.Events, TrackingEvent{Status: act.Activity, Location: act.Location, Date: act.Date})
	}
	return info, nil
}

// TrackingURL derives the public tracking page for an AWB.
func (c *Client) TrackingURL(awb string) string {
	if awb == "" {
		return ""
	}
	return strings.TrimRight(c.trackingBase, "/") + "/" + awb
}

// authorized sends with a bearer token, re-authenticating once on 401.
func (c *Client) authorized(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, op, method, path, token, body, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	if invErr := c.tokens.Invalidate(ctx); invErr != nil && c.logg != nil {
		c.logg.Warn(ctx, fmt.Sprintf("shipping token invalidate failed: %v", invErr))
	}
	token, err = c.Authenticate(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, op, method, path, token, body, out)
	if errors.Is(err, errUnauthorized) {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "shipping vendor authentication failed")
	}
	return err
}

func (c *Client) send(ctx context.Context, op, method, path, token string, body, out any) error {
	logCtx := ctx
	if c.logg != nil {
		logCtx = c.logg.WithExternal(ctx, externalSystem, op)
		c.logg.Info(logCtx, "shipping request")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal shipping request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build shipping request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logg != nil {
			c.logg.Error(logCtx, "shipping request failed", err)
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("execute shipping %s", op))
	}
	defer func() { _ = resp.Body.Close() }()

	if c.logg != nil {
		c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
			"status":      resp.StatusCode,
			"duration_ms": time.Since(started).Milliseconds(),
		}), "shipping response")
	}

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		code := pkgerrors.CodeDependency
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			code = pkgerrors.CodeValidation
		}
		return pkgerrors.Wrap(code, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), fmt.Sprintf("shipping %s rejected", op))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decode shipping %s response", op))
	}
	return nil
}

func toMajor(minor int64) float64 {
	return decimal.New(minor, -2).InexactFloat64()
}
