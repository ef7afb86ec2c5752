package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
)

const (
	defaultBaseURL              = "https://api.razorpay.com/v1"
	responseBodyReadLimit int64 = 2048
	externalSystem              = "payment_gateway"
)

var (
	errKeyIDRequired     = errors.New("gateway key id is required")
	errKeySecretRequired = errors.New("gateway key secret is required")
)

// Payment statuses reported by the gateway.
const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusRefunded   = "refunded"
	PaymentStatusFailed     = "failed"
)

// Client talks to the payment provider's REST API with basic auth.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	keyID         string
	keySecret     string
	webhookSecret string
	logg          *logger.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		trimmed := strings.TrimSpace(baseURL)
		if trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithWebhookSecret enables webhook signature verification.
func WithWebhookSecret(secret string) Option {
	return func(c *Client) {
		c.webhookSecret = strings.TrimSpace(secret)
	}
}

// WithLogger logs every request and response.
func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 && c.httpClient != nil {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient builds a gateway client for the given API key pair.
func NewClient(keyID, keySecret string, opts ...Option) (*Client, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, errKeyIDRequired
	}
	keySecret = strings.TrimSpace(keySecret)
	if keySecret == "" {
		return nil, errKeySecretRequired
	}

	client := &Client{
		keyID:      keyID,
		keySecret:  keySecret,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return client, nil
}

// Intent is the provisional payment request created before any order exists.
type Intent struct {
	ID          string            `json:"id"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Receipt     string            `json:"receipt"`
	Status      string            `json:"status"`
	Notes       map[string]string `json:"notes"`
}

// Payment is the authoritative payment record held by the gateway.
type Payment struct {
	ID          string `json:"id"`
	IntentID    string `json:"order_id"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Captured    bool   `json:"captured"`
}

// IsCaptured reports whether the gateway holds the money.
func (p Payment) IsCaptured() bool {
	return p.Status == PaymentStatusCaptured
}

// Refund is the gateway response to a refund call.
type Refund struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount"`
	Status      string `json:"status"`
}

// CreateIntentRequest carries the amount and metadata snapshot for an intent.
type CreateIntentRequest struct {
	AmountMinor int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

// CreateIntent registers a payment intent with the gateway.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}
	if req.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent currency is required")
	}

	body := map[string]any{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"receipt":  req.Receipt,
		"notes":    req.Notes,
	}
	var intent Intent
	if err := c.do(ctx, "create_intent", http.MethodPost, "orders", body, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// FetchIntent loads an intent including its metadata notes.
func (c *Client) FetchIntent(ctx context.Context, intentID string) (*Intent, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "intent id is required")
	}
	var intent Intent
	if err := c.do(ctx, "fetch_intent", http.MethodGet, "orders/"+url.PathEscape(intentID), nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// FetchPayment loads the live payment state.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	var payment Payment
	if err := c.do(ctx, "fetch_payment", http.MethodGet, "payments/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// Refund issues a refund of amountMinor against a captured payment.
func (c *Client) Refund(ctx context.Context, paymentID string, amountMinor int64, reason string) (*Refund, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment gateway not configured")
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	if amountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	body := map[string]any{
		"amount": amountMinor,
		"notes":  map[string]string{"reason": reason},
	}
	var refund Refund
	if err := c.do(ctx, "refund", http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/refund", body, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	logCtx := ctx
	if c.logg != nil {
		logCtx = c.logg.WithExternal(ctx, externalSystem, op)
		c.logg.Info(logCtx, "gateway request")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "marshal gateway request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build gateway request")
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logg != nil {
			c.logg.Error(logCtx, "gateway request failed", err)
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("execute gateway %s", op))
	}
	defer func() { _ = resp.Body.Close() }()

	if c.logg != nil {
		c.logg.Info(c.logg.WithFields(logCtx, map[string]any{
			"status":      resp.StatusCode,
			"duration_ms": time.Since(started).Milliseconds(),
		}), "gateway response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
		code := pkgerrors.CodeDependency
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
			code = pkgerrors.CodeValidation
		}
		return pkgerrors.Wrap(code, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), fmt.Sprintf("gateway %s rejected", op))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("decode gateway %s response", op))
	}
	return nil
}

func (c *Client) buildURL(path string) string {
	trimmed := strings.TrimRight(c.baseURL, "/")
	path = strings.TrimLeft(path, "/")
	return fmt.Sprintf("%s/%s", trimmed, path)
}
