package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
)

// ErrWebhookSecretMissing is returned when webhook verification is attempted
// without a configured secret.
var ErrWebhookSecretMissing = pkgerrors.New(pkgerrors.CodeForbidden, "payment webhook secret not configured")

// SignPayment returns the hex HMAC-SHA256 of "intentID|paymentID".
func SignPayment(secret, intentID, paymentID string) string {
	return sign(secret, []byte(intentID+"|"+paymentID))
}

// VerifySignature checks the client-supplied checkout signature in constant
// time. Signatures of the wrong length never match.
func (c *Client) VerifySignature(intentID, paymentID, signature string) bool {
	if c == nil || intentID == "" || paymentID == "" {
		return false
	}
	expected := SignPayment(c.keySecret, intentID, paymentID)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// WebhookEnabled reports whether inbound webhooks can be authenticated.
func (c *Client) WebhookEnabled() bool {
	return c != nil && c.webhookSecret != ""
}

// VerifyWebhook authenticates a raw webhook body. It fails closed when no
// webhook secret is configured.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	if !c.WebhookEnabled() {
		return ErrWebhookSecretMissing
	}
	expected := sign(c.webhookSecret, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid webhook signature")
	}
	return nil
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
