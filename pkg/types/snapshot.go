package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// CheckoutSnapshot is serialized into the payment intent metadata so the order
// can be rebuilt after payment without trusting the live cart.
type CheckoutSnapshot struct {
	UserID          uuid.UUID           `json:"userId"`
	PaymentMethod   enums.PaymentMethod `json:"paymentMethod"`
	Items           LineItems           `json:"items"`
	ShippingAddress ShippingAddress     `json:"shippingAddress"`
	Coupon          *AppliedCoupon      `json:"coupon,omitempty"`
	SubtotalMinor   int64               `json:"subtotal"`
	DiscountMinor   int64               `json:"discount"`
	TotalMinor      int64               `json:"total"`
	ChargeMinor     int64               `json:"charge"`
}

// Encode renders the snapshot as compact JSON.
func (s CheckoutSnapshot) Encode() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode checkout snapshot: %w", err)
	}
	return string(raw), nil
}

// DecodeCheckoutSnapshot parses a snapshot previously produced by Encode.
func DecodeCheckoutSnapshot(raw string) (CheckoutSnapshot, error) {
	var snap CheckoutSnapshot
	if raw == "" {
		return snap, fmt.Errorf("checkout snapshot empty")
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, fmt.Errorf("decode checkout snapshot: %w", err)
	}
	return snap, nil
}
