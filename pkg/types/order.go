package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// LineItem is an immutable snapshot of a purchased product taken at checkout.
type LineItem struct {
	ProductID      uuid.UUID `json:"productId"`
	Name           string    `json:"name"`
	Size           string    `json:"size"`
	Quantity       int       `json:"quantity"`
	UnitPriceMinor int64     `json:"unitPrice"`
	Image          string    `json:"image,omitempty"`
}

// LineTotal returns quantity multiplied by unit price.
func (l LineItem) LineTotal() int64 {
	return int64(l.Quantity) * l.UnitPriceMinor
}

type LineItems []LineItem

// Subtotal sums every line total.
func (l LineItems) Subtotal() int64 {
	var total int64
	for _, item := range l {
		total += item.LineTotal()
	}
	return total
}

// Units sums every line quantity.
func (l LineItems) Units() int {
	units := 0
	for _, item := range l {
		units += item.Quantity
	}
	return units
}

// AppliedCoupon is the coupon snapshot stored on an order.
type AppliedCoupon struct {
	Code          string             `json:"code"`
	Type          enums.DiscountType `json:"type"`
	Value         string             `json:"value"`
	DiscountMinor int64              `json:"discount"`
}

// Shipment links an order to the logistics vendor.
type Shipment struct {
	VendorOrderID    string     `json:"vendorOrderId,omitempty"`
	VendorShipmentID string     `json:"vendorShipmentId,omitempty"`
	Carrier          string     `json:"carrier,omitempty"`
	AWB              string     `json:"awb,omitempty"`
	TrackingURL      string     `json:"trackingUrl,omitempty"`
	VendorStatus     string     `json:"vendorStatus,omitempty"`
	CreatedAt        *time.Time `json:"createdAt,omitempty"`
}

// Refund records the single refund permitted per order.
type Refund struct {
	RefundID    string             `json:"refundId"`
	AmountMinor int64              `json:"amount"`
	Status      enums.RefundStatus `json:"status"`
	Reason      string             `json:"reason"`
	Notes       string             `json:"notes,omitempty"`
	Actor       enums.Actor        `json:"actor"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// OperatorNote is an unstructured diagnostic left for support staff.
type OperatorNote struct {
	Message   string    `json:"message"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type OperatorNotes []OperatorNote
