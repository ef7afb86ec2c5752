package payloads

import (
	"time"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/google/uuid"
)

// OrderCreatedEvent signals a freshly materialized order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID           `json:"order_id"`
	OrderNumber   string              `json:"order_number"`
	UserID        uuid.UUID           `json:"user_id"`
	PaymentMethod enums.PaymentMethod `json:"payment_method"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	TotalMinor    int64               `json:"total_minor"`
	ItemCount     int                 `json:"item_count"`
}

// OrderPaidEvent is emitted once a capture is confirmed for an order.
type OrderPaidEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	PaymentID   string    `json:"payment_id"`
	AmountMinor int64     `json:"amount_minor"`
	PaidAt      time.Time `json:"paid_at"`
}

// OrderStatusChangedEvent mirrors a row appended to order_status_history.
type OrderStatusChangedEvent struct {
	OrderID uuid.UUID         `json:"order_id"`
	From    enums.OrderStatus `json:"from"`
	To      enums.OrderStatus `json:"to"`
	Actor   enums.Actor       `json:"actor"`
	Note    string            `json:"note,omitempty"`
}

// OrderCanceledEvent is emitted whenever a customer cancels an order.
type OrderCanceledEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      uuid.UUID `json:"user_id"`
	CanceledAt  time.Time `json:"canceled_at"`
	Reason      string    `json:"reason,omitempty"`
	RefundMinor int64     `json:"refund_minor"`
}

// RefundIssuedEvent reports a refund recorded against an order.
type RefundIssuedEvent struct {
	OrderID     uuid.UUID          `json:"order_id"`
	RefundID    string             `json:"refund_id"`
	AmountMinor int64              `json:"amount_minor"`
	Status      enums.RefundStatus `json:"status"`
	Actor       enums.Actor        `json:"actor"`
}

// ReturnRequestedEvent is emitted when a delivered order enters the return flow.
type ReturnRequestedEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// ShipmentCreatedEvent reports a shipment booked with the shipping vendor.
type ShipmentCreatedEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	VendorOrderID string    `json:"vendor_order_id"`
	AWB           string    `json:"awb,omitempty"`
	Carrier       string    `json:"carrier,omitempty"`
}

// ShipmentFailedEvent reports that shipment creation exhausted its retries.
type ShipmentFailedEvent struct {
	OrderID  uuid.UUID `json:"order_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	Hint     string    `json:"hint,omitempty"`
}

// ReconciliationRequiredEvent flags a captured payment that needs operator review.
type ReconciliationRequiredEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	IntentID  string    `json:"intent_id"`
	PaymentID string    `json:"payment_id"`
	Reason    string    `json:"reason"`
}
