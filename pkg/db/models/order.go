package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Order is written once, after payment capture (online) or stock validation
// (COD). Later changes only move status, linkage and audit fields.
type Order struct {
	ID                   uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber          string                `gorm:"column:order_number;not null;uniqueIndex"`
	UserID               uuid.UUID             `gorm:"column:user_id;type:uuid;not null;index"`
	Items                types.LineItems       `gorm:"column:items;type:jsonb;serializer:json;not null"`
	ShippingAddress      types.ShippingAddress `gorm:"column:shipping_address;type:jsonb;serializer:json;not null"`
	SubtotalMinor        int64                 `gorm:"column:subtotal_minor;not null"`
	DiscountMinor        int64                 `gorm:"column:discount_minor;not null;default:0"`
	TotalMinor           int64                 `gorm:"column:total_minor;not null"`
	TokenAmountMinor     int64                 `gorm:"column:token_amount_minor;not null;default:0"`
	Currency             string                `gorm:"column:currency;not null;default:'INR'"`
	Coupon               *types.AppliedCoupon  `gorm:"column:coupon;type:jsonb;serializer:json"`
	PaymentMethod        enums.PaymentMethod   `gorm:"column:payment_method;not null"`
	PaymentStatus        enums.PaymentStatus   `gorm:"column:payment_status;not null;default:'pending'"`
	Status               enums.OrderStatus     `gorm:"column:status;not null"`
	GatewayIntentID      *string               `gorm:"column:gateway_intent_id;uniqueIndex"`
	GatewayPaymentID     *string               `gorm:"column:gateway_payment_id;uniqueIndex"`
	GatewayRefundID      *string               `gorm:"column:gateway_refund_id"`
	VendorOrderID        *string               `gorm:"column:vendor_order_id;index"`
	Shipment             *types.Shipment       `gorm:"column:shipment;type:jsonb;serializer:json"`
	Refund               *types.Refund         `gorm:"column:refund;type:jsonb;serializer:json"`
	OperatorNotes        types.OperatorNotes   `gorm:"column:operator_notes;type:jsonb;serializer:json"`
	NeedsReconciliation  bool                  `gorm:"column:needs_reconciliation;not null;default:false"`
	CancellationReason   *string               `gorm:"column:cancellation_reason"`
	ReturnReason         *string               `gorm:"column:return_reason"`
	CancellationDeadline time.Time             `gorm:"column:cancellation_deadline;not null"`
	DeliveredAt          *time.Time            `gorm:"column:delivered_at"`
	CancelledAt          *time.Time            `gorm:"column:cancelled_at"`
	RefundedAt           *time.Time            `gorm:"column:refunded_at"`
	History              []OrderStatusHistory  `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt            time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// OrderStatusHistory is append-only; rows are never updated.
type OrderStatusHistory struct {
	ID        uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   uuid.UUID         `gorm:"column:order_id;type:uuid;not null;index"`
	Status    enums.OrderStatus `gorm:"column:status;not null"`
	Actor     enums.Actor       `gorm:"column:actor;not null"`
	Reason    string            `gorm:"column:reason;not null;default:''"`
	CreatedAt time.Time         `gorm:"column:created_at;not null"`
}

func (OrderStatusHistory) TableName() string { return "order_status_history" }
