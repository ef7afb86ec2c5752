package controllers

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// OrderDTO is the customer-facing order. Operator notes and reconciliation
// state are only included for admins.
type OrderDTO struct {
	ID                   uuid.UUID             `json:"id"`
	OrderNumber          string                `json:"orderNumber"`
	Status               enums.OrderStatus     `json:"status"`
	PaymentMethod        enums.PaymentMethod   `json:"paymentMethod"`
	PaymentStatus        enums.PaymentStatus   `json:"paymentStatus"`
	Items                types.LineItems       `json:"items"`
	ShippingAddress      types.ShippingAddress `json:"shippingAddress"`
	Subtotal             int64                 `json:"subtotal"`
	Discount             int64                 `json:"discount"`
	Total                int64                 `json:"total"`
	TokenAmount          int64                 `json:"tokenAmount,omitempty"`
	Currency             string                `json:"currency"`
	Coupon               *types.AppliedCoupon  `json:"coupon,omitempty"`
	Shipment             *types.Shipment       `json:"shipment,omitempty"`
	Refund               *types.Refund         `json:"refund,omitempty"`
	CancellationDeadline time.Time             `json:"cancellationDeadline"`
	CancellationReason   *string               `json:"cancellationReason,omitempty"`
	ReturnReason         *string               `json:"returnReason,omitempty"`
	DeliveredAt          *time.Time            `json:"deliveredAt,omitempty"`
	CancelledAt          *time.Time            `json:"cancelledAt,omitempty"`
	RefundedAt           *time.Time            `json:"refundedAt,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`

	NeedsReconciliation *bool               `json:"needsReconciliation,omitempty"`
	OperatorNotes       types.OperatorNotes `json:"operatorNotes,omitempty"`
	GatewayPaymentID    *string             `json:"gatewayPaymentId,omitempty"`
}

func toOrderDTO(order *models.Order, admin bool) *OrderDTO {
	if order == nil {
		return nil
	}
	dto := &OrderDTO{
		ID:                   order.ID,
		OrderNumber:          order.OrderNumber,
		Status:               order.Status,
		PaymentMethod:        order.PaymentMethod,
		PaymentStatus:        order.PaymentStatus,
		Items:                order.Items,
		ShippingAddress:      order.ShippingAddress,
		Subtotal:             order.SubtotalMinor,
		Discount:             order.DiscountMinor,
		Total:                order.TotalMinor,
		TokenAmount:          order.TokenAmountMinor,
		Currency:             order.Currency,
		Coupon:               order.Coupon,
		Shipment:             order.Shipment,
		Refund:               order.Refund,
		CancellationDeadline: order.CancellationDeadline,
		CancellationReason:   order.CancellationReason,
		ReturnReason:         order.ReturnReason,
		DeliveredAt:          order.DeliveredAt,
		CancelledAt:          order.CancelledAt,
		RefundedAt:           order.RefundedAt,
		CreatedAt:            order.CreatedAt,
	}
	if admin {
		flag := order.NeedsReconciliation
		dto.NeedsReconciliation = &flag
		dto.OperatorNotes = order.OperatorNotes
		dto.GatewayPaymentID = order.GatewayPaymentID
	}
	return dto
}

type OrderPage struct {
	Orders     []*OrderDTO `json:"orders"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

func toOrderPage(list *orders.OrderList, admin bool) OrderPage {
	page := OrderPage{Orders: []*OrderDTO{}}
	if list == nil {
		return page
	}
	for i := range list.Orders {
		page.Orders = append(page.Orders, toOrderDTO(&list.Orders[i], admin))
	}
	page.NextCursor = list.NextCursor
	return page
}

// OrderResult is returned by checkout, cancellation and refund endpoints.
// Degraded tells the client that payment is safe but fulfillment is pending
// manual review.
type OrderResult struct {
	Order     *OrderDTO     `json:"order"`
	Refund    *types.Refund `json:"refund,omitempty"`
	Existing  bool          `json:"existing,omitempty"`
	Degraded  bool          `json:"degraded,omitempty"`
	PaymentID string        `json:"paymentId,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type CartDTO struct {
	Items      []models.CartLine `json:"items"`
	SavedItems []models.CartLine `json:"savedItems"`
	ItemCount  int               `json:"itemCount"`
	Total      int64             `json:"total"`
}

func toCartDTO(cart *models.Cart) CartDTO {
	dto := CartDTO{Items: []models.CartLine{}, SavedItems: []models.CartLine{}}
	if cart == nil {
		return dto
	}
	if cart.Items != nil {
		dto.Items = cart.Items
	}
	if cart.SavedItems != nil {
		dto.SavedItems = cart.SavedItems
	}
	dto.ItemCount = cart.ItemCount
	dto.Total = cart.TotalMinor
	return dto
}
