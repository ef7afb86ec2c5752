package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

var transitions = map[enums.OrderStatus][]enums.OrderStatus{
	enums.OrderStatusConfirmed: {
		enums.OrderStatusProcessing,
		enums.OrderStatusShipped,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusPaid: {
		enums.OrderStatusProcessing,
		enums.OrderStatusShipped,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	},
	enums.OrderStatusProcessing: {
		enums.OrderStatusShipped,
		enums.OrderStatusDelivered,
		enums.OrderStatusCancelled,
		enums.OrderStatusReturned,
	},
	enums.OrderStatusShipped: {
		enums.OrderStatusDelivered,
		enums.OrderStatusReturned,
	},
	enums.OrderStatusDelivered: {
		enums.OrderStatusReturnRequested,
	},
	enums.OrderStatusReturnRequested: {
		enums.OrderStatusReturned,
	},
}

// CanTransition reports whether an order may move from one status to another.
// Vendor webhooks can skip intermediate scans, so shipped and delivered are
// reachable without passing through every earlier state.
func CanTransition(from, to enums.OrderStatus) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// NewOrderNumber builds the customer-facing order reference.
func NewOrderNumber(now time.Time, userID uuid.UUID) string {
	return fmt.Sprintf("ORD-%d-%s", now.UnixMilli(), userID.String()[:8])
}
