package shipping

import (
	"strings"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// Vendor status labels pushed by the shipping webhook.
const (
	StatusNew             = "NEW"
	StatusAWBAssigned     = "AWB ASSIGNED"
	StatusPickupScheduled = "PICKUP SCHEDULED"
	StatusPickedUp        = "PICKED UP"
	StatusShipped         = "SHIPPED"
	StatusInTransit       = "IN TRANSIT"
	StatusOutForDelivery  = "OUT FOR DELIVERY"
	StatusDelivered       = "DELIVERED"
	StatusCanceled        = "CANCELED"
	rtoPrefix             = "RTO"
)

// NormalizeStatus upper-cases and collapses separators so "out_for_delivery"
// and "Out For Delivery" compare equal.
func NormalizeStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// MapStatus translates a vendor status into the local order status. ok is
// false for statuses that do not move the order.
func MapStatus(raw string) (enums.OrderStatus, bool) {
	status := NormalizeStatus(raw)
	switch {
	case status == StatusPickupScheduled || status == StatusAWBAssigned:
		return enums.OrderStatusProcessing, true
	case status == StatusShipped || status == StatusPickedUp || status == StatusInTransit || status == StatusOutForDelivery:
		return enums.OrderStatusShipped, true
	case status == StatusDelivered:
		return enums.OrderStatusDelivered, true
	case status == StatusCanceled || status == "CANCELLED":
		return enums.OrderStatusCancelled, true
	case strings.HasPrefix(status, rtoPrefix):
		return enums.OrderStatusReturned, true
	default:
		return "", false
	}
}

// Cancellable reports whether the vendor still accepts a cancel for a shipment
// last seen in the given status. Once pickup is scheduled the vendor is
// already processing the parcel.
func Cancellable(raw string) bool {
	switch NormalizeStatus(raw) {
	case "", StatusNew, StatusAWBAssigned:
		return true
	default:
		return false
	}
}
