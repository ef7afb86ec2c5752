package enums

import "fmt"

// OutboxAggregateType identifies the aggregate that produced an outbox event.
type OutboxAggregateType string

const (
	AggregateOrder OutboxAggregateType = "order"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateOrder,
}

// IsValid reports whether the value matches a known aggregate type.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseOutboxAggregateType converts raw input into OutboxAggregateType.
func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	for _, candidate := range validAggregateTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid aggregate type %q", value)
}

// OutboxEventType names the order lifecycle events relayed to Pub/Sub.
type OutboxEventType string

const (
	EventOrderCreated           OutboxEventType = "order_created"
	EventOrderPaid              OutboxEventType = "order_paid"
	EventOrderStatusChanged     OutboxEventType = "order_status_changed"
	EventOrderCanceled          OutboxEventType = "order_canceled"
	EventRefundIssued           OutboxEventType = "refund_issued"
	EventReturnRequested        OutboxEventType = "return_requested"
	EventShipmentCreated        OutboxEventType = "shipment_created"
	EventShipmentFailed         OutboxEventType = "shipment_failed"
	EventReconciliationRequired OutboxEventType = "reconciliation_required"
)

var validOutboxEventTypes = []OutboxEventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderStatusChanged,
	EventOrderCanceled,
	EventRefundIssued,
	EventReturnRequested,
	EventShipmentCreated,
	EventShipmentFailed,
	EventReconciliationRequired,
}

// IsValid reports whether the value matches a known event type.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
