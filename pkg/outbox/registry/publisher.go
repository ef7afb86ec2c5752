package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/fulfillment-core/pkg/config"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/google/uuid"
)

// EventDescriptor links an event type to its topic and payload schema.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	Topic          string
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    interface{}
}

// EventRegistry maps each supported event type to its descriptor.
type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

// NonRetryableError signals the publisher should stop retrying a row.
type NonRetryableError struct {
	Err error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry with the configured topic name.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.OrdersTopic == "" {
		return nil, fmt.Errorf("orders topic is required")
	}

	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor)}
	factories := map[enums.OutboxEventType]func() interface{}{
		enums.EventOrderCreated:           func() interface{} { return &payloads.OrderCreatedEvent{} },
		enums.EventOrderPaid:              func() interface{} { return &payloads.OrderPaidEvent{} },
		enums.EventOrderStatusChanged:     func() interface{} { return &payloads.OrderStatusChangedEvent{} },
		enums.EventOrderCanceled:          func() interface{} { return &payloads.OrderCanceledEvent{} },
		enums.EventRefundIssued:           func() interface{} { return &payloads.RefundIssuedEvent{} },
		enums.EventReturnRequested:        func() interface{} { return &payloads.ReturnRequestedEvent{} },
		enums.EventShipmentCreated:        func() interface{} { return &payloads.ShipmentCreatedEvent{} },
		enums.EventShipmentFailed:         func() interface{} { return &payloads.ShipmentFailedEvent{} },
		enums.EventReconciliationRequired: func() interface{} { return &payloads.ReconciliationRequiredEvent{} },
	}
	for eventType, factory := range factories {
		reg.register(EventDescriptor{
			EventType:      eventType,
			Topic:          cfg.OrdersTopic,
			PayloadFactory: factory,
		})
	}
	return reg, nil
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.EventType] = desc
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	if !ok {
		return nil, NewNonRetryableError(fmt.Errorf("unsupported event type %s", event.EventType))
	}
	if event.AggregateType != enums.AggregateOrder {
		return nil, NewNonRetryableError(fmt.Errorf("aggregate mismatch: expected %s got %s", enums.AggregateOrder, event.AggregateType))
	}
	if event.AggregateID == uuid.Nil {
		return nil, NewNonRetryableError(fmt.Errorf("missing aggregate_id"))
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode envelope: %w", err))
	}

	trimmed := bytes.TrimSpace(envelope.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, NewNonRetryableError(fmt.Errorf("payload missing for %s", event.EventType))
	}

	payload := desc.PayloadFactory()
	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		return nil, NewNonRetryableError(fmt.Errorf("decode %s payload: %w", event.EventType, err))
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}
