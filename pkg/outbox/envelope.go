package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// ActorRef identifies who produced the event.
type ActorRef struct {
	UserID *uuid.UUID  `json:"userId,omitempty"`
	Actor  enums.Actor `json:"actor"`
	Role   string      `json:"role,omitempty"`
}

// SystemActor is attached to events raised by webhooks and background work.
func SystemActor() *ActorRef {
	return &ActorRef{Actor: enums.ActorSystem}
}

// UserActor is attached to events raised by a customer request.
func UserActor(userID uuid.UUID) *ActorRef {
	return &ActorRef{UserID: &userID, Actor: enums.ActorUser, Role: string(enums.RoleCustomer)}
}

// AdminActor is attached to events raised by an operator.
func AdminActor(userID uuid.UUID) *ActorRef {
	return &ActorRef{UserID: &userID, Actor: enums.ActorAdmin, Role: string(enums.RoleAdmin)}
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}
