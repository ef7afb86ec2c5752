package orders

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
)

// OrderList wraps a page of orders plus the next page cursor.
type OrderList struct {
	Orders     []models.Order
	NextCursor string
}

// Viewer identifies who is reading an order. Admins may read any order.
type Viewer struct {
	UserID uuid.UUID
	Admin  bool
}

// TransitionInput describes a status change. Mutate, when set, applies extra
// field changes that must land in the same write as the status.
type TransitionInput struct {
	OrderID uuid.UUID
	To      enums.OrderStatus
	Actor   *outbox.ActorRef
	Reason  string
	Mutate  func(order *models.Order)
}

func (in TransitionInput) actor() *outbox.ActorRef {
	if in.Actor == nil {
		return outbox.SystemActor()
	}
	return in.Actor
}
