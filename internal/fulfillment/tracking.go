package fulfillment

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Tracking is the stored shipment plus the vendor's live view when available.
type Tracking struct {
	OrderID  uuid.UUID
	Status   enums.OrderStatus
	Shipment *types.Shipment
	Live     *shipping.TrackingInfo
}

// Tracking returns the shipment state of an order the viewer may read. A
// vendor lookup failure falls back to the stored shipment.
func (d *Dispatcher) Tracking(ctx context.Context, viewer orders.Viewer, orderID uuid.UUID) (*Tracking, error) {
	order, err := d.status.Get(ctx, viewer, orderID)
	if err != nil {
		return nil, err
	}
	out := &Tracking{OrderID: order.ID, Status: order.Status, Shipment: order.Shipment}
	if order.Shipment == nil || order.Shipment.VendorShipmentID == "" {
		return out, nil
	}

	ctx = d.logg.WithExternal(d.logg.WithOrderID(ctx, order.ID.String()), "shipping", "track_shipment")
	live, err := d.client.TrackShipment(ctx, order.Shipment.VendorShipmentID)
	if err != nil {
		d.logg.Warn(ctx, "live tracking unavailable: "+err.Error())
		return out, nil
	}
	out.Live = live
	return out, nil
}
