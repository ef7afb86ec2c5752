package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/orders"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-core/pkg/retry"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// TaskCreateShipment names the supervised shipment booking task.
const TaskCreateShipment = "create_shipment"

var errNotShippable = errors.New("order is no longer awaiting shipment")

// ShippingClient is the slice of the vendor client used for fulfillment.
type ShippingClient interface {
	CreateShipment(ctx context.Context, req shipping.ShipmentRequest) (*shipping.ShipmentRef, error)
	CancelShipment(ctx context.Context, vendorOrderID string) error
	TrackShipment(ctx context.Context, vendorShipmentID string) (*shipping.TrackingInfo, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Dispatcher books shipments off the request path. Each booking runs under the
// retry supervisor; exhausted bookings leave an operator note on the order.
type Dispatcher struct {
	supervisor *retry.Supervisor
	client     ShippingClient
	orders     orders.Repository
	status     orders.Service
	tx         txRunner
	outbox     outbox.Emitter
	logg       *logger.Logger
	now        func() time.Time
}

type DispatcherParams struct {
	Supervisor *retry.Supervisor
	Client     ShippingClient
	Orders     orders.Repository
	Status     orders.Service
	Tx         txRunner
	Outbox     outbox.Emitter
	Logger     *logger.Logger
}

// NewDispatcher builds the shipment dispatcher.
func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	switch {
	case params.Supervisor == nil:
		return nil, fmt.Errorf("retry supervisor required")
	case params.Client == nil:
		return nil, fmt.Errorf("shipping client required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Status == nil:
		return nil, fmt.Errorf("orders service required")
	case params.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	return &Dispatcher{
		supervisor: params.Supervisor,
		client:     params.Client,
		orders:     params.Orders,
		status:     params.Status,
		tx:         params.Tx,
		outbox:     params.Outbox,
		logg:       params.Logger,
		now:        time.Now,
	}, nil
}

// Schedule queues shipment creation for a committed order and returns at once.
func (d *Dispatcher) Schedule(ctx context.Context, order *models.Order) {
	if order == nil {
		return
	}
	if order.Shipment != nil && order.Shipment.VendorOrderID != "" {
		return
	}
	orderID := order.ID
	ctx = d.logg.WithOrderID(ctx, orderID.String())
	d.supervisor.Go(ctx, TaskCreateShipment, orderID.String(), func(ctx context.Context, attempt int) error {
		return d.book(ctx, orderID)
	})
	d.logg.Info(ctx, "shipment creation scheduled")
}

// RetryShipment re-dispatches shipment creation for an order with no shipment.
func (d *Dispatcher) RetryShipment(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := d.orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if order.Shipment != nil && order.Shipment.VendorOrderID != "" {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "shipment already created").
			WithDetails(map[string]any{"vendor_order_id": order.Shipment.VendorOrderID})
	}
	if !awaitingShipment(order.Status) {
		return nil, pkgerrors.New(pkgerrors.CodeIneligible, "order is not awaiting shipment").
			WithDetails(map[string]any{"reason": "not_shippable", "status": order.Status})
	}
	d.Schedule(ctx, order)
	return order, nil
}

// Run consumes supervisor results until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-d.supervisor.Results():
			d.handleResult(ctx, res)
		}
	}
}

// Shutdown waits for in-flight bookings.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.supervisor.Shutdown(ctx)
}

func awaitingShipment(status enums.OrderStatus) bool {
	return status == enums.OrderStatusConfirmed || status == enums.OrderStatusPaid
}

// book is one attempt. Vendor validation errors and order state problems are
// permanent; transport errors are retried.
func (d *Dispatcher) book(ctx context.Context, orderID uuid.UUID) error {
	order, err := d.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return retry.Permanent(pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
	}
	if order.Shipment != nil && order.Shipment.VendorOrderID != "" {
		return nil
	}
	if !awaitingShipment(order.Status) {
		return retry.Permanent(fmt.Errorf("%w: status %s", errNotShippable, order.Status))
	}

	ref, err := d.client.CreateShipment(ctx, BuildShipmentRequest(order))
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeValidation) {
			return retry.Permanent(err)
		}
		return err
	}
	orphan, err := d.record(ctx, orderID, ref)
	if err != nil {
		// The vendor already holds the shipment; retrying would book a second one.
		return retry.Permanent(fmt.Errorf("vendor order %s booked but not recorded: %w", ref.VendorOrderID, err))
	}
	if orphan != nil {
		d.cancelOrphan(ctx, orderID, ref, orphan.wasFlagged)
	}
	return nil
}

// BuildShipmentRequest maps an order onto the vendor booking payload. Only
// the amount still owed is collected on delivery.
func BuildShipmentRequest(order *models.Order) shipping.ShipmentRequest {
	req := shipping.ShipmentRequest{
		OrderNumber:   order.OrderNumber,
		OrderDate:     order.CreatedAt,
		Address:       order.ShippingAddress,
		Items:         order.Items,
		SubtotalMinor: order.SubtotalMinor,
	}
	switch order.PaymentMethod {
	case enums.PaymentMethodCOD:
		req.CollectableMinor = order.TotalMinor
	case enums.PaymentMethodCODToken:
		req.CollectableMinor = max(order.TotalMinor-order.TokenAmountMinor, 0)
	default:
		req.Prepaid = true
	}
	return req
}

// orphanedShipment marks a booking that landed after the order was closed,
// typically a customer cancel racing the vendor call.
type orphanedShipment struct {
	wasFlagged bool
}

func (d *Dispatcher) record(ctx context.Context, orderID uuid.UUID, ref *shipping.ShipmentRef) (*orphanedShipment, error) {
	var orphan *orphanedShipment
	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := d.orders.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}

		createdAt := d.now().UTC()
		attach := func(o *models.Order) {
			vendorOrderID := ref.VendorOrderID
			o.VendorOrderID = &vendorOrderID
			o.Shipment = &types.Shipment{
				VendorOrderID:    ref.VendorOrderID,
				VendorShipmentID: ref.VendorShipmentID,
				Carrier:          ref.Carrier,
				AWB:              ref.AWB,
				TrackingURL:      ref.TrackingURL,
				VendorStatus:     ref.Status,
				CreatedAt:        &createdAt,
			}
		}
		switch {
		case awaitingShipment(order.Status):
			if _, err := d.status.TransitionTx(ctx, tx, order, orders.TransitionInput{
				OrderID: order.ID,
				To:      enums.OrderStatusProcessing,
				Actor:   outbox.SystemActor(),
				Reason:  "shipment created with vendor",
				Mutate:  attach,
			}); err != nil {
				return err
			}
		case order.Status.IsClosed():
			// Flagged until the vendor confirms the cancel.
			orphan = &orphanedShipment{wasFlagged: order.NeedsReconciliation}
			attach(order)
			order.NeedsReconciliation = true
			order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
				Message:   fmt.Sprintf("vendor shipment %s booked after the order became %s", ref.VendorOrderID, order.Status),
				Hint:      "make sure the vendor does not ship this parcel",
				CreatedAt: createdAt,
			})
			return repo.Save(ctx, order)
		default:
			attach(order)
			if err := repo.Save(ctx, order); err != nil {
				return err
			}
		}

		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventShipmentCreated,
			AggregateID: order.ID,
			Actor:       outbox.SystemActor(),
			Data: payloads.ShipmentCreatedEvent{
				OrderID:       order.ID,
				VendorOrderID: ref.VendorOrderID,
				AWB:           ref.AWB,
				Carrier:       ref.Carrier,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return orphan, nil
}

// cancelOrphan asks the vendor to drop a shipment booked for a closed order.
// On success the flag set by record is lifted again; on failure it stays
// with a note for the operator.
func (d *Dispatcher) cancelOrphan(ctx context.Context, orderID uuid.UUID, ref *shipping.ShipmentRef, wasFlagged bool) {
	ctx = context.WithoutCancel(ctx)
	logCtx := d.logg.WithField(ctx, "vendor_order_id", ref.VendorOrderID)
	d.logg.Warn(logCtx, "shipment booked for a closed order; cancelling with vendor")

	cancelErr := d.client.CancelShipment(ctx, ref.VendorOrderID)
	if cancelErr != nil {
		d.logg.Error(d.logg.WithExternal(logCtx, "shipping", "cancel_shipment"), "vendor shipment cancel failed", cancelErr)
	}

	err := d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := d.orders.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		note := types.OperatorNote{CreatedAt: d.now().UTC()}
		if cancelErr != nil {
			note.Message = "vendor cancellation failed: " + cancelErr.Error()
			note.Hint = fmt.Sprintf("cancel vendor order %s in the vendor dashboard", ref.VendorOrderID)
		} else {
			note.Message = fmt.Sprintf("vendor shipment %s cancelled", ref.VendorOrderID)
			order.NeedsReconciliation = wasFlagged
			if order.Shipment != nil {
				order.Shipment.VendorStatus = shipping.StatusCanceled
			}
		}
		order.OperatorNotes = append(order.OperatorNotes, note)
		return repo.Save(ctx, order)
	})
	if err != nil {
		d.logg.Error(logCtx, "record vendor cancel outcome failed", err)
	}
}

func (d *Dispatcher) handleResult(ctx context.Context, res retry.Result) {
	if res.Task != TaskCreateShipment {
		return
	}
	orderID, err := uuid.Parse(res.Key)
	if err != nil {
		d.logg.Error(d.logg.WithField(ctx, "key", res.Key), "shipment result with bad order id", err)
		return
	}
	ctx = d.logg.WithOrderID(ctx, orderID.String())
	if res.Err == nil {
		d.logg.Info(d.logg.WithField(ctx, "attempts", res.Attempts), "shipment booked")
		return
	}
	if errors.Is(res.Err, errNotShippable) {
		d.logg.Warn(ctx, "shipment skipped: "+res.Err.Error())
		return
	}
	if err := d.recordFailure(ctx, orderID, res); err != nil {
		d.logg.Error(ctx, "record shipment failure failed", err)
	}
}

// recordFailure leaves a note and flags the order for an operator. The
// order status is not changed.
func (d *Dispatcher) recordFailure(ctx context.Context, orderID uuid.UUID, res retry.Result) error {
	hint := shipping.Hint(res.Err)
	return d.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := d.orders.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		order.OperatorNotes = append(order.OperatorNotes, types.OperatorNote{
			Message:   fmt.Sprintf("shipment creation failed after %d attempts: %v", res.Attempts, res.Err),
			Hint:      hint,
			CreatedAt: d.now().UTC(),
		})
		order.NeedsReconciliation = true
		if err := repo.Save(ctx, order); err != nil {
			return err
		}
		return d.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventShipmentFailed,
			AggregateID: order.ID,
			Actor:       outbox.SystemActor(),
			Data: payloads.ShipmentFailedEvent{
				OrderID:  order.ID,
				Attempts: res.Attempts,
				Error:    res.Err.Error(),
				Hint:     hint,
			},
		})
	})
}
