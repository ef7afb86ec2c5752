package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox"
	"github.com/angelmondragon/fulfillment-core/pkg/outbox/payloads"
	"github.com/angelmondragon/fulfillment-core/pkg/pagination"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines order reads and status changes after materialization.
type Service interface {
	Get(ctx context.Context, viewer Viewer, orderID uuid.UUID) (*models.Order, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error)
	ListReconciliation(ctx context.Context, params pagination.Params) (*OrderList, error)
	Transition(ctx context.Context, input TransitionInput) (*models.Order, bool, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, order *models.Order, input TransitionInput) (bool, error)
	RequestReturn(ctx context.Context, userID, orderID uuid.UUID, reason string) (*models.Order, error)
	AppendNote(ctx context.Context, orderID uuid.UUID, note types.OperatorNote, flagReconciliation bool) error
}

type service struct {
	repo         Repository
	tx           txRunner
	outbox       outbox.Emitter
	logg         *logger.Logger
	returnWindow time.Duration
	now          func() time.Time
}

// NewService builds the order service with the required dependencies.
func NewService(repo Repository, tx txRunner, emitter outbox.Emitter, logg *logger.Logger, returnWindow time.Duration) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if emitter == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if returnWindow <= 0 {
		return nil, fmt.Errorf("return window must be positive")
	}
	return &service{
		repo:         repo,
		tx:           tx,
		outbox:       emitter,
		logg:         logg,
		returnWindow: returnWindow,
		now:          time.Now,
	}, nil
}

// Get loads an order with its history. Non-admin viewers only see their own.
func (s *service) Get(ctx context.Context, viewer Viewer, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if !viewer.Admin && order.UserID != viewer.UserID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
	}
	history, err := s.repo.ListHistory(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order history")
	}
	order.History = history
	return order, nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	list, err := s.repo.ListByUser(ctx, userID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "list orders")
	}
	return list, nil
}

func (s *service) ListReconciliation(ctx context.Context, params pagination.Params) (*OrderList, error) {
	list, err := s.repo.ListNeedsReconciliation(ctx, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "list reconciliation orders")
	}
	return list, nil
}

// Transition locks the order and applies the status change. changed is false
// when the order already sits in the target status.
func (s *service) Transition(ctx context.Context, input TransitionInput) (*models.Order, bool, error) {
	if input.OrderID == uuid.Nil {
		return nil, false, pkgerrors.New(pkgerrors.CodeValidation, "order id required")
	}
	var (
		order   *models.Order
		changed bool
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = s.repo.WithTx(tx).FindByIDForUpdate(ctx, input.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		changed, err = s.TransitionTx(ctx, tx, order, input)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return order, changed, nil
}

// TransitionTx applies a status change to an order the caller already holds
// inside tx: it saves the row, appends a history entry and queues an
// order_status_changed event.
func (s *service) TransitionTx(ctx context.Context, tx *gorm.DB, order *models.Order, input TransitionInput) (bool, error) {
	if order == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if !input.To.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "invalid target status")
	}
	from := order.Status
	if from == input.To {
		return false, nil
	}
	if !CanTransition(from, input.To) {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "status change not allowed").
			WithDetails(map[string]any{"from": from, "to": input.To})
	}

	now := s.now().UTC()
	order.Status = input.To
	switch input.To {
	case enums.OrderStatusDelivered:
		if order.DeliveredAt == nil {
			order.DeliveredAt = &now
		}
	case enums.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
	if input.Mutate != nil {
		input.Mutate(order)
	}

	repo := s.repo.WithTx(tx)
	if err := repo.Save(ctx, order); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update order status")
	}
	actor := input.actor()
	if err := repo.AppendHistory(ctx, &models.OrderStatusHistory{
		OrderID:   order.ID,
		Status:    input.To,
		Actor:     actor.Actor,
		Reason:    input.Reason,
		CreatedAt: now,
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "append order history")
	}
	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:   enums.EventOrderStatusChanged,
		AggregateID: order.ID,
		Actor:       actor,
		Data: payloads.OrderStatusChangedEvent{
			OrderID: order.ID,
			From:    from,
			To:      input.To,
			Actor:   actor.Actor,
			Note:    input.Reason,
		},
	}); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit status change")
	}

	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"order_id": order.ID.String(),
			"from":     from,
			"to":       input.To,
			"actor":    actor.Actor,
		})
		s.logg.Info(logCtx, "order status changed")
	}
	return true, nil
}

// RequestReturn moves a delivered order to return_requested while the return
// window is open. No refund is triggered here.
func (s *service) RequestReturn(ctx context.Context, userID, orderID uuid.UUID, reason string) (*models.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "return reason is required")
	}

	var order *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		order, err = s.repo.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		if order.UserID != userID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
		}
		if order.Status != enums.OrderStatusDelivered || order.DeliveredAt == nil {
			return pkgerrors.New(pkgerrors.CodeIneligible, "only delivered orders can be returned")
		}
		now := s.now()
		if now.After(order.DeliveredAt.Add(s.returnWindow)) {
			return pkgerrors.New(pkgerrors.CodeIneligible, "return window has closed")
		}

		actor := outbox.UserActor(userID)
		if _, err := s.TransitionTx(ctx, tx, order, TransitionInput{
			OrderID: order.ID,
			To:      enums.OrderStatusReturnRequested,
			Actor:   actor,
			Reason:  reason,
			Mutate: func(o *models.Order) {
				o.ReturnReason = &reason
			},
		}); err != nil {
			return err
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:   enums.EventReturnRequested,
			AggregateID: order.ID,
			Actor:       actor,
			Data: payloads.ReturnRequestedEvent{
				OrderID:     order.ID,
				Reason:      reason,
				RequestedAt: now.UTC(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// AppendNote adds an operator note and optionally flags the order for
// reconciliation. Status is left untouched.
func (s *service) AppendNote(ctx context.Context, orderID uuid.UUID, note types.OperatorNote, flagReconciliation bool) error {
	if strings.TrimSpace(note.Message) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "note message is required")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = s.now().UTC()
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := repo.FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
		}
		if order == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		order.OperatorNotes = append(order.OperatorNotes, note)
		if flagReconciliation {
			order.NeedsReconciliation = true
		}
		if err := repo.Save(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save operator note")
		}
		return nil
	})
}
