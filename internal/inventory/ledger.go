package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/repo"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/metrics"
)

// StockRequest asks for qty units of one product size.
type StockRequest struct {
	ProductID uuid.UUID
	Size      string
	Qty       int
}

// StockCheck is the outcome of an availability check for one request.
type StockCheck struct {
	StockRequest
	Available  int
	Sufficient bool
	Reason     string
}

// Ledger holds per product and size available counters. Mutations are atomic
// deltas; nothing is reserved, so a later decrement may drive a counter below
// zero.
type Ledger interface {
	WithTx(tx *gorm.DB) Ledger
	Available(ctx context.Context, productID uuid.UUID, size string) (int, error)
	Check(ctx context.Context, requests []StockRequest) ([]StockCheck, error)
	Decrement(ctx context.Context, productID uuid.UUID, size string, qty int) (int, error)
	Increment(ctx context.Context, productID uuid.UUID, size string, qty int) error
}

type ledger struct {
	repo.Base
	logg    *logger.Logger
	metrics *metrics.FulfillmentMetrics
}

// NewLedger builds a ledger bound to db. logg and m may be nil.
func NewLedger(db *gorm.DB, logg *logger.Logger, m *metrics.FulfillmentMetrics) Ledger {
	return &ledger{Base: repo.NewBase(db), logg: logg, metrics: m}
}

func (l *ledger) WithTx(tx *gorm.DB) Ledger {
	if tx == nil {
		return l
	}
	return &ledger{Base: repo.NewBase(tx), logg: l.logg, metrics: l.metrics}
}

// Available returns the counter for a product size; a missing row counts as zero.
func (l *ledger) Available(ctx context.Context, productID uuid.UUID, size string) (int, error) {
	var item models.InventoryItem
	err := l.DB(ctx).
		Where("product_id = ? AND size = ?", productID, normalizeSize(size)).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load inventory")
	}
	return item.AvailableQty, nil
}

// Check compares each request against current stock. Requests for the same
// product size are counted cumulatively in order.
func (l *ledger) Check(ctx context.Context, requests []StockRequest) ([]StockCheck, error) {
	type key struct {
		productID uuid.UUID
		size      string
	}
	remaining := map[key]int{}
	results := make([]StockCheck, 0, len(requests))
	for _, req := range requests {
		if req.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
		}
		k := key{productID: req.ProductID, size: normalizeSize(req.Size)}
		left, seen := remaining[k]
		if !seen {
			available, err := l.Available(ctx, req.ProductID, req.Size)
			if err != nil {
				return nil, err
			}
			left = available
		}
		check := StockCheck{StockRequest: req, Available: left}
		if left >= req.Qty {
			check.Sufficient = true
			left -= req.Qty
		} else {
			check.Reason = fmt.Sprintf("only %d left in size %s", max(left, 0), k.size)
		}
		remaining[k] = left
		results = append(results, check)
	}
	return results, nil
}

// Decrement subtracts qty and returns the resulting counter. A negative result
// is an accepted oversell and is logged, not rejected.
func (l *ledger) Decrement(ctx context.Context, productID uuid.UUID, size string, qty int) (int, error) {
	if qty <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	size = normalizeSize(size)
	res := l.DB(ctx).
		Model(&models.InventoryItem{}).
		Where("product_id = ? AND size = ?", productID, size).
		Update("available_qty", gorm.Expr("available_qty - ?", qty))
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "decrement inventory")
	}
	if res.RowsAffected == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no inventory for product %s size %s", productID, size))
	}

	var item models.InventoryItem
	if err := l.DB(ctx).
		Where("product_id = ? AND size = ?", productID, size).
		First(&item).Error; err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload inventory")
	}
	if item.AvailableQty < 0 {
		if l.logg != nil {
			logCtx := l.logg.WithFields(ctx, map[string]any{
				"product_id":    productID.String(),
				"size":          size,
				"available_qty": item.AvailableQty,
			})
			l.logg.Warn(logCtx, "inventory oversold")
		}
		l.metrics.IncOversell()
	}
	return item.AvailableQty, nil
}

// Increment restores qty units. A missing product or size is logged and ignored.
func (l *ledger) Increment(ctx context.Context, productID uuid.UUID, size string, qty int) error {
	if qty <= 0 {
		return nil
	}
	size = normalizeSize(size)
	res := l.DB(ctx).
		Model(&models.InventoryItem{}).
		Where("product_id = ? AND size = ?", productID, size).
		Update("available_qty", gorm.Expr("available_qty + ?", qty))
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "increment inventory")
	}
	if res.RowsAffected == 0 && l.logg != nil {
		logCtx := l.logg.WithFields(ctx, map[string]any{
			"product_id": productID.String(),
			"size":       size,
			"qty":        qty,
		})
		l.logg.Warn(logCtx, "inventory row missing on restore; skipped")
	}
	return nil
}

func normalizeSize(size string) string {
	return strings.TrimSpace(size)
}
