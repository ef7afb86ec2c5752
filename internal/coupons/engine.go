package coupons

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Reason explains why a coupon was rejected. Each validation step has its own.
type Reason string

const (
	ReasonNotFound        Reason = "coupon_not_found"
	ReasonExpired         Reason = "coupon_expired"
	ReasonNotYetValid     Reason = "coupon_not_yet_valid"
	ReasonUsageExhausted  Reason = "coupon_usage_exhausted"
	ReasonBelowMinimum    Reason = "coupon_min_purchase_not_met"
	ReasonFirstOrderOnly  Reason = "coupon_first_order_only"
	ReasonAlreadyRedeemed Reason = "coupon_already_redeemed"
)

var reasonMessages = map[Reason]string{
	ReasonNotFound:        "coupon code is invalid",
	ReasonExpired:         "coupon has expired",
	ReasonNotYetValid:     "coupon is not active yet",
	ReasonUsageExhausted:  "coupon usage limit reached",
	ReasonBelowMinimum:    "cart total is below the coupon minimum",
	ReasonFirstOrderOnly:  "coupon is valid on the first order only",
	ReasonAlreadyRedeemed: "coupon already used on this account",
}

var hundred = decimal.NewFromInt(100)

// Quote is the priced result of a valid coupon.
type Quote struct {
	CouponID      uuid.UUID
	Code          string
	Type          enums.DiscountType
	Value         decimal.Decimal
	DiscountMinor int64
	FinalMinor    int64
}

// Applied is the snapshot stored on the order.
func (q *Quote) Applied() *types.AppliedCoupon {
	if q == nil {
		return nil
	}
	return &types.AppliedCoupon{
		Code:          q.Code,
		Type:          q.Type,
		Value:         q.Value.String(),
		DiscountMinor: q.DiscountMinor,
	}
}

// Engine prices coupons and records their usage.
type Engine interface {
	Price(ctx context.Context, code string, cartTotalMinor int64, userID uuid.UUID) (*Quote, error)
	RecordUsage(ctx context.Context, code string, userID, orderID uuid.UUID) error
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type engine struct {
	repo Repository
	tx   txRunner
	logg *logger.Logger
	now  func() time.Time
}

// NewEngine builds the coupon engine.
func NewEngine(repo Repository, tx txRunner, logg *logger.Logger) (Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("coupon repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	return &engine{repo: repo, tx: tx, logg: logg, now: time.Now}, nil
}

// Rejected builds the validation error returned for reason.
func Rejected(reason Reason) error {
	return pkgerrors.New(pkgerrors.CodeValidation, reasonMessages[reason]).
		WithDetails(map[string]any{"reason": string(reason)})
}

// ReasonOf extracts the rejection reason from an error returned by Price.
func ReasonOf(err error) (Reason, bool) {
	typed := pkgerrors.As(err)
	if typed == nil {
		return "", false
	}
	details, ok := typed.Details().(map[string]any)
	if !ok {
		return "", false
	}
	reason, ok := details["reason"].(string)
	return Reason(reason), ok
}

// Price validates the code in a fixed order, stopping at the first failure,
// then computes the discount.
func (e *engine) Price(ctx context.Context, code string, cartTotalMinor int64, userID uuid.UUID) (*Quote, error) {
	if NormalizeCode(code) == "" {
		return nil, Rejected(ReasonNotFound)
	}
	coupon, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load coupon")
	}
	if coupon == nil || !coupon.IsActive {
		return nil, Rejected(ReasonNotFound)
	}

	now := e.now()
	if coupon.ValidUntil != nil && !coupon.ValidUntil.After(now) {
		return nil, Rejected(ReasonExpired)
	}
	if coupon.ValidFrom != nil && coupon.ValidFrom.After(now) {
		return nil, Rejected(ReasonNotYetValid)
	}
	if coupon.UsageLimit != nil && coupon.UsageCount >= *coupon.UsageLimit {
		return nil, Rejected(ReasonUsageExhausted)
	}
	if coupon.MinPurchaseMinor != nil && cartTotalMinor < *coupon.MinPurchaseMinor {
		return nil, Rejected(ReasonBelowMinimum)
	}
	if coupon.FirstPurchaseOnly {
		placed, err := e.repo.CountPlacedOrders(ctx, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "count orders")
		}
		if placed > 0 {
			return nil, Rejected(ReasonFirstOrderOnly)
		}
	}
	if coupon.OncePerAccount {
		used, err := e.repo.HasUsage(ctx, coupon.ID, userID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load coupon usage")
		}
		if used {
			return nil, Rejected(ReasonAlreadyRedeemed)
		}
	}

	discount := ComputeDiscount(coupon, cartTotalMinor)
	return &Quote{
		CouponID:      coupon.ID,
		Code:          coupon.Code,
		Type:          coupon.DiscountType,
		Value:         coupon.DiscountValue,
		DiscountMinor: discount,
		FinalMinor:    cartTotalMinor - discount,
	}, nil
}

// ComputeDiscount applies the coupon formula. Percentages round half up to the
// nearest minor unit and respect the cap; fixed amounts never exceed the total.
func ComputeDiscount(coupon *models.Coupon, cartTotalMinor int64) int64 {
	if coupon == nil || cartTotalMinor <= 0 {
		return 0
	}
	var discount int64
	switch coupon.DiscountType {
	case enums.DiscountTypePercentage:
		discount = decimal.NewFromInt(cartTotalMinor).
			Mul(coupon.DiscountValue).
			Div(hundred).
			Round(0).
			IntPart()
		if coupon.MaxDiscountMinor != nil && discount > *coupon.MaxDiscountMinor {
			discount = *coupon.MaxDiscountMinor
		}
	case enums.DiscountTypeFixed:
		discount = coupon.DiscountValue.Round(0).IntPart()
	}
	if discount < 0 {
		discount = 0
	}
	if discount > cartTotalMinor {
		discount = cartTotalMinor
	}
	return discount
}

// RecordUsage bumps the counter and appends to the usage log.
func (e *engine) RecordUsage(ctx context.Context, code string, userID, orderID uuid.UUID) error {
	coupon, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		return err
	}
	if coupon == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "coupon not found")
	}
	return e.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.repo.WithTx(tx)
		if err := repo.IncrementUsage(ctx, coupon.ID); err != nil {
			return err
		}
		return repo.AppendUsage(ctx, &models.CouponUsage{
			CouponID: coupon.ID,
			UserID:   userID,
			OrderID:  orderID,
			UsedAt:   e.now().UTC(),
		})
	})
}
