package coupons

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/internal/repo"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// Repository is the coupon and usage-log store.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByCode(ctx context.Context, code string) (*models.Coupon, error)
	HasUsage(ctx context.Context, couponID, userID uuid.UUID) (bool, error)
	CountPlacedOrders(ctx context.Context, userID uuid.UUID) (int64, error)
	IncrementUsage(ctx context.Context, couponID uuid.UUID) error
	AppendUsage(ctx context.Context, usage *models.CouponUsage) error
}

type repository struct {
	repo.Base
}

// NewRepository builds a coupon repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{Base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{Base: repo.NewBase(tx)}
}

// FindByCode returns nil when no coupon carries the code.
func (r *repository) FindByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := r.DB(ctx).Where("code = ?", NormalizeCode(code)).First(&coupon).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

func (r *repository) HasUsage(ctx context.Context, couponID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.DB(ctx).
		Model(&models.CouponUsage{}).
		Where("coupon_id = ? AND user_id = ?", couponID, userID).
		Count(&count).Error
	return count > 0, err
}

// CountPlacedOrders counts the user's orders that were not cancelled or failed.
// Open orders count too, so a first-order coupon cannot be stacked across
// several unfinished checkouts.
func (r *repository) CountPlacedOrders(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.DB(ctx).
		Model(&models.Order{}).
		Where("user_id = ? AND status NOT IN ?", userID, []enums.OrderStatus{enums.OrderStatusCancelled, enums.OrderStatusFailed}).
		Count(&count).Error
	return count, err
}

func (r *repository) IncrementUsage(ctx context.Context, couponID uuid.UUID) error {
	return r.DB(ctx).
		Model(&models.Coupon{}).
		Where("id = ?", couponID).
		Update("usage_count", gorm.Expr("usage_count + 1")).Error
}

func (r *repository) AppendUsage(ctx context.Context, usage *models.CouponUsage) error {
	if usage.ID == uuid.Nil {
		usage.ID = uuid.New()
	}
	if usage.UsedAt.IsZero() {
		usage.UsedAt = time.Now().UTC()
	}
	return r.DB(ctx).Create(usage).Error
}

// NormalizeCode upper-cases and trims a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
