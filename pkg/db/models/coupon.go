package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/fulfillment-core/pkg/enums"
)

// Coupon codes are stored upper-cased. DiscountValue is a percentage for
// percentage coupons and minor units for fixed coupons.
type Coupon struct {
	ID                uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	Code              string             `gorm:"column:code;not null;uniqueIndex"`
	DiscountType      enums.DiscountType `gorm:"column:discount_type;not null"`
	DiscountValue     decimal.Decimal    `gorm:"column:discount_value;type:numeric(12,2);not null"`
	MinPurchaseMinor  *int64             `gorm:"column:min_purchase_minor"`
	MaxDiscountMinor  *int64             `gorm:"column:max_discount_minor"`
	UsageLimit        *int               `gorm:"column:usage_limit"`
	UsageCount        int                `gorm:"column:usage_count;not null;default:0"`
	ValidFrom         *time.Time         `gorm:"column:valid_from"`
	ValidUntil        *time.Time         `gorm:"column:valid_until"`
	FirstPurchaseOnly bool               `gorm:"column:first_purchase_only;not null;default:false"`
	OncePerAccount    bool               `gorm:"column:once_per_account;not null;default:false"`
	IsActive          bool               `gorm:"column:is_active;not null;default:true"`
	CreatedAt         time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// CouponUsage is the append-only usage log.
type CouponUsage struct {
	ID       uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	CouponID uuid.UUID `gorm:"column:coupon_id;type:uuid;not null;index"`
	UserID   uuid.UUID `gorm:"column:user_id;type:uuid;not null;index"`
	OrderID  uuid.UUID `gorm:"column:order_id;type:uuid;not null"`
	UsedAt   time.Time `gorm:"column:used_at;not null"`
}
