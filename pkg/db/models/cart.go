package models

import (
	"time"

	"github.com/google/uuid"
)

// CartLine is a cart entry; the price is captured when the line is added.
type CartLine struct {
	ProductID      uuid.UUID `json:"productId"`
	Name           string    `json:"name"`
	Size           string    `json:"size"`
	Quantity       int       `json:"quantity"`
	UnitPriceMinor int64     `json:"unitPrice"`
	Image          string    `json:"image,omitempty"`
}

// Cart keeps ItemCount and TotalMinor in step with Items on every mutation.
type Cart struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	UserID     uuid.UUID  `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	Items      []CartLine `gorm:"column:items;type:jsonb;serializer:json;not null"`
	SavedItems []CartLine `gorm:"column:saved_items;type:jsonb;serializer:json;not null"`
	ItemCount  int        `gorm:"column:item_count;not null;default:0"`
	TotalMinor int64      `gorm:"column:total_minor;not null;default:0"`
	CreatedAt  time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}
