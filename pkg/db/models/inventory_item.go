package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryItem holds the available count for one product size. There is no
// reserved column; checkout commits with an atomic delta.
type InventoryItem struct {
	ProductID    uuid.UUID `gorm:"column:product_id;type:uuid;primaryKey"`
	Size         string    `gorm:"column:size;primaryKey"`
	AvailableQty int       `gorm:"column:available_qty;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
