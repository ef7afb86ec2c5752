package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is the read-only view of the catalog owned by the catalog service.
type Product struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Name       string    `gorm:"column:name;not null"`
	PriceMinor int64     `gorm:"column:price_minor;not null"`
	ImageURL   string    `gorm:"column:image_url;not null;default:''"`
	IsActive   bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
