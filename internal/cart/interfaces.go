package cart

import (
	"context"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CartRepository defines the persistence surface required by the cart service.
type CartRepository interface {
	WithTx(tx *gorm.DB) CartRepository
	FindByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error)
	Create(ctx context.Context, cart *models.Cart) (*models.Cart, error)
	Save(ctx context.Context, cart *models.Cart) (*models.Cart, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

// Catalog resolves the current price and display data of a product.
type Catalog interface {
	FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error)
}
