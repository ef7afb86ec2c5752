package cart

import (
	"context"
	"errors"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository exposes persistence operations for carts.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a cart repository bound to the provided DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to a transaction.
func (r *Repository) WithTx(tx *gorm.DB) CartRepository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// FindByUser returns nil when the user has never added to a cart.
func (r *Repository) FindByUser(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	var cart models.Cart
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// Create inserts a new cart.
func (r *Repository) Create(ctx context.Context, cart *models.Cart) (*models.Cart, error) {
	if cart.ID == uuid.Nil {
		cart.ID = uuid.New()
	}
	if cart.Items == nil {
		cart.Items = []models.CartLine{}
	}
	if cart.SavedItems == nil {
		cart.SavedItems = []models.CartLine{}
	}
	if err := r.db.WithContext(ctx).Create(cart).Error; err != nil {
		return nil, err
	}
	return cart, nil
}

// Save persists the full cart row.
func (r *Repository) Save(ctx context.Context, cart *models.Cart) (*models.Cart, error) {
	if err := r.db.WithContext(ctx).Save(cart).Error; err != nil {
		return nil, err
	}
	return cart, nil
}

// Clear empties the active items and zeroes the totals; saved items stay. The
// cart row itself is kept.
func (r *Repository) Clear(ctx context.Context, userID uuid.UUID) error {
	cart, err := r.FindByUser(ctx, userID)
	if err != nil {
		return err
	}
	if cart == nil {
		return nil
	}
	cart.Items = []models.CartLine{}
	cart.ItemCount = 0
	cart.TotalMinor = 0
	_, err = r.Save(ctx, cart)
	return err
}

// ProductCatalog reads the catalog's products table.
type ProductCatalog struct {
	db *gorm.DB
}

// NewProductCatalog builds a Catalog backed by db.
func NewProductCatalog(db *gorm.DB) *ProductCatalog {
	return &ProductCatalog{db: db}
}

// FindProduct returns nil when the product does not exist.
func (c *ProductCatalog) FindProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	var product models.Product
	err := c.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}
