package cart

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type stockReader interface {
	Available(ctx context.Context, productID uuid.UUID, size string) (int, error)
}

// Service exposes cart mutations. Every mutation keeps ItemCount and
// TotalMinor in step with the active items.
type Service interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.Cart, error)
	AddItem(ctx context.Context, userID uuid.UUID, input AddItemInput) (*models.Cart, error)
	RemoveItem(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error)
	SaveForLater(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error)
	MoveToCart(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error)
	Clear(ctx context.Context, userID uuid.UUID) error
}

// AddItemInput is a request to put quantity units of a product size in the cart.
type AddItemInput struct {
	ProductID uuid.UUID
	Size      string
	Quantity  int
}

type service struct {
	repo    CartRepository
	catalog Catalog
	stock   stockReader
	tx      txRunner
	logg    *logger.Logger
}

// NewService builds a cart service backed by the provided stack.
func NewService(repo CartRepository, catalog Catalog, stock stockReader, tx txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	if stock == nil {
		return nil, fmt.Errorf("stock reader required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, catalog: catalog, stock: stock, tx: tx, logg: logg}, nil
}

// Get returns the user's cart, or an empty unsaved cart when none exists yet.
func (s *service) Get(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	cart, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
	}
	if cart == nil {
		return emptyCart(userID), nil
	}
	return cart, nil
}

func (s *service) AddItem(ctx context.Context, userID uuid.UUID, input AddItemInput) (*models.Cart, error) {
	size := strings.TrimSpace(input.Size)
	if userID == uuid.Nil || input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and product id are required")
	}
	if size == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "size is required")
	}
	if input.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	product, err := s.activeProduct(ctx, input.ProductID)
	if err != nil {
		return nil, err
	}

	var result *models.Cart
	err = s.mutate(ctx, userID, func(ctx context.Context, cart *models.Cart) error {
		wanted := input.Quantity
		if idx := findLine(cart.Items, input.ProductID, size); idx >= 0 {
			wanted += cart.Items[idx].Quantity
		}
		available, err := s.stock.Available(ctx, input.ProductID, size)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read stock")
		}
		if available < wanted {
			return pkgerrors.New(pkgerrors.CodeValidation, "insufficient stock").
				WithDetails(map[string]any{"productId": input.ProductID, "size": size, "available": available})
		}

		line := models.CartLine{
			ProductID:      product.ID,
			Name:           product.Name,
			Size:           size,
			Quantity:       input.Quantity,
			UnitPriceMinor: product.PriceMinor,
			Image:          product.ImageURL,
		}
		addActive(cart, line)
		result = cart
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) RemoveItem(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error) {
	var result *models.Cart
	err := s.mutate(ctx, userID, func(_ context.Context, cart *models.Cart) error {
		if _, ok := removeActive(cart, productID, strings.TrimSpace(size)); !ok {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		result = cart
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveForLater moves an active line to the saved list.
func (s *service) SaveForLater(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error) {
	var result *models.Cart
	err := s.mutate(ctx, userID, func(_ context.Context, cart *models.Cart) error {
		line, ok := removeActive(cart, productID, strings.TrimSpace(size))
		if !ok {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		if idx := findLine(cart.SavedItems, line.ProductID, line.Size); idx >= 0 {
			cart.SavedItems[idx].Quantity += line.Quantity
		} else {
			cart.SavedItems = append(cart.SavedItems, line)
		}
		result = cart
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MoveToCart moves a saved line back to the active items at the current
// catalog price.
func (s *service) MoveToCart(ctx context.Context, userID, productID uuid.UUID, size string) (*models.Cart, error) {
	size = strings.TrimSpace(size)
	product, err := s.activeProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	var result *models.Cart
	err = s.mutate(ctx, userID, func(_ context.Context, cart *models.Cart) error {
		idx := findLine(cart.SavedItems, productID, size)
		if idx < 0 {
			return pkgerrors.New(pkgerrors.CodeNotFound, "saved item not found")
		}
		line := cart.SavedItems[idx]
		cart.SavedItems = append(cart.SavedItems[:idx], cart.SavedItems[idx+1:]...)
		line.Name = product.Name
		line.UnitPriceMinor = product.PriceMinor
		line.Image = product.ImageURL
		addActive(cart, line)
		result = cart
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.repo.Clear(ctx, userID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "clear cart")
	}
	return nil
}

// LineItems converts the active cart lines into order line items.
func LineItems(cart *models.Cart) types.LineItems {
	if cart == nil {
		return nil
	}
	items := make(types.LineItems, 0, len(cart.Items))
	for _, line := range cart.Items {
		items = append(items, types.LineItem{
			ProductID:      line.ProductID,
			Name:           line.Name,
			Size:           line.Size,
			Quantity:       line.Quantity,
			UnitPriceMinor: line.UnitPriceMinor,
			Image:          line.Image,
		})
	}
	return items
}

func (s *service) activeProduct(ctx context.Context, productID uuid.UUID) (*models.Product, error) {
	product, err := s.catalog.FindProduct(ctx, productID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product")
	}
	if product == nil || !product.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}
	return product, nil
}

// mutate loads (or lazily creates) the cart inside a transaction, applies fn
// and saves the result.
func (s *service) mutate(ctx context.Context, userID uuid.UUID, fn func(ctx context.Context, cart *models.Cart) error) error {
	if userID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		cart, err := repo.FindByUser(ctx, userID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
		}
		if cart == nil {
			cart, err = repo.Create(ctx, emptyCart(userID))
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create cart")
			}
			if s.logg != nil {
				s.logg.Info(s.logg.WithUserID(ctx, userID.String()), "cart created")
			}
		}
		if err := fn(ctx, cart); err != nil {
			return err
		}
		if _, err := repo.Save(ctx, cart); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save cart")
		}
		return nil
	})
}

func emptyCart(userID uuid.UUID) *models.Cart {
	return &models.Cart{
		UserID:     userID,
		Items:      []models.CartLine{},
		SavedItems: []models.CartLine{},
	}
}

func findLine(lines []models.CartLine, productID uuid.UUID, size string) int {
	for i, line := range lines {
		if line.ProductID == productID && line.Size == size {
			return i
		}
	}
	return -1
}

// addActive merges line into the active items. A merged line keeps the price
// it was first captured at.
func addActive(cart *models.Cart, line models.CartLine) {
	if idx := findLine(cart.Items, line.ProductID, line.Size); idx >= 0 {
		cart.Items[idx].Quantity += line.Quantity
		cart.ItemCount += line.Quantity
		cart.TotalMinor += int64(line.Quantity) * cart.Items[idx].UnitPriceMinor
		return
	}
	cart.Items = append(cart.Items, line)
	cart.ItemCount += line.Quantity
	cart.TotalMinor += int64(line.Quantity) * line.UnitPriceMinor
}

func removeActive(cart *models.Cart, productID uuid.UUID, size string) (models.CartLine, bool) {
	idx := findLine(cart.Items, productID, size)
	if idx < 0 {
		return models.CartLine{}, false
	}
	line := cart.Items[idx]
	cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	cart.ItemCount -= line.Quantity
	cart.TotalMinor -= int64(line.Quantity) * line.UnitPriceMinor
	return line, true
}
