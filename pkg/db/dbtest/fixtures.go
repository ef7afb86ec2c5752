package dbtest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// Address returns a shipping address that passes vendor normalization.
func Address() types.ShippingAddress {
	return types.ShippingAddress{
		FullName: "Asha Verma",
		Phone:    "+91 98765 43210",
		Line1:    "12 MG Road",
		City:     "Bengaluru",
		State:    "Karnataka",
		Pincode:  "560001",
		Country:  "India",
	}
}

// SeedOrder inserts a confirmed COD order for a new user. mutate adjusts the
// row before it is written.
func SeedOrder(t testing.TB, db *gorm.DB, mutate func(order *models.Order)) models.Order {
	t.Helper()
	now := time.Now().UTC()
	id := uuid.New()
	userID := uuid.New()
	items := types.LineItems{{
		ProductID:      uuid.New(),
		Name:           "Linen Shirt",
		Size:           "M",
		Quantity:       2,
		UnitPriceMinor: 50000,
	}}
	order := models.Order{
		ID:                   id,
		OrderNumber:          "ORD-" + id.String()[:13],
		UserID:               userID,
		Items:                items,
		ShippingAddress:      Address(),
		SubtotalMinor:        items.Subtotal(),
		TotalMinor:           items.Subtotal(),
		Currency:             "INR",
		PaymentMethod:        enums.PaymentMethodCOD,
		PaymentStatus:        enums.PaymentStatusPending,
		Status:               enums.OrderStatusConfirmed,
		OperatorNotes:        types.OperatorNotes{},
		CancellationDeadline: now.Add(24 * time.Hour),
		CreatedAt:            now,
	}
	if mutate != nil {
		mutate(&order)
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}

// SeedStock inserts an inventory row.
func SeedStock(t testing.TB, db *gorm.DB, productID uuid.UUID, size string, qty int) {
	t.Helper()
	if err := db.Create(&models.InventoryItem{ProductID: productID, Size: size, AvailableQty: qty}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
}
