package checkout

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/shipping"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

var addressValidator = validator.New(validator.WithRequiredStructEnabled())

// StockValidationInput describes one cart line checked against the ledger.
type StockValidationInput struct {
	ProductID   uuid.UUID
	ProductName string
	Size        string
	Requested   int
	Available   int
}

// StockShortfallDetail exposes the data returned to callers when stock is short.
type StockShortfallDetail struct {
	ProductID    uuid.UUID `json:"productId"`
	ProductName  string    `json:"productName,omitempty"`
	Size         string    `json:"size"`
	AvailableQty int       `json:"available"`
	RequestedQty int       `json:"requested"`
}

// ValidateStock ensures every line can be served from the available quantity.
func ValidateStock(items []StockValidationInput) error {
	var shortfalls []StockShortfallDetail
	for _, item := range items {
		if item.Requested <= item.Available {
			continue
		}
		shortfalls = append(shortfalls, StockShortfallDetail{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			Size:         item.Size,
			AvailableQty: item.Available,
			RequestedQty: item.Requested,
		})
	}
	if len(shortfalls) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("insufficient stock for %d item(s)", len(shortfalls))).WithDetails(map[string]any{
		"reason":     "insufficient_stock",
		"shortfalls": shortfalls,
	})
}

// ValidateLines rejects an empty cart and non-positive quantities.
func ValidateLines(items types.LineItems) error {
	if len(items) == 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "cart is empty").
			WithDetails(map[string]any{"reason": "cart_empty"})
	}
	for _, item := range items {
		if item.ProductID == uuid.Nil || strings.TrimSpace(item.Size) == "" {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart line is missing product or size")
		}
		if item.Quantity <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart line quantity must be positive")
		}
		if item.UnitPriceMinor < 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart line price must be non-negative")
		}
	}
	return nil
}

// ValidateAddress checks required fields and applies the same phone and
// pincode rules the shipping vendor enforces, so bad addresses fail before
// payment rather than at shipment creation.
func ValidateAddress(addr types.ShippingAddress) error {
	if err := addressValidator.Struct(addr); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		return pkgerrors.New(pkgerrors.CodeValidation, "shipping address is incomplete").
			WithDetails(map[string]any{"reason": "invalid_address", "fields": fields})
	}
	if strings.TrimSpace(addr.FullName) == "" || strings.TrimSpace(addr.Line1) == "" || strings.TrimSpace(addr.City) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "shipping address is incomplete").
			WithDetails(map[string]any{"reason": "invalid_address"})
	}
	if _, err := shipping.NormalizePhone(addr.Phone); err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, err.Error()).
			WithDetails(map[string]any{"reason": "invalid_phone"})
	}
	if _, err := shipping.NormalizePincode(addr.Pincode); err != nil {
		return pkgerrors.New(pkgerrors.CodeValidation, err.Error()).
			WithDetails(map[string]any{"reason": "invalid_pincode"})
	}
	return nil
}
