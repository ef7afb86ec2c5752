package checkout

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/internal/inventory"
	pkgcheckout "github.com/angelmondragon/fulfillment-core/pkg/checkout"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/types"
)

// quote validates the address, cart and stock, prices the coupon and returns
// the snapshot the order will be built from.
func (s *service) quote(ctx context.Context, userID uuid.UUID, input PlaceInput, method enums.PaymentMethod) (types.CheckoutSnapshot, error) {
	if userID == uuid.Nil {
		return types.CheckoutSnapshot{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "user identity missing")
	}
	if err := pkgcheckout.ValidateAddress(input.Address); err != nil {
		return types.CheckoutSnapshot{}, err
	}

	record, err := s.carts.FindByUser(ctx, userID)
	if err != nil {
		return types.CheckoutSnapshot{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load cart")
	}
	items := cart.LineItems(record)
	if err := pkgcheckout.ValidateLines(items); err != nil {
		return types.CheckoutSnapshot{}, err
	}
	if err := s.checkStock(ctx, items); err != nil {
		return types.CheckoutSnapshot{}, err
	}

	snap := types.CheckoutSnapshot{
		UserID:          userID,
		PaymentMethod:   method,
		Items:           items,
		ShippingAddress: input.Address,
		SubtotalMinor:   items.Subtotal(),
	}
	snap.TotalMinor = snap.SubtotalMinor

	if code := strings.TrimSpace(input.CouponCode); code != "" {
		quote, err := s.coupons.Price(ctx, code, snap.SubtotalMinor, userID)
		if err != nil {
			return types.CheckoutSnapshot{}, err
		}
		snap.Coupon = quote.Applied()
		snap.DiscountMinor = quote.DiscountMinor
		snap.TotalMinor = quote.FinalMinor
	}
	return snap, nil
}

// checkStock sums the requested quantity per product size and compares it
// with the ledger. The check is advisory: the decrement at commit time does
// not re-check.
func (s *service) checkStock(ctx context.Context, items types.LineItems) error {
	requests := make([]inventory.StockRequest, 0, len(items))
	for _, item := range items {
		requests = append(requests, inventory.StockRequest{ProductID: item.ProductID, Size: item.Size, Qty: item.Quantity})
	}
	checks, err := s.ledger.Check(ctx, requests)
	if err != nil {
		return err
	}

	type key struct {
		product uuid.UUID
		size    string
	}
	byKey := map[key]*pkgcheckout.StockValidationInput{}
	order := make([]key, 0, len(checks))
	for i, check := range checks {
		k := key{product: check.ProductID, size: check.Size}
		entry, ok := byKey[k]
		if !ok {
			entry = &pkgcheckout.StockValidationInput{
				ProductID:   check.ProductID,
				ProductName: items[i].Name,
				Size:        check.Size,
				Available:   check.Available,
			}
			byKey[k] = entry
			order = append(order, k)
		}
		entry.Requested += check.Qty
	}
	inputs := make([]pkgcheckout.StockValidationInput, 0, len(order))
	for _, k := range order {
		inputs = append(inputs, *byKey[k])
	}
	return pkgcheckout.ValidateStock(inputs)
}
