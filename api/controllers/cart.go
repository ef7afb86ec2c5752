package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/api/responses"
	"github.com/angelmondragon/fulfillment-core/api/validators"
	"github.com/angelmondragon/fulfillment-core/internal/cart"
	"github.com/angelmondragon/fulfillment-core/pkg/db/models"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
	"github.com/angelmondragon/fulfillment-core/pkg/logger"
)

type addCartItemRequest struct {
	ProductID uuid.UUID `json:"productId" validate:"required"`
	Size      string    `json:"size" validate:"required,max=16"`
	Quantity  int       `json:"quantity" validate:"required,min=1,max=10"`
}

func GetCart(svc cart.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		c, err := svc.Get(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCartDTO(c))
	}
}

func AddCartItem(svc cart.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req addCartItemRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		c, err := svc.AddItem(r.Context(), userID, cart.AddItemInput{
			ProductID: req.ProductID,
			Size:      validators.SanitizeString(req.Size, 16),
			Quantity:  req.Quantity,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCartDTO(c))
	}
}

type lineMutation func(svc cart.Service, r *http.Request, userID, productID uuid.UUID, size string) (*models.Cart, error)

// cartLineHandler serves the routes keyed by /{productId}/{size}.
func cartLineHandler(svc cart.Service, logg *logger.Logger, mutate lineMutation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "cart service unavailable"))
			return
		}
		userID, err := requireUser(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		productID, err := validators.ParseUUIDParam(r, "productId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		size, err := validators.ParseStringParam(r, "size")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		c, err := mutate(svc, r, userID, productID, size)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, toCartDTO(c))
	}
}

func RemoveCartItem(svc cart.Service, logg *logger.Logger) http.HandlerFunc {
	return cartLineHandler(svc, logg, func(svc cart.Service, r *http.Request, userID, productID uuid.UUID, size string) (*models.Cart, error) {
		return svc.RemoveItem(r.Context(), userID, productID, size)
	})
}

func SaveCartItemForLater(svc cart.Service, logg *logger.Logger) http.HandlerFunc {
	return cartLineHandler(svc, logg, func(svc cart.Service, r *http.Request, userID, productID uuid.UUID, size string) (*models.Cart, error) {
		return svc.SaveForLater(r.Context(), userID, productID, size)
	})
}

func MoveSavedItemToCart(svc cart.Service, logg *logger.Logger) http.HandlerFunc {
	return cartLineHandler(svc, logg, func(svc cart.Service, r *http.Request, userID, productID uuid.UUID, size string) (*models.Cart, error) {
		return svc.MoveToCart(r.Context(), userID, productID, size)
	})
}
