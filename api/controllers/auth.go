package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/fulfillment-core/api/middleware"
	"github.com/angelmondragon/fulfillment-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/fulfillment-core/pkg/errors"
)

func requireUser(r *http.Request) (uuid.UUID, error) {
	userID, ok := middleware.UserUUIDFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "authentication required")
	}
	return userID, nil
}

func isAdmin(r *http.Request) bool {
	return middleware.RoleFromContext(r.Context()) == enums.RoleAdmin
}
