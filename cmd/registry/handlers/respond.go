package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/artregistry/provenance/cmd/registry/service"
)

// respondError maps the service error taxonomy onto HTTP statuses.
// Guard failures resolve synchronously here; ledger failures never
// reach this path, they are recorded on the action instead.
func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "not found",
		})
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": "conflicting pending action",
		})
	case errors.Is(err, service.ErrActionNotPending):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": "action is not pending",
		})
	case service.IsPermissionDenied(err):
		return c.JSON(http.StatusForbidden, map[string]interface{}{
			"error": err.Error(),
		})
	case service.IsInvalidCounterparty(err):
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error": err.Error(),
		})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "internal error",
		})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": msg,
	})
}
