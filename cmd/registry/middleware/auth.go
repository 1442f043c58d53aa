package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user id
	UserIDKey ContextKey = "user_id"
)

// ExtractUser requires the X-User-ID header, parses it as a UUID and
// stores it in the request context. Every ownership route is
// user-scoped, so there is no anonymous variant.
func ExtractUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := c.Request().Header.Get("X-User-ID")
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-User-ID header is required",
				})
			}
			userID, err := uuid.Parse(raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-User-ID must be a UUID",
				})
			}
			c.Set(string(UserIDKey), userID)
			return next(c)
		}
	}
}

// RequireUserID retrieves the authenticated user id from the context.
func RequireUserID(c echo.Context) (uuid.UUID, error) {
	v := c.Get(string(UserIDKey))
	userID, ok := v.(uuid.UUID)
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return userID, nil
}
