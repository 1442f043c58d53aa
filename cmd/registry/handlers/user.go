package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/artregistry/provenance/cmd/registry/container"
	"github.com/artregistry/provenance/cmd/registry/middleware"
	"github.com/artregistry/provenance/cmd/registry/service"
	"github.com/artregistry/provenance/common/bootstrap"
)

// UserHandler handles account lifecycle hooks that feed the engine
type UserHandler struct {
	components *bootstrap.Components
	identity   *service.IdentityService
	registry   *service.RegistryService
	transition *service.TransitionService
}

// NewUserHandler creates a new user handler
func NewUserHandler(c *container.Container) *UserHandler {
	return &UserHandler{
		components: c.Components,
		identity:   c.IdentityService,
		registry:   c.RegistryService,
		transition: c.TransitionService,
	}
}

// Register creates an account and replays any transfers that were
// deferred to this email address
// POST /api/v1/users
func (h *UserHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	var req struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Email == "" {
		return badRequest(c, "email is required")
	}

	user, err := h.identity.Register(ctx, req.Email)
	if err != nil {
		h.components.Logger.Error("failed to register user", "error", err)
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error": "registration failed",
		})
	}

	replayed, err := h.transition.ReplayPendingActions(ctx, user.UserID)
	if err != nil {
		h.components.Logger.Error("failed to replay deferred actions",
			"user_id", user.UserID, "error", err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"user":             user,
		"replayed_actions": len(replayed),
	})
}

// ResetCredentials marks the user's signing credentials as rotated so
// the next outgoing action migrates their anchors
// POST /api/v1/users/credentials/reset
func (h *UserHandler) ResetCredentials(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	if err := h.identity.RecordCredentialReset(ctx, userID); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Permissions lists every permission record the user holds
// GET /api/v1/users/permissions
func (h *UserHandler) Permissions(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	records, err := h.registry.PermissionsForUser(ctx, userID, 500)
	if err != nil {
		h.components.Logger.Error("failed to list permissions", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"permissions": records,
	})
}
