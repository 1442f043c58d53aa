package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/artregistry/provenance/cmd/registry/container"
	"github.com/artregistry/provenance/cmd/registry/handlers"
	"github.com/artregistry/provenance/cmd/registry/middleware"
)

// RegisterPieceRoutes registers piece and edition routes
func RegisterPieceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewPieceHandler(c)

	pieces := e.Group("/api/v1/pieces")
	pieces.Use(middleware.ExtractUser())
	{
		pieces.POST("", h.RegisterPiece)
		pieces.GET("", h.ListPieces)
		pieces.GET("/:piece_id", h.GetPiece)
		pieces.PATCH("/:piece_id/metadata", h.PatchPieceMetadata)
		pieces.POST("/:piece_id/editions", h.CreateEditions)
		pieces.GET("/:piece_id/editions", h.ListEditions)
		pieces.GET("/:piece_id/history", h.PieceHistory)
	}

	editions := e.Group("/api/v1/editions")
	editions.Use(middleware.ExtractUser())
	{
		editions.GET("/:edition_id", h.GetEdition)
		editions.GET("/:edition_id/history", h.EditionHistory)
	}
}

// RegisterActionRoutes registers the transition engine routes
func RegisterActionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewActionHandler(c)

	actions := e.Group("/api/v1/actions")
	actions.Use(middleware.ExtractUser())
	{
		actions.POST("/transfers", h.RequestTransfer)
		actions.POST("/consignments", h.RequestConsignment)
		actions.POST("/unconsignments", h.RequestUnconsignment)
		actions.POST("/loans", h.RequestLoan)
		actions.POST("/shares", h.RequestShare)
		actions.POST("/unshare", h.Unshare)
		actions.GET("", h.UserHistory)
		actions.GET("/:action_id", h.GetAction)
		actions.POST("/:action_id/:verb", h.Respond)
	}
}

// RegisterUserRoutes registers account lifecycle routes
func RegisterUserRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewUserHandler(c)

	users := e.Group("/api/v1/users")
	{
		users.POST("", h.Register)
	}

	authed := e.Group("/api/v1/users")
	authed.Use(middleware.ExtractUser())
	{
		authed.POST("/credentials/reset", h.ResetCredentials)
		authed.GET("/permissions", h.Permissions)
	}
}
