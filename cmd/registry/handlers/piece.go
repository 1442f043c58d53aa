package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/artregistry/provenance/cmd/registry/container"
	"github.com/artregistry/provenance/cmd/registry/middleware"
	"github.com/artregistry/provenance/cmd/registry/service"
	"github.com/artregistry/provenance/common/bootstrap"
)

// PieceHandler handles piece and edition requests
type PieceHandler struct {
	components *bootstrap.Components
	registry   *service.RegistryService
	transition *service.TransitionService
}

// NewPieceHandler creates a new piece handler
func NewPieceHandler(c *container.Container) *PieceHandler {
	return &PieceHandler{
		components: c.Components,
		registry:   c.RegistryService,
		transition: c.TransitionService,
	}
}

// RegisterPiece registers a new piece for the authenticated user
// POST /api/v1/pieces
func (h *PieceHandler) RegisterPiece(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}

	var req struct {
		Title       string                 `json:"title"`
		ArtistName  string                 `json:"artist_name"`
		NumEditions *int                   `json:"num_editions"`
		Extra       map[string]interface{} `json:"extra"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Title == "" {
		return badRequest(c, "title is required")
	}

	numEditions := -1
	if req.NumEditions != nil {
		numEditions = *req.NumEditions
	}

	piece, err := h.registry.RegisterPiece(ctx, service.RegisterPieceRequest{
		RegistrantID: userID,
		Title:        req.Title,
		ArtistName:   req.ArtistName,
		NumEditions:  numEditions,
		Extra:        req.Extra,
	})
	if err != nil {
		h.components.Logger.Error("failed to register piece", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, piece)
}

// GetPiece retrieves one piece
// GET /api/v1/pieces/:piece_id
func (h *PieceHandler) GetPiece(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	pieceID, err := uuid.Parse(c.Param("piece_id"))
	if err != nil {
		return badRequest(c, "piece_id must be a UUID")
	}

	piece, err := h.registry.GetPiece(ctx, userID, pieceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, piece)
}

// ListPieces lists the pieces the authenticated user registered
// GET /api/v1/pieces
func (h *PieceHandler) ListPieces(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	pieces, err := h.registry.ListPieces(ctx, userID, 100)
	if err != nil {
		h.components.Logger.Error("failed to list pieces", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pieces": pieces,
	})
}

// PatchPieceMetadata applies a JSON merge patch to the piece metadata
// PATCH /api/v1/pieces/:piece_id/metadata
func (h *PieceHandler) PatchPieceMetadata(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	pieceID, err := uuid.Parse(c.Param("piece_id"))
	if err != nil {
		return badRequest(c, "piece_id must be a UUID")
	}
	patch, err := io.ReadAll(c.Request().Body)
	if err != nil || len(patch) == 0 {
		return badRequest(c, "merge patch body is required")
	}

	piece, err := h.registry.EditPieceMetadata(ctx, userID, pieceID, patch)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, piece)
}

// CreateEditions splits a piece into numbered editions
// POST /api/v1/pieces/:piece_id/editions
func (h *PieceHandler) CreateEditions(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	pieceID, err := uuid.Parse(c.Param("piece_id"))
	if err != nil {
		return badRequest(c, "piece_id must be a UUID")
	}

	var req struct {
		Count int `json:"count"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Count <= 0 {
		return badRequest(c, "count must be positive")
	}

	editions, err := h.registry.CreateEditions(ctx, userID, pieceID, req.Count)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"editions": editions,
	})
}

// ListEditions lists the editions of a piece
// GET /api/v1/pieces/:piece_id/editions
func (h *PieceHandler) ListEditions(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	pieceID, err := uuid.Parse(c.Param("piece_id"))
	if err != nil {
		return badRequest(c, "piece_id must be a UUID")
	}

	editions, err := h.registry.ListEditions(ctx, userID, pieceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"editions": editions,
	})
}

// GetEdition retrieves one edition
// GET /api/v1/editions/:edition_id
func (h *PieceHandler) GetEdition(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	editionID, err := uuid.Parse(c.Param("edition_id"))
	if err != nil {
		return badRequest(c, "edition_id must be a UUID")
	}

	edition, err := h.registry.GetEdition(ctx, userID, editionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, edition)
}

// PieceHistory lists the ownership trail of a piece
// GET /api/v1/pieces/:piece_id/history
func (h *PieceHandler) PieceHistory(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}
	pieceID, err := uuid.Parse(c.Param("piece_id"))
	if err != nil {
		return badRequest(c, "piece_id must be a UUID")
	}
	actions, err := h.transition.HistoryForPiece(ctx, pieceID, 200)
	if err != nil {
		h.components.Logger.Error("failed to load piece history", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"actions": actions,
	})
}

// EditionHistory lists the ownership trail of one edition
// GET /api/v1/editions/:edition_id/history
func (h *PieceHandler) EditionHistory(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}
	editionID, err := uuid.Parse(c.Param("edition_id"))
	if err != nil {
		return badRequest(c, "edition_id must be a UUID")
	}
	actions, err := h.transition.HistoryForEdition(ctx, editionID, 200)
	if err != nil {
		h.components.Logger.Error("failed to load edition history", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"actions": actions,
	})
}
