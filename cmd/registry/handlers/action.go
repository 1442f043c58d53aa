package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/artregistry/provenance/cmd/registry/container"
	"github.com/artregistry/provenance/cmd/registry/middleware"
	"github.com/artregistry/provenance/cmd/registry/service"
	"github.com/artregistry/provenance/common/bootstrap"
	"github.com/artregistry/provenance/common/models"
)

// ActionHandler exposes the transition engine: requests, their
// confirm/deny/withdraw counterparts, and the audit surface.
type ActionHandler struct {
	components *bootstrap.Components
	transition *service.TransitionService
}

// NewActionHandler creates a new action handler
func NewActionHandler(c *container.Container) *ActionHandler {
	return &ActionHandler{
		components: c.Components,
		transition: c.TransitionService,
	}
}

type transferBody struct {
	EditionID       uuid.UUID              `json:"edition_id"`
	TransfereeEmail string                 `json:"transferee_email"`
	Message         string                 `json:"message"`
	Extra           map[string]interface{} `json:"extra"`
}

// RequestTransfer opens a transfer
// POST /api/v1/actions/transfers
func (h *ActionHandler) RequestTransfer(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req transferBody
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.EditionID == uuid.Nil || req.TransfereeEmail == "" {
		return badRequest(c, "edition_id and transferee_email are required")
	}

	action, err := h.transition.RequestTransfer(ctx, service.TransferRequest{
		ActorID:         userID,
		EditionID:       req.EditionID,
		TransfereeEmail: req.TransfereeEmail,
		Message:         req.Message,
		Extra:           req.Extra,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, action)
}

// RequestConsignment opens a consignment
// POST /api/v1/actions/consignments
func (h *ActionHandler) RequestConsignment(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req struct {
		EditionID      uuid.UUID              `json:"edition_id"`
		ConsigneeEmail string                 `json:"consignee_email"`
		Message        string                 `json:"message"`
		Extra          map[string]interface{} `json:"extra"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.EditionID == uuid.Nil || req.ConsigneeEmail == "" {
		return badRequest(c, "edition_id and consignee_email are required")
	}

	action, err := h.transition.RequestConsignment(ctx, service.ConsignRequest{
		ActorID:        userID,
		EditionID:      req.EditionID,
		ConsigneeEmail: req.ConsigneeEmail,
		Message:        req.Message,
		Extra:          req.Extra,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, action)
}

// RequestUnconsignment asks the consignee to hand an edition back
// POST /api/v1/actions/unconsignments
func (h *ActionHandler) RequestUnconsignment(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req struct {
		EditionID uuid.UUID `json:"edition_id"`
		Message   string    `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.EditionID == uuid.Nil {
		return badRequest(c, "edition_id is required")
	}

	action, err := h.transition.RequestUnconsignment(ctx, service.UnconsignRequest{
		ActorID:   userID,
		EditionID: req.EditionID,
		Message:   req.Message,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, action)
}

type loanBody struct {
	EditionID   uuid.UUID  `json:"edition_id"`
	PieceID     uuid.UUID  `json:"piece_id"`
	LoaneeEmail string     `json:"loanee_email"`
	From        *time.Time `json:"from"`
	To          *time.Time `json:"to"`
	Message     string     `json:"message"`
}

// RequestLoan opens a loan of one edition or of a whole piece
// POST /api/v1/actions/loans
func (h *ActionHandler) RequestLoan(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req loanBody
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.LoaneeEmail == "" {
		return badRequest(c, "loanee_email is required")
	}
	if (req.EditionID == uuid.Nil) == (req.PieceID == uuid.Nil) {
		return badRequest(c, "exactly one of edition_id and piece_id is required")
	}

	var action interface{}
	if req.EditionID != uuid.Nil {
		action, err = h.transition.RequestLoan(ctx, service.LoanRequest{
			ActorID:     userID,
			EditionID:   req.EditionID,
			LoaneeEmail: req.LoaneeEmail,
			From:        req.From,
			To:          req.To,
			Message:     req.Message,
		})
	} else {
		action, err = h.transition.RequestLoanPiece(ctx, service.LoanPieceRequest{
			ActorID:     userID,
			PieceID:     req.PieceID,
			LoaneeEmail: req.LoaneeEmail,
			From:        req.From,
			To:          req.To,
			Message:     req.Message,
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, action)
}

// RequestShare shares one edition or a whole piece
// POST /api/v1/actions/shares
func (h *ActionHandler) RequestShare(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req struct {
		EditionID   uuid.UUID `json:"edition_id"`
		PieceID     uuid.UUID `json:"piece_id"`
		ShareeEmail string    `json:"sharee_email"`
		Message     string    `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ShareeEmail == "" {
		return badRequest(c, "sharee_email is required")
	}
	if (req.EditionID == uuid.Nil) == (req.PieceID == uuid.Nil) {
		return badRequest(c, "exactly one of edition_id and piece_id is required")
	}

	var action interface{}
	if req.EditionID != uuid.Nil {
		action, err = h.transition.Share(ctx, service.ShareRequest{
			ActorID:     userID,
			EditionID:   req.EditionID,
			ShareeEmail: req.ShareeEmail,
			Message:     req.Message,
		})
	} else {
		action, err = h.transition.SharePiece(ctx, service.SharePieceRequest{
			ActorID:     userID,
			PieceID:     req.PieceID,
			ShareeEmail: req.ShareeEmail,
			Message:     req.Message,
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, action)
}

// Unshare revokes a share, cascading over every edition when no
// edition is named
// POST /api/v1/actions/unshare
func (h *ActionHandler) Unshare(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	var req struct {
		PieceID     uuid.UUID  `json:"piece_id"`
		EditionID   *uuid.UUID `json:"edition_id"`
		ShareeEmail string     `json:"sharee_email"`
	}
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.PieceID == uuid.Nil || req.ShareeEmail == "" {
		return badRequest(c, "piece_id and sharee_email are required")
	}

	if err := h.transition.Unshare(ctx, service.UnshareRequest{
		ActorID:     userID,
		PieceID:     req.PieceID,
		EditionID:   req.EditionID,
		ShareeEmail: req.ShareeEmail,
	}); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Respond dispatches confirm/deny/withdraw for one action
// POST /api/v1/actions/:action_id/:verb
func (h *ActionHandler) Respond(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	actionID, err := uuid.Parse(c.Param("action_id"))
	if err != nil {
		return badRequest(c, "action_id must be a UUID")
	}

	action, err := h.transition.ActionByID(ctx, actionID)
	if err != nil {
		return respondError(c, err)
	}

	verb := c.Param("verb")
	result, err := h.dispatchResponse(c, verb, action.Kind, actionID, userID)
	if err != nil {
		return respondError(c, err)
	}
	if result != nil {
		return c.JSON(http.StatusOK, result)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ActionHandler) dispatchResponse(c echo.Context, verb string, kind models.ActionKind, actionID, userID uuid.UUID) (interface{}, error) {
	ctx := c.Request().Context()
	switch {
	case verb == "confirm" && kind == models.KindConsignment:
		return h.transition.ConfirmConsignment(ctx, actionID, userID)
	case verb == "deny" && kind == models.KindConsignment:
		return nil, h.transition.DenyConsignment(ctx, actionID, userID)
	case verb == "withdraw" && kind == models.KindConsignment:
		return nil, h.transition.WithdrawConsignment(ctx, actionID, userID)
	case verb == "confirm" && kind == models.KindUnconsignment:
		return h.transition.ConfirmUnconsignment(ctx, actionID, userID)
	case verb == "deny" && kind == models.KindUnconsignment:
		return nil, h.transition.DenyUnconsignment(ctx, actionID, userID)
	case verb == "confirm" && (kind == models.KindLoan || kind == models.KindLoanPiece):
		return h.transition.ConfirmLoan(ctx, actionID, userID)
	case verb == "deny" && (kind == models.KindLoan || kind == models.KindLoanPiece):
		return nil, h.transition.DenyLoan(ctx, actionID, userID)
	case verb == "withdraw" && (kind == models.KindLoan || kind == models.KindLoanPiece):
		return nil, h.transition.WithdrawLoan(ctx, actionID, userID)
	case verb == "withdraw" && kind == models.KindTransfer:
		return nil, h.transition.WithdrawTransfer(ctx, actionID, userID)
	case verb == "retry" && kind != "":
		return h.transition.RetryChain(ctx, actionID)
	default:
		return nil, service.ErrNotFound
	}
}

// GetAction returns one action for the audit surface
// GET /api/v1/actions/:action_id
func (h *ActionHandler) GetAction(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := middleware.RequireUserID(c); err != nil {
		return err
	}
	actionID, err := uuid.Parse(c.Param("action_id"))
	if err != nil {
		return badRequest(c, "action_id must be a UUID")
	}
	action, err := h.transition.ActionByID(ctx, actionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, action)
}

// UserHistory lists every action the authenticated user took part in
// GET /api/v1/actions
func (h *ActionHandler) UserHistory(c echo.Context) error {
	ctx := c.Request().Context()
	userID, err := middleware.RequireUserID(c)
	if err != nil {
		return err
	}
	actions, err := h.transition.HistoryForUser(ctx, userID, 200)
	if err != nil {
		h.components.Logger.Error("failed to load user history", "error", err)
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"actions": actions,
	})
}
