package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// OwnershipService is the constructor-per-variant surface of the
// ownership ledger. Each constructor enforces the defaulting rules of
// its variant and persists the row; callers run them inside the
// transaction that also mutates the permission store.
type OwnershipService struct {
	log *logger.Logger
}

func NewOwnershipService(log *logger.Logger) *OwnershipService {
	return &OwnershipService{log: log}
}

func newAction(kind models.ActionKind, pieceID uuid.UUID, editionID *uuid.UUID) *models.OwnershipAction {
	return &models.OwnershipAction{
		ActionID:  uuid.New(),
		Kind:      kind,
		PieceID:   pieceID,
		EditionID: editionID,
	}
}

func accepted() (*models.ActionStatus, *time.Time) {
	status := models.StatusAccepted
	now := time.Now().UTC()
	return &status, &now
}

// CreateRegistration records an edition's first anchoring on the
// ledger. prev_owner = new_owner = owner; used both for explicit
// registration and the lazy path at the top of the build chain.
func (s *OwnershipService) CreateRegistration(ctx context.Context, st Stores, edition *models.Edition, ownerID uuid.UUID) (*models.OwnershipAction, error) {
	a := newAction(models.KindRegistration, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = &ownerID
	a.NewOwnerID = &ownerID
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create registration action: %w", err)
	}
	return a, nil
}

// CreateConsignedRegistration anchors an edition that was consigned
// before it ever reached the ledger: the registration row carries the
// consignee as counterparty.
func (s *OwnershipService) CreateConsignedRegistration(ctx context.Context, st Stores, edition *models.Edition, ownerID, consigneeID uuid.UUID) (*models.OwnershipAction, error) {
	a := newAction(models.KindConsignedRegistration, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = &ownerID
	a.NewOwnerID = &consigneeID
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create consigned registration action: %w", err)
	}
	return a, nil
}

// CreatePieceRegistration records the piece-level registration event.
func (s *OwnershipService) CreatePieceRegistration(ctx context.Context, st Stores, piece *models.Piece) (*models.OwnershipAction, error) {
	a := newAction(models.KindPiece, piece.PieceID, nil)
	a.PrevOwnerID = &piece.RegistrantID
	a.NewOwnerID = &piece.RegistrantID
	a.NewAddress = piece.RegistrationAddress
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create piece registration action: %w", err)
	}
	return a, nil
}

// CreateEditionsAction records the act of splitting a piece into
// numbered editions.
func (s *OwnershipService) CreateEditionsAction(ctx context.Context, st Stores, piece *models.Piece, ownerID uuid.UUID, count int) (*models.OwnershipAction, error) {
	a := newAction(models.KindEditions, piece.PieceID, nil)
	a.PrevOwnerID = &ownerID
	a.NewOwnerID = &ownerID
	a.Status, a.RespondedAt = accepted()
	a.Extra = map[string]interface{}{"num_editions": count}
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create editions action: %w", err)
	}
	return a, nil
}

// CreateTransfer opens a transfer. When prevOwner is nil it defaults to
// the edition's current owner. Exactly one of transfereeID and
// transfereeEmail is set; the email form is the deferred branch for a
// counterparty with no account yet.
func (s *OwnershipService) CreateTransfer(ctx context.Context, st Stores, edition *models.Edition, transfereeID *uuid.UUID, transfereeEmail *string, prevOwner *uuid.UUID, extra map[string]interface{}) (*models.OwnershipAction, error) {
	if (transfereeID == nil) == (transfereeEmail == nil) {
		return nil, &InvalidCounterpartyError{Reason: "exactly one of transferee id and email must be set"}
	}
	if prevOwner == nil {
		prevOwner = edition.OwnerID
	}
	if prevOwner == nil {
		return nil, fmt.Errorf("edition %s has no owner", edition.EditionID)
	}
	a := newAction(models.KindTransfer, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = prevOwner
	a.NewOwnerID = transfereeID
	a.NewOwnerEmail = transfereeEmail
	a.PrevAddress = edition.Address
	a.Extra = extra
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create transfer action: %w", err)
	}
	return a, nil
}

// CreateConsignment opens a consignment to a consignee.
func (s *OwnershipService) CreateConsignment(ctx context.Context, st Stores, edition *models.Edition, consigneeID uuid.UUID, owner *uuid.UUID, extra map[string]interface{}) (*models.OwnershipAction, error) {
	if owner == nil {
		owner = edition.OwnerID
	}
	if owner == nil {
		return nil, fmt.Errorf("edition %s has no owner", edition.EditionID)
	}
	a := newAction(models.KindConsignment, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = owner
	a.NewOwnerID = &consigneeID
	a.PrevAddress = edition.Address
	a.Extra = extra
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create consignment action: %w", err)
	}
	return a, nil
}

// CreateUnconsignment opens the reversal of the edition's most recent
// confirmed consignment. The addresses are swapped from that
// consignment, never regenerated, so the anchor returns to exactly
// where it was.
func (s *OwnershipService) CreateUnconsignment(ctx context.Context, st Stores, edition *models.Edition, consigneeID uuid.UUID, owner *uuid.UUID) (*models.OwnershipAction, error) {
	if owner == nil {
		owner = edition.OwnerID
	}
	if owner == nil {
		return nil, fmt.Errorf("edition %s has no owner", edition.EditionID)
	}
	consignment, err := st.Actions.LatestWithTxByKind(ctx, models.KindConsignment, edition.EditionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest consignment: %w", err)
	}

	a := newAction(models.KindUnconsignment, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = &consigneeID
	a.NewOwnerID = owner
	if consignment != nil {
		a.PrevAddress = consignment.NewAddress
		a.NewAddress = consignment.PrevAddress
	} else {
		a.PrevAddress = edition.Address
	}
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create unconsignment action: %w", err)
	}
	return a, nil
}

// CreateLoan opens a loan of one edition for a time window.
func (s *OwnershipService) CreateLoan(ctx context.Context, st Stores, edition *models.Edition, loaneeID uuid.UUID, owner *uuid.UUID, from, to *time.Time) (*models.OwnershipAction, error) {
	if owner == nil {
		owner = edition.OwnerID
	}
	if owner == nil {
		return nil, fmt.Errorf("edition %s has no owner", edition.EditionID)
	}
	a := newAction(models.KindLoan, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = owner
	a.NewOwnerID = &loaneeID
	a.PrevAddress = edition.Address
	a.WindowFrom = from
	a.WindowTo = to
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create loan action: %w", err)
	}
	return a, nil
}

// CreateLoanPiece opens a loan of the whole piece. The piece has a
// single registration, so prev_owner defaults to the registrant and
// prev_address to the registration address without any history walk.
func (s *OwnershipService) CreateLoanPiece(ctx context.Context, st Stores, piece *models.Piece, loaneeID uuid.UUID, owner *uuid.UUID, from, to *time.Time) (*models.OwnershipAction, error) {
	if owner == nil {
		owner = &piece.RegistrantID
	}
	a := newAction(models.KindLoanPiece, piece.PieceID, nil)
	a.PrevOwnerID = owner
	a.NewOwnerID = &loaneeID
	a.PrevAddress = piece.RegistrationAddress
	a.WindowFrom = from
	a.WindowTo = to
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create piece loan action: %w", err)
	}
	return a, nil
}

// CreateShare records sharing one edition with a sharee. Shares never
// anchor on the ledger.
func (s *OwnershipService) CreateShare(ctx context.Context, st Stores, edition *models.Edition, shareeID uuid.UUID, prevOwner *uuid.UUID) (*models.OwnershipAction, error) {
	if prevOwner == nil {
		prevOwner = edition.OwnerID
	}
	a := newAction(models.KindShare, edition.PieceID, &edition.EditionID)
	a.PrevOwnerID = prevOwner
	a.NewOwnerID = &shareeID
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create share action: %w", err)
	}
	return a, nil
}

// CreateSharePiece records sharing the whole piece with a sharee.
func (s *OwnershipService) CreateSharePiece(ctx context.Context, st Stores, piece *models.Piece, shareeID uuid.UUID, prevOwner *uuid.UUID) (*models.OwnershipAction, error) {
	if prevOwner == nil {
		prevOwner = &piece.RegistrantID
	}
	a := newAction(models.KindSharePiece, piece.PieceID, nil)
	a.PrevOwnerID = prevOwner
	a.NewOwnerID = &shareeID
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create piece share action: %w", err)
	}
	return a, nil
}

// CreateMigration anchors an asset at a freshly derived address after a
// credential reset. Exactly one of edition and piece must be set;
// prev_owner defaults to the registrant of whichever is set.
func (s *OwnershipService) CreateMigration(ctx context.Context, st Stores, edition *models.Edition, piece *models.Piece, newOwnerID uuid.UUID) (*models.OwnershipAction, error) {
	if (edition == nil) == (piece == nil) {
		return nil, fmt.Errorf("migration requires exactly one of edition and piece")
	}

	var a *models.OwnershipAction
	if edition != nil {
		parent, err := st.Pieces.GetByID(ctx, edition.PieceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load parent piece: %w", err)
		}
		if parent == nil {
			return nil, ErrNotFound
		}
		a = newAction(models.KindMigration, edition.PieceID, &edition.EditionID)
		a.PrevOwnerID = &parent.RegistrantID
		a.PrevAddress = edition.Address
	} else {
		a = newAction(models.KindMigration, piece.PieceID, nil)
		a.PrevOwnerID = &piece.RegistrantID
		a.PrevAddress = piece.RegistrationAddress
	}
	a.NewOwnerID = &newOwnerID
	a.Status, a.RespondedAt = accepted()
	if err := st.Actions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create migration action: %w", err)
	}
	return a, nil
}

// MostRecentConfirmedTransfer returns the temporally latest transfer
// for the edition that carries a ledger transaction, or nil when the
// edition has never been transferred.
func (s *OwnershipService) MostRecentConfirmedTransfer(ctx context.Context, st Stores, editionID uuid.UUID) (*models.OwnershipAction, error) {
	return st.Actions.LatestWithTxByKind(ctx, models.KindTransfer, editionID)
}
