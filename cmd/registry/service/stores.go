package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/models"
)

// Store interfaces mirror the pgx repositories so the engine can run over
// tx-bound repositories in production and in-memory fakes in tests.

// UserStore handles user persistence
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	RecordCredentialReset(ctx context.Context, userID uuid.UUID) error
}

// PieceStore handles piece persistence
type PieceStore interface {
	Create(ctx context.Context, piece *models.Piece) error
	GetByID(ctx context.Context, pieceID uuid.UUID) (*models.Piece, error)
	SetNumEditions(ctx context.Context, pieceID uuid.UUID, num int) error
	SetRegistrationAddress(ctx context.Context, pieceID uuid.UUID, address string) error
	UpdateExtra(ctx context.Context, pieceID uuid.UUID, extra map[string]interface{}) error
	ListByRegistrant(ctx context.Context, registrantID uuid.UUID, limit int) ([]*models.Piece, error)
}

// EditionStore handles edition persistence
type EditionStore interface {
	Create(ctx context.Context, edition *models.Edition) error
	GetByID(ctx context.Context, editionID uuid.UUID) (*models.Edition, error)
	ListByPiece(ctx context.Context, pieceID uuid.UUID) ([]*models.Edition, error)
	SetOwner(ctx context.Context, editionID uuid.UUID, ownerID uuid.UUID) error
	SetPendingOwnerEmail(ctx context.Context, editionID uuid.UUID, email *string) error
	SetConsignStatus(ctx context.Context, editionID uuid.UUID, status models.ConsignStatus) error
	SetAddress(ctx context.Context, editionID uuid.UUID, address string) error
}

// ActionStore handles the ownership ledger
type ActionStore interface {
	Create(ctx context.Context, a *models.OwnershipAction) error
	GetByID(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error)
	Update(ctx context.Context, a *models.OwnershipAction) error
	SoftDelete(ctx context.Context, actionID uuid.UUID) error
	LatestWithTxByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error)
	LatestAcceptedByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error)
	PendingBySlot(ctx context.Context, kind models.ActionKind, pieceID uuid.UUID, editionID *uuid.UUID) (*models.OwnershipAction, error)
	RegistrationForEdition(ctx context.Context, editionID uuid.UUID) (*models.OwnershipAction, error)
	GetByLedgerTx(ctx context.Context, txID uuid.UUID) (*models.OwnershipAction, error)
	LatestAnchorForAddress(ctx context.Context, userID uuid.UUID, address string) (*models.OwnershipAction, error)
	ListByEdition(ctx context.Context, editionID uuid.UUID, limit int) ([]*models.OwnershipAction, error)
	ListByPiece(ctx context.Context, pieceID uuid.UUID, limit int) ([]*models.OwnershipAction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.OwnershipAction, error)
	PendingByNewOwnerEmail(ctx context.Context, email string) ([]*models.OwnershipAction, error)
}

// ACLStore handles permission records
type ACLStore interface {
	Create(ctx context.Context, rec *models.ACLRecord) error
	Get(ctx context.Context, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error)
	Update(ctx context.Context, rec *models.ACLRecord) error
	Delete(ctx context.Context, aclID uuid.UUID) error
	ListForUserPiece(ctx context.Context, userID, pieceID uuid.UUID) ([]*models.ACLRecord, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ACLRecord, error)
}

// LedgerTxStore handles ledger transaction persistence
type LedgerTxStore interface {
	Create(ctx context.Context, t *models.LedgerTx) error
	GetByID(ctx context.Context, txID uuid.UUID) (*models.LedgerTx, error)
	UpdateStatus(ctx context.Context, txID uuid.UUID, status models.TxStatus) error
	SetHandle(ctx context.Context, txID uuid.UUID, handle string) error
	SetConfirmations(ctx context.Context, txID uuid.UUID, confirmations int) error
	SetError(ctx context.Context, txID uuid.UUID, message string) error
	ListByStatus(ctx context.Context, status models.TxStatus, limit int) ([]*models.LedgerTx, error)
	DependentsOf(ctx context.Context, txID uuid.UUID) ([]*models.LedgerTx, error)
}

// Stores bundles every store the engine touches
type Stores struct {
	Users     UserStore
	Pieces    PieceStore
	Editions  EditionStore
	Actions   ActionStore
	ACLs      ACLStore
	LedgerTxs LedgerTxStore
}

// TxRunner runs a unit of work over tx-bound stores. The whole unit
// commits or none of it does; a losing concurrent writer surfaces as a
// conflict from the pending-action uniqueness constraint.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(s Stores) error) error
}

// TxPublisher hands a persisted ledger transaction to the broadcast
// pipeline after the surrounding database transaction committed.
type TxPublisher interface {
	Publish(ctx context.Context, txID uuid.UUID) error
}

// IdentityProvider supplies account existence and credential freshness.
// The migration detector and the deferred-transfer branch depend on it.
type IdentityProvider interface {
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	LatestCredentialReset(ctx context.Context, userID uuid.UUID) (*time.Time, error)
}
