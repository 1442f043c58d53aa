package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionKind is the single discriminator for the ownership ledger. Every
// query filters on it; there is no secondary flag.
type ActionKind string

const (
	KindRegistration          ActionKind = "registration"
	KindEditions              ActionKind = "editions"
	KindPiece                 ActionKind = "piece"
	KindConsignedRegistration ActionKind = "consigned_registration"
	KindMigration             ActionKind = "migration"
	KindTransfer              ActionKind = "transfer"
	KindConsignment           ActionKind = "consignment"
	KindUnconsignment         ActionKind = "unconsignment"
	KindLoan                  ActionKind = "loan"
	KindLoanPiece             ActionKind = "loan_piece"
	KindShare                 ActionKind = "share"
	KindSharePiece            ActionKind = "share_piece"
)

// ActionStatus is the responded state of an action. A nil status on the
// action means pending.
type ActionStatus string

const (
	StatusAccepted ActionStatus = "accepted"
	StatusRejected ActionStatus = "rejected"
)

// OwnershipAction is one row of the append-mostly ownership ledger.
// Maps to: ownership_actions table (kind discriminator column)
type OwnershipAction struct {
	ActionID uuid.UUID `db:"action_id" json:"action_id"`

	Kind ActionKind `db:"kind" json:"kind"`

	// Asset reference: piece always set, edition set unless piece-level
	PieceID   uuid.UUID  `db:"piece_id" json:"piece_id"`
	EditionID *uuid.UUID `db:"edition_id" json:"edition_id,omitempty"`

	// Semantics vary by kind: for Share, NewOwner is the sharee; for
	// Migration, NewOwner is the user whose address migrates and
	// PrevOwner is unused
	PrevOwnerID *uuid.UUID `db:"prev_owner_id" json:"prev_owner_id,omitempty"`
	NewOwnerID  *uuid.UUID `db:"new_owner_id" json:"new_owner_id,omitempty"`

	// Set instead of NewOwnerID while the counterparty has no account yet
	NewOwnerEmail *string `db:"new_owner_email" json:"new_owner_email,omitempty"`

	// nil = pending
	Status *ActionStatus `db:"status" json:"status,omitempty"`

	// Loan period, loan variants only
	WindowFrom *time.Time `db:"window_from" json:"window_from,omitempty"`
	WindowTo   *time.Time `db:"window_to" json:"window_to,omitempty"`

	PrevAddress *string `db:"prev_address" json:"prev_address,omitempty"`
	NewAddress  *string `db:"new_address" json:"new_address,omitempty"`

	LedgerTxID *uuid.UUID `db:"ledger_tx_id" json:"ledger_tx_id,omitempty"`

	// Ciphered credential blob needed to sign a dependent transaction
	SigningMaterial []byte `db:"signing_material" json:"-"`

	ContractAgreementID *uuid.UUID `db:"contract_agreement_id" json:"contract_agreement_id,omitempty"`

	// Caller-supplied metadata, e.g. price
	Extra map[string]interface{} `db:"extra" json:"extra,omitempty"`

	// Terminal ledger/migration failure recorded on the action
	Error *string `db:"error" json:"error,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	RespondedAt *time.Time `db:"responded_at" json:"responded_at,omitempty"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Pending reports whether the action awaits a response
func (a *OwnershipAction) Pending() bool {
	return a.Status == nil && a.DeletedAt == nil
}

// Accepted reports whether the action was confirmed
func (a *OwnershipAction) Accepted() bool {
	return a.Status != nil && *a.Status == StatusAccepted
}

// PieceLevel reports whether the action targets the whole piece
func (a *OwnershipAction) PieceLevel() bool {
	return a.EditionID == nil
}

// RequiresConfirmation reports whether the kind needs a counterparty
// response before the ledger chain runs. Transfers to registered users
// execute immediately; consignments, unconsignments and loans wait.
func (k ActionKind) RequiresConfirmation() bool {
	switch k {
	case KindConsignment, KindUnconsignment, KindLoan, KindLoanPiece:
		return true
	default:
		return false
	}
}

// Outgoing reports whether the kind produces a ledger transaction
func (k ActionKind) Outgoing() bool {
	switch k {
	case KindTransfer, KindConsignment, KindUnconsignment, KindLoan, KindLoanPiece:
		return true
	default:
		return false
	}
}
