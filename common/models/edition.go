package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsignStatus is the edition's consignment state. Transitions are owned
// exclusively by the transition service; handlers never mutate it directly.
type ConsignStatus string

const (
	NotConsigned     ConsignStatus = "not_consigned"
	PendingConsign   ConsignStatus = "pending_consign"
	Consigned        ConsignStatus = "consigned"
	PendingUnconsign ConsignStatus = "pending_unconsign"
)

// Edition represents one numbered copy of a piece
// Maps to: editions table
type Edition struct {
	EditionID uuid.UUID `db:"edition_id" json:"edition_id"`

	PieceID uuid.UUID `db:"piece_id" json:"piece_id"`

	Number int `db:"number" json:"number"`

	// Current owner; nil only while a deferred transfer to an
	// unregistered email is pending
	OwnerID *uuid.UUID `db:"owner_id" json:"owner_id,omitempty"`

	// Email of a transferee who has not registered yet
	PendingOwnerEmail *string `db:"pending_owner_email" json:"pending_owner_email,omitempty"`

	ConsignStatus ConsignStatus `db:"consign_status" json:"consign_status"`

	// Current on-chain address, nil until the lazy registration runs
	Address *string `db:"address" json:"address,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// RegisteredOnLedger reports whether the edition has been anchored on chain
func (e *Edition) RegisteredOnLedger() bool {
	return e.Address != nil && *e.Address != ""
}
