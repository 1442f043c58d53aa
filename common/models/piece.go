package models

import (
	"time"

	"github.com/google/uuid"
)

// Edition-count sentinels on Piece.NumEditions
const (
	// EditionsUnsplit means the piece has not been split into editions yet
	EditionsUnsplit = -1
	// EditionsInfinite means the piece is registered as an open/unsplit run
	EditionsInfinite = 0
)

// Piece represents an original work, created once
// Maps to: pieces table
type Piece struct {
	PieceID uuid.UUID `db:"piece_id" json:"piece_id"`

	Title      string `db:"title" json:"title"`
	ArtistName string `db:"artist_name" json:"artist_name"`

	// The user who registered the piece
	RegistrantID uuid.UUID `db:"registrant_id" json:"registrant_id"`

	// -1 = not split, 0 = infinite/unsplit, >0 = fixed count
	NumEditions int `db:"num_editions" json:"num_editions"`

	// Address the piece registration was anchored at on the ledger
	RegistrationAddress *string `db:"registration_address" json:"registration_address,omitempty"`

	// Caller-supplied metadata (JSONB), edited via JSON merge patch
	Extra map[string]interface{} `db:"extra" json:"extra,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Split reports whether the piece has been split into a fixed edition set
func (p *Piece) Split() bool {
	return p.NumEditions > 0
}
