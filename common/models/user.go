package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered account known to the registry.
// Credential fields mirror what the identity provider reports; the
// migration detector compares CredentialResetAt against the registration
// event for an address to decide whether the address is stale.
type User struct {
	UserID uuid.UUID `db:"user_id" json:"user_id"`

	Email string `db:"email" json:"email"`

	// Incremented by the identity provider on every password reset
	CredentialGeneration int `db:"credential_generation" json:"credential_generation"`

	// Time of the most recent credential reset, nil if never reset
	CredentialResetAt *time.Time `db:"credential_reset_at" json:"credential_reset_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
