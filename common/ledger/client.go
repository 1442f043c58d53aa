package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/models"
)

// Address is a freshly derived address together with the ciphered signing
// material needed to later sign a transaction spending from it.
type Address struct {
	Address         string `json:"address"`
	SigningMaterial []byte `json:"signing_material"`
}

// BuildRequest describes a transaction for the wallet daemon to build.
type BuildRequest struct {
	Kind        models.TxKind `json:"kind"`
	FromAddress string        `json:"from_address"`
	ToAddress   string        `json:"to_address"`

	// Ciphered signing material for the spending address
	SigningMaterial []byte `json:"signing_material,omitempty"`
}

// Confirmation is the wallet daemon's view of a broadcast transaction.
type Confirmation struct {
	Status        models.TxStatus `json:"status"` // broadcast, confirmed or rejected
	Confirmations int             `json:"confirmations"`
	Error         string          `json:"error,omitempty"`
}

// Client is the narrow interface to the wallet/address-derivation and
// broadcast service. Everything the transition engine knows about the
// chain goes through it.
type Client interface {
	// CreateAddress derives a fresh address under the user's current
	// signing credential
	CreateAddress(ctx context.Context, userID uuid.UUID) (*Address, error)

	// BuildTransaction builds (but does not broadcast) a transaction and
	// returns an opaque handle
	BuildTransaction(ctx context.Context, req *BuildRequest) (string, error)

	// Broadcast submits a previously built transaction
	Broadcast(ctx context.Context, handle string) error

	// PollConfirmation reports the settlement state of a broadcast
	// transaction
	PollConfirmation(ctx context.Context, handle string) (*Confirmation, error)
}
