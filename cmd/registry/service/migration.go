package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/ledger"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// MigrationPlan carries the fresh anchor the caller splices into the
// pending outgoing action before any transaction is built.
type MigrationPlan struct {
	Action          *models.OwnershipAction
	PrevAddress     string
	NewAddress      string
	SigningMaterial []byte
}

// MigrationDetector decides whether an acting user's signing credential
// went stale for the address the system believes is theirs, and if so
// derives the replacement anchor.
type MigrationDetector struct {
	identity  IdentityProvider
	ledger    ledger.Client
	ownership *OwnershipService
	log       *logger.Logger
}

func NewMigrationDetector(identity IdentityProvider, lc ledger.Client, ownership *OwnershipService, log *logger.Logger) *MigrationDetector {
	return &MigrationDetector{identity: identity, ledger: lc, ownership: ownership, log: log}
}

// Check runs before any transaction is built for an outgoing action. A
// transaction built against a pre-reset address cannot be signed with
// the new credential, so the detector must run first.
//
// actingUserID is the party whose credential signs the spend. Exactly
// one of edition and piece is set; pendingPrevAddress, when present,
// overrides the asset's recorded address as "the address the system
// believes is theirs".
func (d *MigrationDetector) Check(ctx context.Context, st Stores, actingUserID uuid.UUID, edition *models.Edition, piece *models.Piece, pendingPrevAddress *string) (*MigrationPlan, error) {
	reset, err := d.identity.LatestCredentialReset(ctx, actingUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential reset: %w", err)
	}
	if reset == nil {
		return nil, nil
	}

	believed := pendingPrevAddress
	if believed == nil {
		if edition != nil {
			believed = edition.Address
		} else if piece != nil {
			believed = piece.RegistrationAddress
		}
	}
	if believed == nil || *believed == "" {
		// Nothing anchored yet; lazy registration derives a fresh
		// address under the current credential anyway.
		return nil, nil
	}

	anchor, err := st.Actions.LatestAnchorForAddress(ctx, actingUserID, *believed)
	if err != nil {
		return nil, fmt.Errorf("failed to look up anchor for address: %w", err)
	}
	if anchor != nil && reset.Before(anchor.CreatedAt) {
		// Address derived after the reset; still signable.
		return nil, nil
	}

	addr, err := d.ledger.CreateAddress(ctx, actingUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive migration address: %w", err)
	}

	action, err := d.ownership.CreateMigration(ctx, st, edition, piece, actingUserID)
	if err != nil {
		return nil, err
	}
	action.NewAddress = &addr.Address
	action.SigningMaterial = addr.SigningMaterial
	if err := st.Actions.Update(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to record migration address: %w", err)
	}

	d.log.InfoContext(ctx, "credential reset detected, migrating anchor",
		"user_id", actingUserID,
		"stale_address", *believed,
		"new_address", addr.Address)

	return &MigrationPlan{
		Action:          action,
		PrevAddress:     *believed,
		NewAddress:      addr.Address,
		SigningMaterial: addr.SigningMaterial,
	}, nil
}
