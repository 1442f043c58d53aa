package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/models"
)

// A credential reset after an edition was anchored makes the anchor
// unsignable; the next outgoing action splices a migration ahead of
// the spend and re-anchors at a fresh address.
func TestMigrationOnCredentialReset(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	carol := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	// Anchor the edition under bob by transferring it.
	_, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)
	anchored := env.edition(t, edition.EditionID)
	require.NotNil(t, anchored.Address)
	staleAddress := *anchored.Address

	require.NoError(t, env.Identity.RecordCredentialReset(ctx, bob.UserID))

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         bob.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: carol.Email,
	})
	require.NoError(t, err)
	assert.True(t, action.Accepted())
	assert.Nil(t, action.Error)

	actions, err := env.Stores.Actions.ListByEdition(ctx, edition.EditionID, 0)
	require.NoError(t, err)
	var migration *models.OwnershipAction
	for _, a := range actions {
		if a.Kind == models.KindMigration {
			migration = a
		}
	}
	require.NotNil(t, migration)
	assert.True(t, migration.Accepted())
	require.NotNil(t, migration.PrevAddress)
	assert.Equal(t, staleAddress, *migration.PrevAddress)
	require.NotNil(t, migration.NewAddress)
	assert.NotEqual(t, staleAddress, *migration.NewAddress)
	require.NotNil(t, migration.LedgerTxID)

	migTx := env.tx(t, *migration.LedgerTxID)
	assert.Equal(t, models.TxMigrate, migTx.Kind)
	assert.Equal(t, staleAddress, migTx.FromAddress)
	assert.Equal(t, *migration.NewAddress, migTx.ToAddress)

	// The spend now sources from the migrated anchor, chained behind
	// the migration through the refill.
	require.NotNil(t, action.LedgerTxID)
	spend := env.tx(t, *action.LedgerTxID)
	assert.Equal(t, *migration.NewAddress, spend.FromAddress)
	require.NotNil(t, spend.DependentTxID)
	refill := env.tx(t, *spend.DependentTxID)
	require.NotNil(t, refill.DependentTxID)
	assert.Equal(t, migTx.TxID, *refill.DependentTxID)
}

// A reset before anything was anchored needs no migration: the lazy
// registration derives a fresh address under the current credential.
func TestNoMigrationBeforeFirstAnchor(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	require.NoError(t, env.Identity.RecordCredentialReset(ctx, alice.UserID))

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)
	assert.True(t, action.Accepted())

	actions, err := env.Stores.Actions.ListByEdition(ctx, edition.EditionID, 0)
	require.NoError(t, err)
	for _, a := range actions {
		assert.NotEqual(t, models.KindMigration, a.Kind)
	}
}

// An anchor derived after the reset is signable; a second action under
// the same credential must not migrate again.
func TestNoRepeatedMigration(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	_, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)

	require.NoError(t, env.Identity.RecordCredentialReset(ctx, bob.UserID))

	// First outgoing action after the reset migrates.
	gallery := env.newUser(t)
	consign, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        bob.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)
	_, err = env.Transition.ConfirmConsignment(ctx, consign.ActionID, gallery.UserID)
	require.NoError(t, err)

	countMigrations := func() int {
		actions, err := env.Stores.Actions.ListByPiece(ctx, piece.PieceID, 0)
		require.NoError(t, err)
		n := 0
		for _, a := range actions {
			if a.Kind == models.KindMigration {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, countMigrations())

	uncon, err := env.Transition.RequestUnconsignment(ctx, UnconsignRequest{
		ActorID:   bob.UserID,
		EditionID: edition.EditionID,
	})
	require.NoError(t, err)
	_, err = env.Transition.ConfirmUnconsignment(ctx, uncon.ActionID, gallery.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, countMigrations())

	// The anchor returned to the migrated address, which postdates the
	// reset, so bob's next spend is signable as-is.
	carol := env.newUser(t)
	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         bob.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: carol.Email,
	})
	require.NoError(t, err)
	assert.True(t, action.Accepted())
	assert.Equal(t, 1, countMigrations())
}
