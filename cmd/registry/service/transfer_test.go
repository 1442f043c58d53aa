package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/models"
)

// A transfer to a registered counterparty executes immediately: the
// action accepts, ownership and permissions move, and the ledger chain
// is persisted with the spend attached to the action.
func TestTransferToRegisteredUser(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)
	assert.True(t, action.Accepted())
	assert.Nil(t, action.Error)

	updated := env.edition(t, edition.EditionID)
	require.NotNil(t, updated.OwnerID)
	assert.Equal(t, bob.UserID, *updated.OwnerID)

	bobRec := env.acl(t, bob.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, bobRec)
	assert.True(t, bobRec.View)
	assert.True(t, bobRec.Transfer)
	assert.True(t, bobRec.Consign)

	aliceRec := env.acl(t, alice.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, aliceRec)
	assert.False(t, aliceRec.Edit)
	assert.False(t, aliceRec.Transfer)
	assert.False(t, aliceRec.WithdrawTransfer)
	assert.True(t, aliceRec.View)

	// Unanchored edition: registration, then refill, then spend.
	require.NotNil(t, action.LedgerTxID)
	spend := env.tx(t, *action.LedgerTxID)
	assert.Equal(t, models.TxTransfer, spend.Kind)
	require.NotNil(t, spend.DependentTxID)

	refill := env.tx(t, *spend.DependentTxID)
	assert.Equal(t, models.TxRefill, refill.Kind)
	assert.Equal(t, spend.FromAddress, refill.ToAddress)
	require.NotNil(t, refill.DependentTxID)

	reg := env.tx(t, *refill.DependentTxID)
	assert.Equal(t, models.TxRegister, reg.Kind)
	assert.Nil(t, reg.DependentTxID)
	assert.Contains(t, env.Publisher.published, reg.TxID)

	// The anchor follows the spend.
	require.NotNil(t, updated.Address)
	assert.Equal(t, spend.ToAddress, *updated.Address)
}

// Self-dealing and transferring to the current owner are rejected
// before anything is persisted.
func TestTransferInvalidCounterparty(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	_, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: alice.Email,
	})
	assert.True(t, IsInvalidCounterparty(err))
}

// A transfer to an unknown email stays pending: the edition is flagged,
// the sender loses edit and transfer but keeps a withdraw handle, and
// no ledger transaction is built yet.
func TestTransferDeferred(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)
	assert.True(t, action.Pending())
	assert.Nil(t, action.NewOwnerID)
	require.NotNil(t, action.NewOwnerEmail)
	assert.Equal(t, "newcomer@example.com", *action.NewOwnerEmail)
	assert.Nil(t, action.LedgerTxID)

	updated := env.edition(t, edition.EditionID)
	require.NotNil(t, updated.PendingOwnerEmail)
	assert.Equal(t, "newcomer@example.com", *updated.PendingOwnerEmail)

	aliceRec := env.acl(t, alice.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, aliceRec)
	assert.False(t, aliceRec.Edit)
	assert.False(t, aliceRec.Transfer)
	assert.True(t, aliceRec.WithdrawTransfer)
}

// When the transferee registers, the deferred transfer replays: they
// become the owner, the chain runs, and the sender's withdraw handle is
// swapped back for unshare.
func TestTransferReplayOnRegistration(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	deferred, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	newcomer, err := env.Identity.Register(ctx, "newcomer@example.com")
	require.NoError(t, err)

	replayed, err := env.Transition.ReplayPendingActions(ctx, newcomer.UserID)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	accepted := replayed[0]
	assert.Equal(t, deferred.ActionID, accepted.ActionID)
	assert.True(t, accepted.Accepted())
	require.NotNil(t, accepted.NewOwnerID)
	assert.Equal(t, newcomer.UserID, *accepted.NewOwnerID)
	assert.Nil(t, accepted.NewOwnerEmail)
	require.NotNil(t, accepted.LedgerTxID)

	updated := env.edition(t, edition.EditionID)
	require.NotNil(t, updated.OwnerID)
	assert.Equal(t, newcomer.UserID, *updated.OwnerID)
	assert.Nil(t, updated.PendingOwnerEmail)

	newcomerRec := env.acl(t, newcomer.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, newcomerRec)
	assert.True(t, newcomerRec.Transfer)

	aliceRec := env.acl(t, alice.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, aliceRec)
	assert.False(t, aliceRec.WithdrawTransfer)
	assert.True(t, aliceRec.Unshare)

	// Nothing left to replay.
	replayed, err = env.Transition.ReplayPendingActions(ctx, newcomer.UserID)
	require.NoError(t, err)
	assert.Empty(t, replayed)
}

// Withdrawing a deferred transfer restores the sender and retires the
// action; the audit trail keeps the soft-deleted row.
func TestWithdrawTransfer(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	require.NoError(t, env.Transition.WithdrawTransfer(ctx, action.ActionID, alice.UserID))

	aliceRec := env.acl(t, alice.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, aliceRec)
	assert.True(t, aliceRec.Edit)
	assert.True(t, aliceRec.Transfer)
	assert.False(t, aliceRec.WithdrawTransfer)

	updated := env.edition(t, edition.EditionID)
	assert.Nil(t, updated.PendingOwnerEmail)

	stored := env.action(t, action.ActionID)
	assert.NotNil(t, stored.DeletedAt)
	assert.False(t, stored.Pending())

	// Withdrawn means gone; a second withdraw finds nothing pending.
	err = env.Transition.WithdrawTransfer(ctx, action.ActionID, alice.UserID)
	assert.ErrorIs(t, err, ErrActionNotPending)
}

// Only the requesting owner holds the withdraw handle.
func TestWithdrawTransferWrongActor(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	mallory := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	err = env.Transition.WithdrawTransfer(ctx, action.ActionID, mallory.UserID)
	assert.True(t, IsInvalidCounterparty(err))
}

// One pending transfer per edition: a second request for the same slot
// conflicts even when the actor still holds the capability.
func TestTransferPendingSlotConflict(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	_, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	// Hand the capability back so the slot check itself is what trips.
	rec := env.acl(t, alice.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, rec)
	rec.Transfer = true
	require.NoError(t, env.Stores.ACLs.Update(ctx, rec))

	_, err = env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "someoneelse@example.com",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

// A stripped sender cannot open another transfer while one is pending.
func TestTransferDeniedAfterStrip(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	_, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	_, err = env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "someoneelse@example.com",
	})
	assert.True(t, IsPermissionDenied(err))
}
