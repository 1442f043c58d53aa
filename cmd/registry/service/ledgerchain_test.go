package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/models"
)

// Rebuilding the chain for an action whose chain is already live must
// not double any transaction.
func TestRetryChainIdempotent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)
	require.NotNil(t, action.LedgerTxID)
	before := len(env.DB.txs)
	published := len(env.Publisher.published)

	retried, err := env.Transition.RetryChain(ctx, action.ActionID)
	require.NoError(t, err)
	assert.Equal(t, action.ActionID, retried.ActionID)
	assert.Equal(t, before, len(env.DB.txs))
	assert.Equal(t, published, len(env.Publisher.published))
}

// Retrying a pending action is refused; only a confirmed action has a
// chain to rebuild.
func TestRetryChainNotAccepted(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	deferred, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: "newcomer@example.com",
	})
	require.NoError(t, err)

	_, err = env.Transition.RetryChain(ctx, deferred.ActionID)
	assert.ErrorIs(t, err, ErrActionNotPending)
}

// The refill is its own transaction with no owning action; only the
// spend is attached to the transfer.
func TestRefillHasNoOwningAction(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	_, edition := env.registeredEdition(t, alice.UserID)

	action, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)
	require.NotNil(t, action.LedgerTxID)

	spend := env.tx(t, *action.LedgerTxID)
	owner, err := env.Stores.Actions.GetByLedgerTx(ctx, spend.TxID)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, action.ActionID, owner.ActionID)

	require.NotNil(t, spend.DependentTxID)
	refillOwner, err := env.Stores.Actions.GetByLedgerTx(ctx, *spend.DependentTxID)
	require.NoError(t, err)
	assert.Nil(t, refillOwner)
}

// The history surfaces list an edition's full trail, both parties'
// involvement, and hide soft-deleted rows.
func TestHistory(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	alice := env.newUser(t)
	bob := env.newUser(t)
	piece, edition := env.registeredEdition(t, alice.UserID)

	transfer, err := env.Transition.RequestTransfer(ctx, TransferRequest{
		ActorID:         alice.UserID,
		EditionID:       edition.EditionID,
		TransfereeEmail: bob.Email,
	})
	require.NoError(t, err)

	trail, err := env.Transition.HistoryForEdition(ctx, edition.EditionID, 0)
	require.NoError(t, err)
	kinds := map[models.ActionKind]bool{}
	for _, a := range trail {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[models.KindRegistration])
	assert.True(t, kinds[models.KindTransfer])

	forBob, err := env.Transition.HistoryForUser(ctx, bob.UserID, 0)
	require.NoError(t, err)
	found := false
	for _, a := range forBob {
		if a.ActionID == transfer.ActionID {
			found = true
		}
	}
	assert.True(t, found)

	// Soft-deleted rows drop out of every listing.
	friend := env.newUser(t)
	share, err := env.Transition.Share(ctx, ShareRequest{
		ActorID:     bob.UserID,
		EditionID:   edition.EditionID,
		ShareeEmail: friend.Email,
	})
	require.NoError(t, err)
	require.NoError(t, env.Transition.Unshare(ctx, UnshareRequest{
		ActorID:     bob.UserID,
		PieceID:     piece.PieceID,
		EditionID:   &edition.EditionID,
		ShareeEmail: friend.Email,
	}))

	trail, err = env.Transition.HistoryForEdition(ctx, edition.EditionID, 0)
	require.NoError(t, err)
	for _, a := range trail {
		assert.NotEqual(t, share.ActionID, a.ActionID)
	}

	// The row itself survives for the audit surface.
	stored := env.action(t, share.ActionID)
	assert.NotNil(t, stored.DeletedAt)
}
