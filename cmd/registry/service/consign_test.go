package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/models"
)

// A consignment request parks the edition in pending, grants the
// consignee a restricted record and the owner a withdraw handle. No
// chain runs until the consignee confirms.
func TestRequestConsignment(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)
	assert.True(t, action.Pending())
	assert.Nil(t, action.LedgerTxID)

	updated := env.edition(t, edition.EditionID)
	assert.Equal(t, models.PendingConsign, updated.ConsignStatus)

	galleryRec := env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, galleryRec)
	assert.True(t, galleryRec.View)
	assert.True(t, galleryRec.Coa)
	assert.False(t, galleryRec.Transfer)
	assert.False(t, galleryRec.Unconsign)

	ownerRec := env.acl(t, owner.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, ownerRec)
	assert.True(t, ownerRec.WithdrawConsign)

	// The slot is taken.
	_, err = env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

// Consignees must hold an account; there is no deferred branch for
// consignments.
func TestRequestConsignmentUnknownConsignee(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t)
	_, edition := env.registeredEdition(t, owner.UserID)

	_, err := env.Transition.RequestConsignment(context.Background(), ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: "nobody@example.com",
	})
	assert.True(t, IsInvalidCounterparty(err))
}

// Confirming upgrades the consignee to act on the edition, swaps the
// owner's withdraw handle for request-unconsign and runs the chain. An
// edition first anchored while consigned registers as a consigned
// registration.
func TestConfirmConsignment(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)

	accepted, err := env.Transition.ConfirmConsignment(ctx, action.ActionID, gallery.UserID)
	require.NoError(t, err)
	assert.True(t, accepted.Accepted())
	require.NotNil(t, accepted.LedgerTxID)

	updated := env.edition(t, edition.EditionID)
	assert.Equal(t, models.Consigned, updated.ConsignStatus)

	galleryRec := env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, galleryRec)
	assert.True(t, galleryRec.Loan)
	assert.True(t, galleryRec.Transfer)
	assert.True(t, galleryRec.Unconsign)

	ownerRec := env.acl(t, owner.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, ownerRec)
	assert.True(t, ownerRec.RequestUnconsign)
	assert.False(t, ownerRec.WithdrawConsign)

	regActions, err := env.Stores.Actions.ListByEdition(ctx, edition.EditionID, 0)
	require.NoError(t, err)
	var consignedReg *models.OwnershipAction
	for _, a := range regActions {
		if a.Kind == models.KindConsignedRegistration {
			consignedReg = a
		}
	}
	require.NotNil(t, consignedReg)
	require.NotNil(t, consignedReg.NewOwnerID)
	assert.Equal(t, gallery.UserID, *consignedReg.NewOwnerID)

	spend := env.tx(t, *accepted.LedgerTxID)
	assert.Equal(t, models.TxConsign, spend.Kind)
}

// Only the named consignee may confirm.
func TestConfirmConsignmentWrongActor(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	mallory := env.newUser(t)
	_, edition := env.registeredEdition(t, owner.UserID)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)

	_, err = env.Transition.ConfirmConsignment(ctx, action.ActionID, mallory.UserID)
	assert.True(t, IsInvalidCounterparty(err))
}

// Denying removes the record the pending consignment created for the
// consignee, restores the owner and retires the action.
func TestDenyConsignment(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)

	require.NoError(t, env.Transition.DenyConsignment(ctx, action.ActionID, gallery.UserID))

	// Speculative record, so it is deleted outright.
	assert.Nil(t, env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID))

	ownerRec := env.acl(t, owner.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, ownerRec)
	assert.True(t, ownerRec.Transfer)
	assert.True(t, ownerRec.Consign)
	assert.False(t, ownerRec.WithdrawConsign)

	updated := env.edition(t, edition.EditionID)
	assert.Equal(t, models.NotConsigned, updated.ConsignStatus)

	stored := env.action(t, action.ActionID)
	assert.NotNil(t, stored.DeletedAt)
	require.NotNil(t, stored.Status)
	assert.Equal(t, models.StatusRejected, *stored.Status)
}

// A consignee who already held permissions before the request keeps
// their record; deny only toggles the granted flags off.
func TestDenyConsignmentPreexistingRecord(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	// Gallery already sees the edition through a share.
	_, err := env.Transition.Share(ctx, ShareRequest{
		ActorID:     owner.UserID,
		EditionID:   edition.EditionID,
		ShareeEmail: gallery.Email,
	})
	require.NoError(t, err)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)
	require.NoError(t, env.Transition.DenyConsignment(ctx, action.ActionID, gallery.UserID))

	rec := env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, rec)
	assert.False(t, rec.Transfer)
	assert.False(t, rec.Loan)
	assert.False(t, rec.Unconsign)
	assert.True(t, rec.View)
}

// The owner can pull a consignment the consignee has not answered.
func TestWithdrawConsignment(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	action, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)

	require.NoError(t, env.Transition.WithdrawConsignment(ctx, action.ActionID, owner.UserID))

	assert.Nil(t, env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID))
	updated := env.edition(t, edition.EditionID)
	assert.Equal(t, models.NotConsigned, updated.ConsignStatus)
}

// Unconsignment reverses the consignment's addresses instead of
// deriving new ones, so the anchor returns exactly where it was.
func TestUnconsignmentRoundTrip(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	consign, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)
	consign, err = env.Transition.ConfirmConsignment(ctx, consign.ActionID, gallery.UserID)
	require.NoError(t, err)
	require.NotNil(t, consign.PrevAddress)
	require.NotNil(t, consign.NewAddress)

	uncon, err := env.Transition.RequestUnconsignment(ctx, UnconsignRequest{
		ActorID:   owner.UserID,
		EditionID: edition.EditionID,
	})
	require.NoError(t, err)
	assert.True(t, uncon.Pending())
	require.NotNil(t, uncon.PrevOwnerID)
	assert.Equal(t, gallery.UserID, *uncon.PrevOwnerID)
	require.NotNil(t, uncon.PrevAddress)
	require.NotNil(t, uncon.NewAddress)
	assert.Equal(t, *consign.NewAddress, *uncon.PrevAddress)
	assert.Equal(t, *consign.PrevAddress, *uncon.NewAddress)

	assert.Equal(t, models.PendingUnconsign, env.edition(t, edition.EditionID).ConsignStatus)

	accepted, err := env.Transition.ConfirmUnconsignment(ctx, uncon.ActionID, gallery.UserID)
	require.NoError(t, err)
	assert.True(t, accepted.Accepted())
	require.NotNil(t, accepted.LedgerTxID)

	spend := env.tx(t, *accepted.LedgerTxID)
	assert.Equal(t, models.TxUnconsign, spend.Kind)
	assert.Equal(t, *consign.NewAddress, spend.FromAddress)
	assert.Equal(t, *consign.PrevAddress, spend.ToAddress)

	updated := env.edition(t, edition.EditionID)
	assert.Equal(t, models.NotConsigned, updated.ConsignStatus)
	require.NotNil(t, updated.Address)
	assert.Equal(t, *consign.PrevAddress, *updated.Address)

	galleryRec := env.acl(t, gallery.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, galleryRec)
	assert.False(t, galleryRec.Transfer)
	assert.False(t, galleryRec.Loan)
	assert.False(t, galleryRec.Unconsign)

	ownerRec := env.acl(t, owner.UserID, piece.PieceID, &edition.EditionID)
	require.NotNil(t, ownerRec)
	assert.True(t, ownerRec.Transfer)
	assert.True(t, ownerRec.Consign)
	assert.False(t, ownerRec.RequestUnconsign)
}

// The consignee declining to hand back leaves the consignment in force.
func TestDenyUnconsignment(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	gallery := env.newUser(t)
	_, edition := env.registeredEdition(t, owner.UserID)

	consign, err := env.Transition.RequestConsignment(ctx, ConsignRequest{
		ActorID:        owner.UserID,
		EditionID:      edition.EditionID,
		ConsigneeEmail: gallery.Email,
	})
	require.NoError(t, err)
	_, err = env.Transition.ConfirmConsignment(ctx, consign.ActionID, gallery.UserID)
	require.NoError(t, err)

	uncon, err := env.Transition.RequestUnconsignment(ctx, UnconsignRequest{
		ActorID:   owner.UserID,
		EditionID: edition.EditionID,
	})
	require.NoError(t, err)

	require.NoError(t, env.Transition.DenyUnconsignment(ctx, uncon.ActionID, gallery.UserID))
	assert.Equal(t, models.Consigned, env.edition(t, edition.EditionID).ConsignStatus)

	stored := env.action(t, uncon.ActionID)
	assert.NotNil(t, stored.DeletedAt)
}
