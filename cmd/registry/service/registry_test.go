package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/models"
)

// Registering a piece anchors it, records the registration event and
// grants the registrant the full owner record.
func TestRegisterPiece(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)

	piece := env.registerPiece(t, owner.UserID, models.EditionsUnsplit)
	require.NotNil(t, piece.RegistrationAddress)

	rec := env.acl(t, owner.UserID, piece.PieceID, nil)
	require.NotNil(t, rec)
	assert.True(t, rec.View)
	assert.True(t, rec.Edit)
	assert.True(t, rec.Transfer)
	assert.True(t, rec.Consign)
	assert.True(t, rec.Share)
	assert.True(t, rec.CreateEditions)

	actions, err := env.Stores.Actions.ListByPiece(ctx, piece.PieceID, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	reg := actions[0]
	assert.Equal(t, models.KindPiece, reg.Kind)
	assert.True(t, reg.Accepted())
	require.NotNil(t, reg.LedgerTxID)
	assert.Contains(t, env.Publisher.published, *reg.LedgerTxID)

	tx := env.tx(t, *reg.LedgerTxID)
	assert.Equal(t, models.TxRegister, tx.Kind)
	assert.Equal(t, *piece.RegistrationAddress, tx.ToAddress)
}

// A piece registered with a fixed edition count is already split, so
// the owner record must not offer splitting again.
func TestRegisterSplitPiece(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t)

	piece := env.registerPiece(t, owner.UserID, 5)
	rec := env.acl(t, owner.UserID, piece.PieceID, nil)
	require.NotNil(t, rec)
	assert.False(t, rec.CreateEditions)
}

// Splitting creates numbered editions owned by the registrant, one
// owner record each, and burns the create-editions capability.
func TestCreateEditions(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	piece := env.registerPiece(t, owner.UserID, models.EditionsUnsplit)

	editions, err := env.Registry.CreateEditions(ctx, owner.UserID, piece.PieceID, 3)
	require.NoError(t, err)
	require.Len(t, editions, 3)

	for i, edition := range editions {
		assert.Equal(t, i+1, edition.Number)
		require.NotNil(t, edition.OwnerID)
		assert.Equal(t, owner.UserID, *edition.OwnerID)
		assert.Equal(t, models.NotConsigned, edition.ConsignStatus)
		assert.Nil(t, edition.Address)

		rec := env.acl(t, owner.UserID, piece.PieceID, &edition.EditionID)
		require.NotNil(t, rec)
		assert.True(t, rec.Transfer)
		assert.True(t, rec.Consign)
	}

	rec := env.acl(t, owner.UserID, piece.PieceID, nil)
	assert.False(t, rec.CreateEditions)

	// Split is one-shot.
	_, err = env.Registry.CreateEditions(ctx, owner.UserID, piece.PieceID, 2)
	assert.ErrorIs(t, err, ErrConflict)
}

// A user without the capability cannot split someone else's piece.
func TestCreateEditionsDenied(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t)
	stranger := env.newUser(t)
	piece := env.registerPiece(t, owner.UserID, models.EditionsUnsplit)

	_, err := env.Registry.CreateEditions(context.Background(), stranger.UserID, piece.PieceID, 3)
	assert.True(t, IsPermissionDenied(err))
}

// Metadata edits apply as a merge patch: new keys added, nulled keys
// removed, the rest untouched.
func TestEditPieceMetadata(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)

	piece, err := env.Registry.RegisterPiece(ctx, RegisterPieceRequest{
		RegistrantID: owner.UserID,
		Title:        "Etching",
		ArtistName:   "Test Artist",
		NumEditions:  models.EditionsUnsplit,
		Extra:        map[string]interface{}{"medium": "etching", "year": "1999"},
	})
	require.NoError(t, err)

	patched, err := env.Registry.EditPieceMetadata(ctx, owner.UserID, piece.PieceID,
		[]byte(`{"year":null,"price":"1200"}`))
	require.NoError(t, err)
	assert.Equal(t, "etching", patched.Extra["medium"])
	assert.Equal(t, "1200", patched.Extra["price"])
	assert.NotContains(t, patched.Extra, "year")

	stranger := env.newUser(t)
	_, err = env.Registry.EditPieceMetadata(ctx, stranger.UserID, piece.PieceID, []byte(`{}`))
	assert.True(t, IsPermissionDenied(err))
}

// Piece and edition reads fail closed: no record means no access, and
// an edition read falls back to the piece-level view grant.
func TestViewAccess(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	owner := env.newUser(t)
	stranger := env.newUser(t)
	piece, edition := env.registeredEdition(t, owner.UserID)

	_, err := env.Registry.GetPiece(ctx, owner.UserID, piece.PieceID)
	require.NoError(t, err)
	_, err = env.Registry.GetPiece(ctx, stranger.UserID, piece.PieceID)
	assert.True(t, IsPermissionDenied(err))

	_, err = env.Registry.GetEdition(ctx, owner.UserID, edition.EditionID)
	require.NoError(t, err)
	_, err = env.Registry.GetEdition(ctx, stranger.UserID, edition.EditionID)
	assert.True(t, IsPermissionDenied(err))

	// Piece-level view alone is enough to read an edition.
	sharee := env.newUser(t)
	_, err = env.Transition.SharePiece(ctx, SharePieceRequest{
		ActorID:     owner.UserID,
		PieceID:     piece.PieceID,
		ShareeEmail: sharee.Email,
	})
	require.NoError(t, err)
	_, err = env.Registry.GetEdition(ctx, sharee.UserID, edition.EditionID)
	require.NoError(t, err)
}
