package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/artregistry/provenance/common/cache"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
	"github.com/artregistry/provenance/common/queue"
)

// TestEnv wires the whole engine over in-memory stores and a fake
// wallet daemon.
type TestEnv struct {
	DB         *memDB
	Stores     Stores
	Ledger     *fakeLedger
	Publisher  *fakePublisher
	Identity   *IdentityService
	Registry   *RegistryService
	Transition *TransitionService
	Builder    *LedgerBuildService
	ACL        *ACLService
}

func setupTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	log := logger.New("error", "json")
	db := newMemDB()
	stores := db.stores()
	runner := &memRunner{db: db}
	fl := &fakeLedger{}
	pub := &fakePublisher{}

	identity := NewIdentityService(stores.Users, cache.NewMemoryCache(log), log)
	acl := NewACLService(log)
	ownership := NewOwnershipService(log)
	migration := NewMigrationDetector(identity, fl, ownership, log)
	builder := NewLedgerBuildService(fl, ownership, migration, log)
	notifier := NewNotifier(queue.NewMemoryQueue(log), "notifications", true, log)

	registry := NewRegistryService(runner, stores, acl, ownership, fl, pub, log)
	transition := NewTransitionService(runner, stores, acl, ownership, builder, identity, notifier, pub, log)

	return &TestEnv{
		DB:         db,
		Stores:     stores,
		Ledger:     fl,
		Publisher:  pub,
		Identity:   identity,
		Registry:   registry,
		Transition: transition,
		Builder:    builder,
		ACL:        acl,
	}
}

var testUserSeq int

func (e *TestEnv) newUser(t *testing.T) *models.User {
	t.Helper()
	testUserSeq++
	user, err := e.Identity.Register(context.Background(), fmt.Sprintf("user%d@example.com", testUserSeq))
	require.NoError(t, err)
	return user
}

func (e *TestEnv) registerPiece(t *testing.T, registrantID uuid.UUID, numEditions int) *models.Piece {
	t.Helper()
	piece, err := e.Registry.RegisterPiece(context.Background(), RegisterPieceRequest{
		RegistrantID: registrantID,
		Title:        "Untitled",
		ArtistName:   "Test Artist",
		NumEditions:  numEditions,
	})
	require.NoError(t, err)
	return piece
}

// registeredEdition registers a fresh piece and splits it into one
// edition, the minimal fixture behind most transition tests.
func (e *TestEnv) registeredEdition(t *testing.T, ownerID uuid.UUID) (*models.Piece, *models.Edition) {
	t.Helper()
	piece := e.registerPiece(t, ownerID, models.EditionsUnsplit)
	editions, err := e.Registry.CreateEditions(context.Background(), ownerID, piece.PieceID, 1)
	require.NoError(t, err)
	require.Len(t, editions, 1)
	return piece, editions[0]
}

func (e *TestEnv) acl(t *testing.T, userID, pieceID uuid.UUID, editionID *uuid.UUID) *models.ACLRecord {
	t.Helper()
	rec, err := e.Stores.ACLs.Get(context.Background(), userID, pieceID, editionID)
	require.NoError(t, err)
	return rec
}

func (e *TestEnv) tx(t *testing.T, txID uuid.UUID) *models.LedgerTx {
	t.Helper()
	tx, err := e.Stores.LedgerTxs.GetByID(context.Background(), txID)
	require.NoError(t, err)
	require.NotNil(t, tx)
	return tx
}

func (e *TestEnv) edition(t *testing.T, editionID uuid.UUID) *models.Edition {
	t.Helper()
	edition, err := e.Stores.Editions.GetByID(context.Background(), editionID)
	require.NoError(t, err)
	require.NotNil(t, edition)
	return edition
}

func (e *TestEnv) action(t *testing.T, actionID uuid.UUID) *models.OwnershipAction {
	t.Helper()
	action, err := e.Stores.Actions.GetByID(context.Background(), actionID)
	require.NoError(t, err)
	require.NotNil(t, action)
	return action
}
