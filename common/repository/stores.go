package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/artregistry/provenance/common/db"
)

// Stores bundles one repository per aggregate, all bound to the same
// querier. A transition that touches the ownership ledger and the ACL
// together gets a tx-bound Stores so the whole unit commits or none of it
// does.
type Stores struct {
	Users     *UserRepository
	Pieces    *PieceRepository
	Editions  *EditionRepository
	Actions   *ActionRepository
	ACLs      *ACLRepository
	LedgerTxs *LedgerTxRepository
}

// NewStores creates pool-bound stores
func NewStores(database *db.DB) Stores {
	return Stores{
		Users:     NewUserRepository(database),
		Pieces:    NewPieceRepository(database),
		Editions:  NewEditionRepository(database),
		Actions:   NewActionRepository(database),
		ACLs:      NewACLRepository(database),
		LedgerTxs: NewLedgerTxRepository(database),
	}
}

// WithQuerier returns stores bound to q (typically a pgx.Tx)
func (s Stores) WithQuerier(q db.Querier) Stores {
	return Stores{
		Users:     s.Users.WithQuerier(q),
		Pieces:    s.Pieces.WithQuerier(q),
		Editions:  s.Editions.WithQuerier(q),
		Actions:   s.Actions.WithQuerier(q),
		ACLs:      s.ACLs.WithQuerier(q),
		LedgerTxs: s.LedgerTxs.WithQuerier(q),
	}
}

// Manager hands out stores and runs transactional units of work
type Manager struct {
	db     *db.DB
	stores Stores
}

// NewManager creates a repository manager over the database
func NewManager(database *db.DB) *Manager {
	return &Manager{
		db:     database,
		stores: NewStores(database),
	}
}

// Stores returns the pool-bound stores
func (m *Manager) Stores() Stores {
	return m.stores
}

// RunInTx runs fn with tx-bound stores inside one database transaction
func (m *Manager) RunInTx(ctx context.Context, fn func(s Stores) error) error {
	return m.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(m.stores.WithQuerier(tx))
	})
}
