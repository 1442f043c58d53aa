package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/artregistry/provenance/common/db"
	"github.com/artregistry/provenance/common/models"
)

// ActionRepository handles database operations for the ownership ledger
type ActionRepository struct {
	q db.Querier
}

// NewActionRepository creates a new action repository
func NewActionRepository(database *db.DB) *ActionRepository {
	return &ActionRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *ActionRepository) WithQuerier(q db.Querier) *ActionRepository {
	return &ActionRepository{q: q}
}

// defaultListLimit caps list queries when the caller passes no limit
const defaultListLimit = 500

const actionColumns = `action_id, kind, piece_id, edition_id, prev_owner_id, new_owner_id, new_owner_email,
	status, window_from, window_to, prev_address, new_address, ledger_tx_id, signing_material,
	contract_agreement_id, extra, error, created_at, responded_at, deleted_at`

func scanAction(row pgx.Row) (*models.OwnershipAction, error) {
	a := &models.OwnershipAction{}
	err := row.Scan(
		&a.ActionID,
		&a.Kind,
		&a.PieceID,
		&a.EditionID,
		&a.PrevOwnerID,
		&a.NewOwnerID,
		&a.NewOwnerEmail,
		&a.Status,
		&a.WindowFrom,
		&a.WindowTo,
		&a.PrevAddress,
		&a.NewAddress,
		&a.LedgerTxID,
		&a.SigningMaterial,
		&a.ContractAgreementID,
		&a.Extra,
		&a.Error,
		&a.CreatedAt,
		&a.RespondedAt,
		&a.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new ownership action
func (r *ActionRepository) Create(ctx context.Context, a *models.OwnershipAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO ownership_actions (` + actionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		a.ActionID,
		a.Kind,
		a.PieceID,
		a.EditionID,
		a.PrevOwnerID,
		a.NewOwnerID,
		a.NewOwnerEmail,
		a.Status,
		a.WindowFrom,
		a.WindowTo,
		a.PrevAddress,
		a.NewAddress,
		a.LedgerTxID,
		a.SigningMaterial,
		a.ContractAgreementID,
		a.Extra,
		a.Error,
		a.CreatedAt,
		a.RespondedAt,
		a.DeletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create ownership action: %w", err)
	}

	return nil
}

// GetByID retrieves an action by ID
func (r *ActionRepository) GetByID(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error) {
	query := `SELECT ` + actionColumns + ` FROM ownership_actions WHERE action_id = $1`

	a, err := scanAction(r.q.QueryRow(ctx, query, actionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ownership action: %w", err)
	}

	return a, nil
}

// Update writes the mutable columns of an action. Create-time columns
// (kind, asset reference, created_at) are never rewritten.
func (r *ActionRepository) Update(ctx context.Context, a *models.OwnershipAction) error {
	query := `
		UPDATE ownership_actions
		SET prev_owner_id = $2,
		    new_owner_id = $3,
		    new_owner_email = $4,
		    status = $5,
		    prev_address = $6,
		    new_address = $7,
		    ledger_tx_id = $8,
		    signing_material = $9,
		    extra = $10,
		    error = $11,
		    responded_at = $12,
		    deleted_at = $13
		WHERE action_id = $1
	`

	_, err := r.q.Exec(
		ctx,
		query,
		a.ActionID,
		a.PrevOwnerID,
		a.NewOwnerID,
		a.NewOwnerEmail,
		a.Status,
		a.PrevAddress,
		a.NewAddress,
		a.LedgerTxID,
		a.SigningMaterial,
		a.Extra,
		a.Error,
		a.RespondedAt,
		a.DeletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update ownership action: %w", err)
	}

	return nil
}

// SoftDelete sets deleted_at, keeping the row queryable for audit history
func (r *ActionRepository) SoftDelete(ctx context.Context, actionID uuid.UUID) error {
	query := `
		UPDATE ownership_actions
		SET deleted_at = now()
		WHERE action_id = $1 AND deleted_at IS NULL
	`

	_, err := r.q.Exec(ctx, query, actionID)
	if err != nil {
		return fmt.Errorf("failed to soft delete action: %w", err)
	}

	return nil
}

// LatestWithTxByKind retrieves the temporally-latest action of exactly the
// given kind for an edition that has a ledger transaction attached.
// Returns nil when the edition has never seen such an action.
func (r *ActionRepository) LatestWithTxByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE kind = $1 AND edition_id = $2 AND ledger_tx_id IS NOT NULL AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAction(r.q.QueryRow(ctx, query, kind, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %s action: %w", kind, err)
	}

	return a, nil
}

// LatestAcceptedByKind retrieves the latest accepted action of a kind for
// an edition, nil when absent.
func (r *ActionRepository) LatestAcceptedByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE kind = $1 AND edition_id = $2 AND status = 'accepted' AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAction(r.q.QueryRow(ctx, query, kind, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest accepted %s action: %w", kind, err)
	}

	return a, nil
}

// PendingBySlot retrieves the live pending action of a kind for an asset
// slot, nil when absent. editionID nil means the piece-level slot.
func (r *ActionRepository) PendingBySlot(ctx context.Context, kind models.ActionKind, pieceID uuid.UUID, editionID *uuid.UUID) (*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE kind = $1 AND piece_id = $2
		  AND COALESCE(edition_id, '00000000-0000-0000-0000-000000000000') = COALESCE($3, '00000000-0000-0000-0000-000000000000')
		  AND status IS NULL AND deleted_at IS NULL
		LIMIT 1
	`

	a, err := scanAction(r.q.QueryRow(ctx, query, kind, pieceID, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending %s action: %w", kind, err)
	}

	return a, nil
}

// RegistrationForEdition retrieves the edition's registration action, nil
// when the edition was never anchored.
func (r *ActionRepository) RegistrationForEdition(ctx context.Context, editionID uuid.UUID) (*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE kind = $1 AND edition_id = $2 AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT 1
	`

	a, err := scanAction(r.q.QueryRow(ctx, query, models.KindRegistration, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edition registration: %w", err)
	}

	return a, nil
}

// GetByLedgerTx retrieves the action that owns a ledger transaction, nil
// when the transaction has no owning action (refills).
func (r *ActionRepository) GetByLedgerTx(ctx context.Context, txID uuid.UUID) (*models.OwnershipAction, error) {
	query := `SELECT ` + actionColumns + ` FROM ownership_actions WHERE ledger_tx_id = $1`

	a, err := scanAction(r.q.QueryRow(ctx, query, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action by ledger tx: %w", err)
	}

	return a, nil
}

// LatestAnchorForAddress retrieves the most recent action that anchored
// the address for the user (registration, migration, or an inbound
// transfer/consignment), nil when absent. The migration detector compares
// its timestamp against the user's credential reset.
func (r *ActionRepository) LatestAnchorForAddress(ctx context.Context, userID uuid.UUID, address string) (*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE new_owner_id = $1 AND new_address = $2 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	a, err := scanAction(r.q.QueryRow(ctx, query, userID, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anchor for address: %w", err)
	}

	return a, nil
}

// ListByEdition retrieves the full provenance for an edition, newest first
func (r *ActionRepository) ListByEdition(ctx context.Context, editionID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE edition_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.list(ctx, query, editionID, limit)
}

// ListByPiece retrieves provenance for a piece (all editions + piece-level)
func (r *ActionRepository) ListByPiece(ctx context.Context, pieceID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE piece_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.list(ctx, query, pieceID, limit)
}

// ListByUser retrieves actions in which the user is either party
func (r *ActionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE (prev_owner_id = $1 OR new_owner_id = $1) AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.list(ctx, query, userID, limit)
}

// PendingByNewOwnerEmail retrieves live pending actions deferred for an
// unregistered counterparty. Used by first-login replay.
func (r *ActionRepository) PendingByNewOwnerEmail(ctx context.Context, email string) ([]*models.OwnershipAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM ownership_actions
		WHERE new_owner_email = $1 AND status IS NULL AND deleted_at IS NULL
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions for email: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func (r *ActionRepository) list(ctx context.Context, query string, args ...any) ([]*models.OwnershipAction, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ownership actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func collectActions(rows pgx.Rows) ([]*models.OwnershipAction, error) {
	var actions []*models.OwnershipAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ownership action: %w", err)
		}
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ownership actions: %w", err)
	}

	return actions, nil
}
