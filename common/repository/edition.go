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

// EditionRepository handles database operations for editions
type EditionRepository struct {
	q db.Querier
}

// NewEditionRepository creates a new edition repository
func NewEditionRepository(database *db.DB) *EditionRepository {
	return &EditionRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *EditionRepository) WithQuerier(q db.Querier) *EditionRepository {
	return &EditionRepository{q: q}
}

const editionColumns = `edition_id, piece_id, number, owner_id, pending_owner_email, consign_status, address, created_at`

func scanEdition(row pgx.Row) (*models.Edition, error) {
	edition := &models.Edition{}
	err := row.Scan(
		&edition.EditionID,
		&edition.PieceID,
		&edition.Number,
		&edition.OwnerID,
		&edition.PendingOwnerEmail,
		&edition.ConsignStatus,
		&edition.Address,
		&edition.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return edition, nil
}

// Create inserts a new edition
func (r *EditionRepository) Create(ctx context.Context, edition *models.Edition) error {
	if edition.CreatedAt.IsZero() {
		edition.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO editions (edition_id, piece_id, number, owner_id, pending_owner_email, consign_status, address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		edition.EditionID,
		edition.PieceID,
		edition.Number,
		edition.OwnerID,
		edition.PendingOwnerEmail,
		edition.ConsignStatus,
		edition.Address,
		edition.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create edition: %w", err)
	}

	return nil
}

// GetByID retrieves an edition by ID
func (r *EditionRepository) GetByID(ctx context.Context, editionID uuid.UUID) (*models.Edition, error) {
	query := `SELECT ` + editionColumns + ` FROM editions WHERE edition_id = $1`

	edition, err := scanEdition(r.q.QueryRow(ctx, query, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edition: %w", err)
	}

	return edition, nil
}

// ListByPiece retrieves all editions of a piece ordered by number
func (r *EditionRepository) ListByPiece(ctx context.Context, pieceID uuid.UUID) ([]*models.Edition, error) {
	query := `SELECT ` + editionColumns + ` FROM editions WHERE piece_id = $1 ORDER BY number`

	rows, err := r.q.Query(ctx, query, pieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list editions: %w", err)
	}
	defer rows.Close()

	var editions []*models.Edition
	for rows.Next() {
		edition, err := scanEdition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edition: %w", err)
		}
		editions = append(editions, edition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating editions: %w", err)
	}

	return editions, nil
}

// SetOwner sets the current owner and clears any pending-owner marker
func (r *EditionRepository) SetOwner(ctx context.Context, editionID uuid.UUID, ownerID uuid.UUID) error {
	query := `
		UPDATE editions
		SET owner_id = $2, pending_owner_email = NULL
		WHERE edition_id = $1
	`

	_, err := r.q.Exec(ctx, query, editionID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to set edition owner: %w", err)
	}

	return nil
}

// SetPendingOwnerEmail marks the edition as awaiting a transferee signup
func (r *EditionRepository) SetPendingOwnerEmail(ctx context.Context, editionID uuid.UUID, email *string) error {
	query := `
		UPDATE editions
		SET pending_owner_email = $2
		WHERE edition_id = $1
	`

	_, err := r.q.Exec(ctx, query, editionID, email)
	if err != nil {
		return fmt.Errorf("failed to set pending owner email: %w", err)
	}

	return nil
}

// SetConsignStatus updates the consignment state
func (r *EditionRepository) SetConsignStatus(ctx context.Context, editionID uuid.UUID, status models.ConsignStatus) error {
	query := `
		UPDATE editions
		SET consign_status = $2
		WHERE edition_id = $1
	`

	_, err := r.q.Exec(ctx, query, editionID, status)
	if err != nil {
		return fmt.Errorf("failed to set consign status: %w", err)
	}

	return nil
}

// SetAddress updates the edition's current on-chain address
func (r *EditionRepository) SetAddress(ctx context.Context, editionID uuid.UUID, address string) error {
	query := `
		UPDATE editions
		SET address = $2
		WHERE edition_id = $1
	`

	_, err := r.q.Exec(ctx, query, editionID, address)
	if err != nil {
		return fmt.Errorf("failed to set edition address: %w", err)
	}

	return nil
}
