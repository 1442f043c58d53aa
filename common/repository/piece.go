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

// PieceRepository handles database operations for pieces
type PieceRepository struct {
	q db.Querier
}

// NewPieceRepository creates a new piece repository
func NewPieceRepository(database *db.DB) *PieceRepository {
	return &PieceRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *PieceRepository) WithQuerier(q db.Querier) *PieceRepository {
	return &PieceRepository{q: q}
}

// Create inserts a new piece
func (r *PieceRepository) Create(ctx context.Context, piece *models.Piece) error {
	if piece.CreatedAt.IsZero() {
		piece.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO pieces (piece_id, title, artist_name, registrant_id, num_editions, registration_address, extra, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		piece.PieceID,
		piece.Title,
		piece.ArtistName,
		piece.RegistrantID,
		piece.NumEditions,
		piece.RegistrationAddress,
		piece.Extra,
		piece.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create piece: %w", err)
	}

	return nil
}

// GetByID retrieves a piece by ID
func (r *PieceRepository) GetByID(ctx context.Context, pieceID uuid.UUID) (*models.Piece, error) {
	query := `
		SELECT piece_id, title, artist_name, registrant_id, num_editions, registration_address, extra, created_at
		FROM pieces
		WHERE piece_id = $1
	`

	piece := &models.Piece{}
	err := r.q.QueryRow(ctx, query, pieceID).Scan(
		&piece.PieceID,
		&piece.Title,
		&piece.ArtistName,
		&piece.RegistrantID,
		&piece.NumEditions,
		&piece.RegistrationAddress,
		&piece.Extra,
		&piece.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get piece: %w", err)
	}

	return piece, nil
}

// SetNumEditions updates the edition count (set once when the piece splits)
func (r *PieceRepository) SetNumEditions(ctx context.Context, pieceID uuid.UUID, num int) error {
	query := `
		UPDATE pieces
		SET num_editions = $2
		WHERE piece_id = $1
	`

	_, err := r.q.Exec(ctx, query, pieceID, num)
	if err != nil {
		return fmt.Errorf("failed to set num_editions: %w", err)
	}

	return nil
}

// SetRegistrationAddress anchors the piece at its registration address
func (r *PieceRepository) SetRegistrationAddress(ctx context.Context, pieceID uuid.UUID, address string) error {
	query := `
		UPDATE pieces
		SET registration_address = $2
		WHERE piece_id = $1
	`

	_, err := r.q.Exec(ctx, query, pieceID, address)
	if err != nil {
		return fmt.Errorf("failed to set registration address: %w", err)
	}

	return nil
}

// UpdateExtra replaces the piece's metadata document
func (r *PieceRepository) UpdateExtra(ctx context.Context, pieceID uuid.UUID, extra map[string]interface{}) error {
	query := `
		UPDATE pieces
		SET extra = $2
		WHERE piece_id = $1
	`

	_, err := r.q.Exec(ctx, query, pieceID, extra)
	if err != nil {
		return fmt.Errorf("failed to update piece extra: %w", err)
	}

	return nil
}

// ListByRegistrant retrieves pieces registered by a user
func (r *PieceRepository) ListByRegistrant(ctx context.Context, registrantID uuid.UUID, limit int) ([]*models.Piece, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT piece_id, title, artist_name, registrant_id, num_editions, registration_address, extra, created_at
		FROM pieces
		WHERE registrant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, registrantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pieces: %w", err)
	}
	defer rows.Close()

	var pieces []*models.Piece
	for rows.Next() {
		piece := &models.Piece{}
		err := rows.Scan(
			&piece.PieceID,
			&piece.Title,
			&piece.ArtistName,
			&piece.RegistrantID,
			&piece.NumEditions,
			&piece.RegistrationAddress,
			&piece.Extra,
			&piece.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan piece: %w", err)
		}
		pieces = append(pieces, piece)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pieces: %w", err)
	}

	return pieces, nil
}
