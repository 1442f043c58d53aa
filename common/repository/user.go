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

// UserRepository handles database operations for users
type UserRepository struct {
	q db.Querier
}

// NewUserRepository creates a new user repository
func NewUserRepository(database *db.DB) *UserRepository {
	return &UserRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *UserRepository) WithQuerier(q db.Querier) *UserRepository {
	return &UserRepository{q: q}
}

// Create inserts a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (user_id, email, credential_generation, credential_reset_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		user.UserID,
		user.Email,
		user.CredentialGeneration,
		user.CredentialResetAt,
		user.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	query := `
		SELECT user_id, email, credential_generation, credential_reset_at, created_at
		FROM users
		WHERE user_id = $1
	`

	user := &models.User{}
	err := r.q.QueryRow(ctx, query, userID).Scan(
		&user.UserID,
		&user.Email,
		&user.CredentialGeneration,
		&user.CredentialResetAt,
		&user.CreatedAt,
	)

	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetByEmail retrieves a user by email. Returns nil (not an error) when no
// account exists, since the deferred-transfer branch depends on that.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT user_id, email, credential_generation, credential_reset_at, created_at
		FROM users
		WHERE email = $1
	`

	user := &models.User{}
	err := r.q.QueryRow(ctx, query, email).Scan(
		&user.UserID,
		&user.Email,
		&user.CredentialGeneration,
		&user.CredentialResetAt,
		&user.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// RecordCredentialReset bumps the credential generation and stamps the
// reset time. Called by the identity webhook when a password changes.
func (r *UserRepository) RecordCredentialReset(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE users
		SET credential_generation = credential_generation + 1,
		    credential_reset_at = now()
		WHERE user_id = $1
	`

	_, err := r.q.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to record credential reset: %w", err)
	}

	return nil
}
