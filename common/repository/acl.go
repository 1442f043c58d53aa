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

// ACLRepository handles database operations for permission records
type ACLRepository struct {
	q db.Querier
}

// NewACLRepository creates a new ACL repository
func NewACLRepository(database *db.DB) *ACLRepository {
	return &ACLRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *ACLRepository) WithQuerier(q db.Querier) *ACLRepository {
	return &ACLRepository{q: q}
}

const aclColumns = `acl_id, user_id, piece_id, edition_id,
	acl_view, acl_edit, acl_download, acl_delete, acl_create_editions, acl_view_editions,
	acl_share, acl_unshare, acl_transfer, acl_withdraw_transfer, acl_consign, acl_withdraw_consign,
	acl_unconsign, acl_request_unconsign, acl_loan, acl_loan_request, acl_coa, created_at, updated_at`

func scanACL(row pgx.Row) (*models.ACLRecord, error) {
	rec := &models.ACLRecord{}
	err := row.Scan(
		&rec.ACLID,
		&rec.UserID,
		&rec.PieceID,
		&rec.EditionID,
		&rec.View,
		&rec.Edit,
		&rec.Download,
		&rec.Delete,
		&rec.CreateEditions,
		&rec.ViewEditions,
		&rec.Share,
		&rec.Unshare,
		&rec.Transfer,
		&rec.WithdrawTransfer,
		&rec.Consign,
		&rec.WithdrawConsign,
		&rec.Unconsign,
		&rec.RequestUnconsign,
		&rec.Loan,
		&rec.LoanRequest,
		&rec.Coa,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Create inserts a new permission record
func (r *ACLRepository) Create(ctx context.Context, rec *models.ACLRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
		rec.UpdatedAt = rec.CreatedAt
	}
	query := `
		INSERT INTO acl_records (` + aclColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		rec.ACLID,
		rec.UserID,
		rec.PieceID,
		rec.EditionID,
		rec.View,
		rec.Edit,
		rec.Download,
		rec.Delete,
		rec.CreateEditions,
		rec.ViewEditions,
		rec.Share,
		rec.Unshare,
		rec.Transfer,
		rec.WithdrawTransfer,
		rec.Consign,
		rec.WithdrawConsign,
		rec.Unconsign,
		rec.RequestUnconsign,
		rec.Loan,
		rec.LoanRequest,
		rec.Coa,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create ACL record: %w", err)
	}

	return nil
}

// Get retrieves the permission record for a (user, piece, edition-or-none)
// slot. Returns nil when no record exists; callers treat that as "no
// permission", never as a crash.
func (r *ACLRepository) Get(ctx context.Context, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error) {
	query := `
		SELECT ` + aclColumns + `
		FROM acl_records
		WHERE user_id = $1 AND piece_id = $2
		  AND COALESCE(edition_id, '00000000-0000-0000-0000-000000000000') = COALESCE($3, '00000000-0000-0000-0000-000000000000')
	`

	rec, err := scanACL(r.q.QueryRow(ctx, query, userID, pieceID, editionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ACL record: %w", err)
	}

	return rec, nil
}

// Update writes all capability flags of a record as one atomic update
func (r *ACLRepository) Update(ctx context.Context, rec *models.ACLRecord) error {
	query := `
		UPDATE acl_records
		SET acl_view = $2, acl_edit = $3, acl_download = $4, acl_delete = $5,
		    acl_create_editions = $6, acl_view_editions = $7, acl_share = $8, acl_unshare = $9,
		    acl_transfer = $10, acl_withdraw_transfer = $11, acl_consign = $12, acl_withdraw_consign = $13,
		    acl_unconsign = $14, acl_request_unconsign = $15, acl_loan = $16, acl_loan_request = $17,
		    acl_coa = $18, updated_at = now()
		WHERE acl_id = $1
	`

	_, err := r.q.Exec(
		ctx,
		query,
		rec.ACLID,
		rec.View,
		rec.Edit,
		rec.Download,
		rec.Delete,
		rec.CreateEditions,
		rec.ViewEditions,
		rec.Share,
		rec.Unshare,
		rec.Transfer,
		rec.WithdrawTransfer,
		rec.Consign,
		rec.WithdrawConsign,
		rec.Unconsign,
		rec.RequestUnconsign,
		rec.Loan,
		rec.LoanRequest,
		rec.Coa,
	)

	if err != nil {
		return fmt.Errorf("failed to update ACL record: %w", err)
	}

	return nil
}

// Delete removes a permission record entirely. Reserved for speculative
// records created by an action that was then denied or withdrawn.
func (r *ACLRepository) Delete(ctx context.Context, aclID uuid.UUID) error {
	query := `DELETE FROM acl_records WHERE acl_id = $1`

	_, err := r.q.Exec(ctx, query, aclID)
	if err != nil {
		return fmt.Errorf("failed to delete ACL record: %w", err)
	}

	return nil
}

// ListForUserPiece retrieves all of a user's records under a piece: the
// piece-level record plus every per-edition record. Used by the unshare
// cascade.
func (r *ACLRepository) ListForUserPiece(ctx context.Context, userID, pieceID uuid.UUID) ([]*models.ACLRecord, error) {
	query := `
		SELECT ` + aclColumns + `
		FROM acl_records
		WHERE user_id = $1 AND piece_id = $2
		ORDER BY edition_id NULLS FIRST
	`

	rows, err := r.q.Query(ctx, query, userID, pieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ACL records: %w", err)
	}
	defer rows.Close()

	var records []*models.ACLRecord
	for rows.Next() {
		rec, err := scanACL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ACL record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ACL records: %w", err)
	}

	return records, nil
}

// ListByUser retrieves all permission records for a user
func (r *ACLRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ACLRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + aclColumns + `
		FROM acl_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ACL records: %w", err)
	}
	defer rows.Close()

	var records []*models.ACLRecord
	for rows.Next() {
		rec, err := scanACL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ACL record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ACL records: %w", err)
	}

	return records, nil
}
