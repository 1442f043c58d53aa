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

// LedgerTxRepository handles database operations for ledger transactions
type LedgerTxRepository struct {
	q db.Querier
}

// NewLedgerTxRepository creates a new ledger transaction repository
func NewLedgerTxRepository(database *db.DB) *LedgerTxRepository {
	return &LedgerTxRepository{q: database.Pool}
}

// WithQuerier returns a copy bound to q (pool or transaction)
func (r *LedgerTxRepository) WithQuerier(q db.Querier) *LedgerTxRepository {
	return &LedgerTxRepository{q: q}
}

const txColumns = `tx_id, kind, from_address, to_address, status, dependent_tx_id, handle, confirmations, error, created_at, updated_at`

func scanTx(row pgx.Row) (*models.LedgerTx, error) {
	t := &models.LedgerTx{}
	err := row.Scan(
		&t.TxID,
		&t.Kind,
		&t.FromAddress,
		&t.ToAddress,
		&t.Status,
		&t.DependentTxID,
		&t.Handle,
		&t.Confirmations,
		&t.Error,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a new ledger transaction
func (r *LedgerTxRepository) Create(ctx context.Context, t *models.LedgerTx) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
		t.UpdatedAt = t.CreatedAt
	}
	query := `
		INSERT INTO ledger_txs (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.q.Exec(
		ctx,
		query,
		t.TxID,
		t.Kind,
		t.FromAddress,
		t.ToAddress,
		t.Status,
		t.DependentTxID,
		t.Handle,
		t.Confirmations,
		t.Error,
		t.CreatedAt,
		t.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create ledger tx: %w", err)
	}

	return nil
}

// GetByID retrieves a ledger transaction by ID, nil when absent
func (r *LedgerTxRepository) GetByID(ctx context.Context, txID uuid.UUID) (*models.LedgerTx, error) {
	query := `SELECT ` + txColumns + ` FROM ledger_txs WHERE tx_id = $1`

	t, err := scanTx(r.q.QueryRow(ctx, query, txID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger tx: %w", err)
	}

	return t, nil
}

// UpdateStatus moves a transaction through its lifecycle
func (r *LedgerTxRepository) UpdateStatus(ctx context.Context, txID uuid.UUID, status models.TxStatus) error {
	query := `
		UPDATE ledger_txs
		SET status = $2, updated_at = now()
		WHERE tx_id = $1
	`

	_, err := r.q.Exec(ctx, query, txID, status)
	if err != nil {
		return fmt.Errorf("failed to update ledger tx status: %w", err)
	}

	return nil
}

// SetHandle records the wallet daemon's build handle
func (r *LedgerTxRepository) SetHandle(ctx context.Context, txID uuid.UUID, handle string) error {
	query := `
		UPDATE ledger_txs
		SET handle = $2, updated_at = now()
		WHERE tx_id = $1
	`

	_, err := r.q.Exec(ctx, query, txID, handle)
	if err != nil {
		return fmt.Errorf("failed to set ledger tx handle: %w", err)
	}

	return nil
}

// SetConfirmations records the current confirmation count
func (r *LedgerTxRepository) SetConfirmations(ctx context.Context, txID uuid.UUID, confirmations int) error {
	query := `
		UPDATE ledger_txs
		SET confirmations = $2, updated_at = now()
		WHERE tx_id = $1
	`

	_, err := r.q.Exec(ctx, query, txID, confirmations)
	if err != nil {
		return fmt.Errorf("failed to set ledger tx confirmations: %w", err)
	}

	return nil
}

// SetError marks a transaction as rejected with the failure reason
func (r *LedgerTxRepository) SetError(ctx context.Context, txID uuid.UUID, message string) error {
	query := `
		UPDATE ledger_txs
		SET status = $2, error = $3, updated_at = now()
		WHERE tx_id = $1
	`

	_, err := r.q.Exec(ctx, query, txID, models.TxRejected, message)
	if err != nil {
		return fmt.Errorf("failed to set ledger tx error: %w", err)
	}

	return nil
}

// ListByStatus retrieves transactions in a given lifecycle state, oldest
// first. The transaction monitor polls broadcast transactions this way.
func (r *LedgerTxRepository) ListByStatus(ctx context.Context, status models.TxStatus, limit int) ([]*models.LedgerTx, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT ` + txColumns + `
		FROM ledger_txs
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger txs: %w", err)
	}
	defer rows.Close()

	var txs []*models.LedgerTx
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger tx: %w", err)
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger txs: %w", err)
	}

	return txs, nil
}

// DependentsOf retrieves transactions waiting on the given prerequisite
func (r *LedgerTxRepository) DependentsOf(ctx context.Context, txID uuid.UUID) ([]*models.LedgerTx, error) {
	query := `
		SELECT ` + txColumns + `
		FROM ledger_txs
		WHERE dependent_tx_id = $1
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependent txs: %w", err)
	}
	defer rows.Close()

	var txs []*models.LedgerTx
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger tx: %w", err)
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependent txs: %w", err)
	}

	return txs, nil
}
