package models

import (
	"time"

	"github.com/google/uuid"
)

// TxKind is the ledger transaction type
type TxKind string

const (
	TxRegister  TxKind = "register"
	TxRefill    TxKind = "refill"
	TxTransfer  TxKind = "transfer"
	TxConsign   TxKind = "consign"
	TxUnconsign TxKind = "unconsign"
	TxLoan      TxKind = "loan"
	TxMigrate   TxKind = "migrate"
)

// TxStatus tracks a transaction from creation to settlement
type TxStatus string

const (
	TxCreated   TxStatus = "created"
	TxEnqueued  TxStatus = "enqueued"
	TxBroadcast TxStatus = "broadcast"
	TxConfirmed TxStatus = "confirmed"
	TxRejected  TxStatus = "rejected"
)

// LedgerTx is the persisted record of one wallet-daemon transaction.
// A spend carries DependentTxID pointing at its refill; the transaction
// monitor releases the spend only after the refill settles.
// Maps to: ledger_txs table
type LedgerTx struct {
	TxID uuid.UUID `db:"tx_id" json:"tx_id"`

	Kind TxKind `db:"kind" json:"kind"`

	FromAddress string `db:"from_address" json:"from_address"`
	ToAddress   string `db:"to_address" json:"to_address"`

	Status TxStatus `db:"status" json:"status"`

	// Prerequisite transaction that must confirm first
	DependentTxID *uuid.UUID `db:"dependent_tx_id" json:"dependent_tx_id,omitempty"`

	// Opaque handle issued by the wallet daemon on build
	Handle *string `db:"handle" json:"handle,omitempty"`

	Confirmations int `db:"confirmations" json:"confirmations"`

	Error *string `db:"error" json:"error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Failed reports whether the transaction terminally failed. A failed tx
// does not block an idempotent rebuild of the chain.
func (t *LedgerTx) Failed() bool {
	return t.Status == TxRejected || t.Error != nil
}

// Settled reports whether the transaction has confirmed
func (t *LedgerTx) Settled() bool {
	return t.Status == TxConfirmed
}
