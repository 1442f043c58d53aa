package models

import (
	"time"

	"github.com/google/uuid"
)

// Capability names used when a guard failure is reported to the caller
type Capability string

const (
	CapView             Capability = "view"
	CapEdit             Capability = "edit"
	CapDownload         Capability = "download"
	CapDelete           Capability = "delete"
	CapCreateEditions   Capability = "create_editions"
	CapViewEditions     Capability = "view_editions"
	CapShare            Capability = "share"
	CapUnshare          Capability = "unshare"
	CapTransfer         Capability = "transfer"
	CapWithdrawTransfer Capability = "withdraw_transfer"
	CapConsign          Capability = "consign"
	CapWithdrawConsign  Capability = "withdraw_consign"
	CapUnconsign        Capability = "unconsign"
	CapRequestUnconsign Capability = "request_unconsign"
	CapLoan             Capability = "loan"
	CapLoanRequest      Capability = "loan_request"
	CapCoa              Capability = "coa"
)

// ACLRecord is the single authority consulted before any user-initiated
// transition. Exactly one exists per (user, piece, edition-or-none).
// Maps to: acl_records table
type ACLRecord struct {
	ACLID uuid.UUID `db:"acl_id" json:"acl_id"`

	UserID    uuid.UUID  `db:"user_id" json:"user_id"`
	PieceID   uuid.UUID  `db:"piece_id" json:"piece_id"`
	EditionID *uuid.UUID `db:"edition_id" json:"edition_id,omitempty"`

	View             bool `db:"acl_view" json:"acl_view"`
	Edit             bool `db:"acl_edit" json:"acl_edit"`
	Download         bool `db:"acl_download" json:"acl_download"`
	Delete           bool `db:"acl_delete" json:"acl_delete"`
	CreateEditions   bool `db:"acl_create_editions" json:"acl_create_editions"`
	ViewEditions     bool `db:"acl_view_editions" json:"acl_view_editions"`
	Share            bool `db:"acl_share" json:"acl_share"`
	Unshare          bool `db:"acl_unshare" json:"acl_unshare"`
	Transfer         bool `db:"acl_transfer" json:"acl_transfer"`
	WithdrawTransfer bool `db:"acl_withdraw_transfer" json:"acl_withdraw_transfer"`
	Consign          bool `db:"acl_consign" json:"acl_consign"`
	WithdrawConsign  bool `db:"acl_withdraw_consign" json:"acl_withdraw_consign"`
	Unconsign        bool `db:"acl_unconsign" json:"acl_unconsign"`
	RequestUnconsign bool `db:"acl_request_unconsign" json:"acl_request_unconsign"`
	Loan             bool `db:"acl_loan" json:"acl_loan"`
	LoanRequest      bool `db:"acl_loan_request" json:"acl_loan_request"`
	Coa              bool `db:"acl_coa" json:"acl_coa"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Has reports whether the record grants the named capability. A nil
// record never grants anything (fail closed); callers check that first.
func (r *ACLRecord) Has(cap Capability) bool {
	if r == nil {
		return false
	}
	switch cap {
	case CapView:
		return r.View
	case CapEdit:
		return r.Edit
	case CapDownload:
		return r.Download
	case CapDelete:
		return r.Delete
	case CapCreateEditions:
		return r.CreateEditions
	case CapViewEditions:
		return r.ViewEditions
	case CapShare:
		return r.Share
	case CapUnshare:
		return r.Unshare
	case CapTransfer:
		return r.Transfer
	case CapWithdrawTransfer:
		return r.WithdrawTransfer
	case CapConsign:
		return r.Consign
	case CapWithdrawConsign:
		return r.WithdrawConsign
	case CapUnconsign:
		return r.Unconsign
	case CapRequestUnconsign:
		return r.RequestUnconsign
	case CapLoan:
		return r.Loan
	case CapLoanRequest:
		return r.LoanRequest
	case CapCoa:
		return r.Coa
	default:
		return false
	}
}
