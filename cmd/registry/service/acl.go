package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// RevokePolicy names what deny/withdraw does to the counterparty's
// permission record. A record the pending action itself created is
// removed outright; a record that predates the action only has the
// granted flags toggled off.
type RevokePolicy string

const (
	RevokePolicyDelete RevokePolicy = "delete"
	RevokePolicyToggle RevokePolicy = "toggle"
)

// ACLService owns every permission mutation in the system. Each setter
// computes the full flag set for one transition and writes it in a
// single update so concurrent grants never interleave into a half-state.
type ACLService struct {
	log *logger.Logger
}

func NewACLService(log *logger.Logger) *ACLService {
	return &ACLService{log: log}
}

// Require checks a capability for (user, piece, edition-or-none). A
// missing record denies the same way a cleared flag does.
func (s *ACLService) Require(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID, editionID *uuid.UUID, cap models.Capability) error {
	rec, err := acls.Get(ctx, userID, pieceID, editionID)
	if err != nil {
		return fmt.Errorf("failed to load permission record: %w", err)
	}
	if !rec.Has(cap) {
		return &PermissionDeniedError{Capability: cap}
	}
	return nil
}

func (s *ACLService) ensure(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error) {
	rec, err := acls.Get(ctx, userID, pieceID, editionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission record: %w", err)
	}
	if rec != nil {
		return rec, nil
	}
	rec = &models.ACLRecord{
		ACLID:     uuid.New(),
		UserID:    userID,
		PieceID:   pieceID,
		EditionID: editionID,
	}
	if err := acls.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create permission record: %w", err)
	}
	return rec, nil
}

// GrantOnRegistration creates the baseline owner record for a freshly
// registered piece. Splitting into editions is only offered while the
// piece has not been split yet.
func (s *ACLService) GrantOnRegistration(ctx context.Context, acls ACLStore, userID uuid.UUID, piece *models.Piece) (*models.ACLRecord, error) {
	rec, err := s.ensure(ctx, acls, userID, piece.PieceID, nil)
	if err != nil {
		return nil, err
	}
	rec.View = true
	rec.Edit = true
	rec.Download = true
	rec.Delete = true
	rec.CreateEditions = !piece.Split()
	rec.ViewEditions = true
	rec.Share = true
	rec.Unshare = true
	rec.Transfer = true
	rec.Consign = true
	rec.Loan = true
	rec.Coa = true
	if err := acls.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to grant registration permissions: %w", err)
	}
	return rec, nil
}

// GrantOnEditionsCreated flips create-editions off on the piece-level
// record and creates one owner record per new edition.
func (s *ACLService) GrantOnEditionsCreated(ctx context.Context, acls ACLStore, userID uuid.UUID, piece *models.Piece, editions []*models.Edition) error {
	pieceRec, err := s.ensure(ctx, acls, userID, piece.PieceID, nil)
	if err != nil {
		return err
	}
	pieceRec.CreateEditions = false
	if err := acls.Update(ctx, pieceRec); err != nil {
		return fmt.Errorf("failed to clear create-editions: %w", err)
	}

	for _, edition := range editions {
		rec, err := s.ensure(ctx, acls, userID, piece.PieceID, &edition.EditionID)
		if err != nil {
			return err
		}
		rec.View = true
		rec.Edit = true
		rec.Download = true
		rec.Delete = true
		rec.ViewEditions = true
		rec.Share = true
		rec.Unshare = true
		rec.Transfer = true
		rec.Consign = true
		rec.Loan = true
		rec.Coa = true
		if err := acls.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to grant edition permissions: %w", err)
		}
	}
	return nil
}

// GrantTransferee gives the incoming owner a full owner-capability
// record for the edition.
func (s *ACLService) GrantTransferee(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) (*models.ACLRecord, error) {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return nil, err
	}
	rec.View = true
	rec.Edit = true
	rec.Download = true
	rec.Delete = true
	rec.ViewEditions = true
	rec.Share = true
	rec.Unshare = true
	rec.Transfer = true
	rec.Consign = true
	rec.Loan = true
	rec.Coa = true
	if err := acls.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to grant transferee permissions: %w", err)
	}
	return rec, nil
}

// StripPrevOwner removes edit/transfer from the outgoing owner and
// leaves them a withdraw handle until the transfer clears.
func (s *ACLService) StripPrevOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.Edit = false
	rec.Transfer = false
	rec.WithdrawTransfer = true
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to strip previous owner: %w", err)
	}
	return nil
}

// ClearPrevOwner drops the withdraw handle once the transfer cleared.
func (s *ACLService) ClearPrevOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := acls.Get(ctx, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return fmt.Errorf("failed to load permission record: %w", err)
	}
	if rec == nil {
		return nil
	}
	rec.WithdrawTransfer = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to clear previous owner: %w", err)
	}
	return nil
}

// RestorePrevOwner undoes StripPrevOwner after a withdrawn transfer.
func (s *ACLService) RestorePrevOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.Edit = true
	rec.Transfer = true
	rec.WithdrawTransfer = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to restore previous owner: %w", err)
	}
	return nil
}

// GrantConsignee creates the restricted record a consignee holds while
// the consignment is pending.
func (s *ACLService) GrantConsignee(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) (*models.ACLRecord, error) {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return nil, err
	}
	rec.View = true
	rec.Coa = true
	if err := acls.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to grant consignee permissions: %w", err)
	}
	return rec, nil
}

// GrantConsignOwner gives the owner a withdraw handle while the
// consignment is pending.
func (s *ACLService) GrantConsignOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.WithdrawConsign = true
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to grant consign owner permissions: %w", err)
	}
	return nil
}

// ConfirmConsignee upgrades the consignee to act on the edition.
func (s *ACLService) ConfirmConsignee(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.Loan = true
	rec.Transfer = true
	rec.Unconsign = true
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to confirm consignee permissions: %w", err)
	}
	return nil
}

// ConfirmConsignOwner swaps the owner's withdraw handle for the
// request-unconsign handle.
func (s *ACLService) ConfirmConsignOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.RequestUnconsign = true
	rec.WithdrawConsign = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to confirm consign owner permissions: %w", err)
	}
	return nil
}

// RevokeConsignee clears the capabilities a terminated consignment had
// granted, leaving any pre-existing flags alone.
func (s *ACLService) RevokeConsignee(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := acls.Get(ctx, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return fmt.Errorf("failed to load permission record: %w", err)
	}
	if rec == nil {
		return nil
	}
	rec.Loan = false
	rec.Transfer = false
	rec.Unconsign = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to revoke consignee permissions: %w", err)
	}
	return nil
}

// RestoreConsignOwner returns the owner to the unconsigned state.
func (s *ACLService) RestoreConsignOwner(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := s.ensure(ctx, acls, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return err
	}
	rec.Transfer = true
	rec.Consign = true
	rec.RequestUnconsign = false
	rec.WithdrawConsign = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to restore consign owner permissions: %w", err)
	}
	return nil
}

// GrantLoanee gives the loanee viewing access for the loan window.
func (s *ACLService) GrantLoanee(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error) {
	rec, err := s.ensure(ctx, acls, userID, pieceID, editionID)
	if err != nil {
		return nil, err
	}
	rec.View = true
	rec.Coa = true
	if err := acls.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to grant loanee permissions: %w", err)
	}
	return rec, nil
}

// GrantSharee gives the sharee view plus the ability to ask for a loan.
// Nothing is removed from the sharer.
func (s *ACLService) GrantSharee(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error) {
	rec, err := s.ensure(ctx, acls, userID, pieceID, editionID)
	if err != nil {
		return nil, err
	}
	rec.View = true
	rec.LoanRequest = true
	if err := acls.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to grant sharee permissions: %w", err)
	}
	return rec, nil
}

// RevokeShare clears the shared subset on one record. When editionID is
// nil the caller cascades over every edition of the piece.
func (s *ACLService) RevokeShare(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID, editionID *uuid.UUID) error {
	rec, err := acls.Get(ctx, userID, pieceID, editionID)
	if err != nil {
		return fmt.Errorf("failed to load permission record: %w", err)
	}
	if rec == nil {
		return nil
	}
	rec.View = false
	rec.LoanRequest = false
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to revoke share permissions: %w", err)
	}
	return nil
}

// RevokeShareCascade clears the shared subset on every record the user
// holds under the piece, the piece-level record included.
func (s *ACLService) RevokeShareCascade(ctx context.Context, acls ACLStore, userID, pieceID uuid.UUID) error {
	recs, err := acls.ListForUserPiece(ctx, userID, pieceID)
	if err != nil {
		return fmt.Errorf("failed to list permission records: %w", err)
	}
	for _, rec := range recs {
		rec.View = false
		rec.LoanRequest = false
		if err := acls.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to revoke share permissions: %w", err)
		}
	}
	return nil
}

// RemoveCounterparty applies the deny/withdraw policy to the
// counterparty's record: records the pending action itself created are
// deleted, pre-existing records only have the granted flags cleared.
func (s *ACLService) RemoveCounterparty(ctx context.Context, acls ACLStore, rec *models.ACLRecord, action *models.OwnershipAction) (RevokePolicy, error) {
	if rec == nil {
		return RevokePolicyToggle, nil
	}
	if !rec.CreatedAt.Before(action.CreatedAt) {
		if err := acls.Delete(ctx, rec.ACLID); err != nil {
			return RevokePolicyDelete, fmt.Errorf("failed to delete speculative permission record: %w", err)
		}
		return RevokePolicyDelete, nil
	}
	switch action.Kind {
	case models.KindConsignment, models.KindUnconsignment:
		rec.Loan = false
		rec.Transfer = false
		rec.Unconsign = false
	case models.KindShare, models.KindSharePiece:
		rec.View = false
		rec.LoanRequest = false
	default:
		rec.View = false
		rec.Edit = false
		rec.Transfer = false
	}
	if err := acls.Update(ctx, rec); err != nil {
		return RevokePolicyToggle, fmt.Errorf("failed to revoke counterparty permissions: %w", err)
	}
	return RevokePolicyToggle, nil
}

// RestoreUnshare re-grants the unshare handle to a prior owner after a
// deferred transfer completed.
func (s *ACLService) RestoreUnshare(ctx context.Context, acls ACLStore, userID uuid.UUID, edition *models.Edition) error {
	rec, err := acls.Get(ctx, userID, edition.PieceID, &edition.EditionID)
	if err != nil {
		return fmt.Errorf("failed to load permission record: %w", err)
	}
	if rec == nil {
		return nil
	}
	rec.Unshare = true
	if err := acls.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to restore unshare: %w", err)
	}
	return nil
}
