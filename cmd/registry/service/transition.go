package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/db"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// TransitionService is the orchestrator behind every user-initiated
// ownership change. Each entry point validates capability against the
// permission store, creates the pending action, and runs the ledger
// chain when no counterparty confirmation is required. Effects run as
// an explicit ordered list inside one transaction per step, so the
// action and the permission records can never disagree: guard, create
// or update the action, mutate permissions, build the chain.
type TransitionService struct {
	txr       TxRunner
	stores    Stores
	acl       *ACLService
	ownership *OwnershipService
	builder   *LedgerBuildService
	identity  IdentityProvider
	notifier  *Notifier
	publisher TxPublisher
	log       *logger.Logger
}

func NewTransitionService(
	txr TxRunner,
	stores Stores,
	acl *ACLService,
	ownership *OwnershipService,
	builder *LedgerBuildService,
	identity IdentityProvider,
	notifier *Notifier,
	publisher TxPublisher,
	log *logger.Logger,
) *TransitionService {
	return &TransitionService{
		txr:       txr,
		stores:    stores,
		acl:       acl,
		ownership: ownership,
		builder:   builder,
		identity:  identity,
		notifier:  notifier,
		publisher: publisher,
		log:       log,
	}
}

type TransferRequest struct {
	ActorID         uuid.UUID
	EditionID       uuid.UUID
	TransfereeEmail string
	Message         string
	Extra           map[string]interface{}
}

type ConsignRequest struct {
	ActorID        uuid.UUID
	EditionID      uuid.UUID
	ConsigneeEmail string
	Message        string
	Extra          map[string]interface{}
}

type UnconsignRequest struct {
	ActorID   uuid.UUID
	EditionID uuid.UUID
	Message   string
}

type LoanRequest struct {
	ActorID     uuid.UUID
	EditionID   uuid.UUID
	LoaneeEmail string
	From        *time.Time
	To          *time.Time
	Message     string
}

type LoanPieceRequest struct {
	ActorID     uuid.UUID
	PieceID     uuid.UUID
	LoaneeEmail string
	From        *time.Time
	To          *time.Time
	Message     string
}

type ShareRequest struct {
	ActorID     uuid.UUID
	EditionID   uuid.UUID
	ShareeEmail string
	Message     string
}

type SharePieceRequest struct {
	ActorID     uuid.UUID
	PieceID     uuid.UUID
	ShareeEmail string
	Message     string
}

type UnshareRequest struct {
	ActorID     uuid.UUID
	PieceID     uuid.UUID
	EditionID   *uuid.UUID
	ShareeEmail string
}

func (t *TransitionService) loadEdition(ctx context.Context, editionID uuid.UUID) (*models.Edition, *models.Piece, error) {
	edition, err := t.stores.Editions.GetByID(ctx, editionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load edition: %w", err)
	}
	if edition == nil {
		return nil, nil, ErrNotFound
	}
	piece, err := t.stores.Pieces.GetByID(ctx, edition.PieceID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, nil, ErrNotFound
	}
	return edition, piece, nil
}

func (t *TransitionService) actor(ctx context.Context, actorID uuid.UUID) (*models.User, error) {
	user, err := t.stores.Users.GetByID(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load acting user: %w", err)
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

// counterparty resolves an email to a registered user, rejecting
// self-dealing before anything is persisted.
func (t *TransitionService) counterparty(ctx context.Context, actor *models.User, email string) (*models.User, error) {
	if strings.EqualFold(actor.Email, email) {
		return nil, &InvalidCounterpartyError{Reason: "counterparty is the acting user"}
	}
	return t.identity.UserByEmail(ctx, email)
}

func conflictMapped(err error) error {
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// recordChainError writes a terminal ledger/migration failure onto the
// action. The action stays otherwise valid and the chain may be retried
// against it later.
func (t *TransitionService) recordChainError(ctx context.Context, actionID uuid.UUID, chainErr error) {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil || action == nil {
		t.log.ErrorContext(ctx, "failed to load action for error recording", "action_id", actionID, "error", err)
		return
	}
	msg := chainErr.Error()
	action.Error = &msg
	if err := t.stores.Actions.Update(ctx, action); err != nil {
		t.log.ErrorContext(ctx, "failed to record chain error", "action_id", actionID, "error", err)
	}
	t.log.WarnContext(ctx, "ledger chain failed, recorded on action", "action_id", actionID, "error", chainErr)
}

// runAccepted applies the acceptance effects and the ledger chain in one
// transaction, then hands the chain head to the broadcast pipeline. A
// failure rolls the whole step back and is recorded on the action.
func (t *TransitionService) runAccepted(ctx context.Context, actionID uuid.UUID, accept func(st Stores, a *models.OwnershipAction) error) (*models.OwnershipAction, error) {
	var (
		action *models.OwnershipAction
		head   *uuid.UUID
	)
	err := t.txr.RunInTx(ctx, func(st Stores) error {
		a, err := st.Actions.GetByID(ctx, actionID)
		if err != nil {
			return fmt.Errorf("failed to load action: %w", err)
		}
		if a == nil {
			return ErrNotFound
		}
		if accept != nil {
			if err := accept(st, a); err != nil {
				return err
			}
		}
		head, err = t.builder.BuildChain(ctx, st, a)
		if err != nil {
			return err
		}
		action = a
		return nil
	})
	if err != nil {
		t.recordChainError(ctx, actionID, err)
		return nil, err
	}
	if head != nil {
		if err := t.publisher.Publish(ctx, *head); err != nil {
			t.log.ErrorContext(ctx, "failed to enqueue chain head", "tx_id", head, "error", err)
		}
	}
	return action, nil
}

func markAccepted(ctx context.Context, st Stores, a *models.OwnershipAction) error {
	status := models.StatusAccepted
	now := time.Now().UTC()
	a.Status = &status
	a.RespondedAt = &now
	if err := st.Actions.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to accept action: %w", err)
	}
	return nil
}

func markRejected(ctx context.Context, st Stores, a *models.OwnershipAction) error {
	status := models.StatusRejected
	now := time.Now().UTC()
	a.Status = &status
	a.RespondedAt = &now
	if err := st.Actions.Update(ctx, a); err != nil {
		return fmt.Errorf("failed to reject action: %w", err)
	}
	if err := st.Actions.SoftDelete(ctx, a.ActionID); err != nil {
		return fmt.Errorf("failed to soft-delete action: %w", err)
	}
	return nil
}

// RequestTransfer opens a transfer of an edition to a counterparty
// named by email. A registered counterparty receives the edition
// immediately; an unknown email defers the ledger chain until they
// register.
func (t *TransitionService) RequestTransfer(ctx context.Context, req TransferRequest) (*models.OwnershipAction, error) {
	edition, piece, err := t.loadEdition(ctx, req.EditionID)
	if err != nil {
		return nil, err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, &edition.EditionID, models.CapTransfer); err != nil {
		return nil, err
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	transferee, err := t.counterparty(ctx, actor, req.TransfereeEmail)
	if err != nil {
		return nil, err
	}
	if transferee != nil && edition.OwnerID != nil && transferee.UserID == *edition.OwnerID {
		return nil, &InvalidCounterpartyError{Reason: "transferee already owns the edition"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		pending, err := st.Actions.PendingBySlot(ctx, models.KindTransfer, piece.PieceID, &edition.EditionID)
		if err != nil {
			return fmt.Errorf("failed to check pending transfers: %w", err)
		}
		if pending != nil {
			return ErrConflict
		}

		if transferee != nil {
			action, err = t.ownership.CreateTransfer(ctx, st, edition, &transferee.UserID, nil, &req.ActorID, req.Extra)
		} else {
			email := req.TransfereeEmail
			action, err = t.ownership.CreateTransfer(ctx, st, edition, nil, &email, &req.ActorID, req.Extra)
		}
		if err != nil {
			return err
		}
		if err := t.acl.StripPrevOwner(ctx, st.ACLs, req.ActorID, edition); err != nil {
			return err
		}
		if transferee == nil {
			email := req.TransfereeEmail
			if err := st.Editions.SetPendingOwnerEmail(ctx, edition.EditionID, &email); err != nil {
				return fmt.Errorf("failed to mark pending owner: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, conflictMapped(err)
	}

	if transferee == nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgRegistrationInvite,
			SenderID:      req.ActorID,
			ReceiverEmail: req.TransfereeEmail,
			PieceID:       piece.PieceID,
			EditionID:     &edition.EditionID,
			ActionID:      &action.ActionID,
			Message:       req.Message,
		})
		return action, nil
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgTransferRequested,
		SenderID:      req.ActorID,
		ReceiverEmail: transferee.Email,
		PieceID:       piece.PieceID,
		EditionID:     &edition.EditionID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})

	// No confirmation needed for a registered transferee; accept and
	// run the chain now.
	accepted, err := t.runAccepted(ctx, action.ActionID, func(st Stores, a *models.OwnershipAction) error {
		if err := markAccepted(ctx, st, a); err != nil {
			return err
		}
		if err := st.Editions.SetOwner(ctx, edition.EditionID, transferee.UserID); err != nil {
			return fmt.Errorf("failed to set new owner: %w", err)
		}
		if _, err := t.acl.GrantTransferee(ctx, st.ACLs, transferee.UserID, edition); err != nil {
			return err
		}
		return t.acl.ClearPrevOwner(ctx, st.ACLs, req.ActorID, edition)
	})
	if err != nil {
		// Recorded on the action; the request itself succeeded.
		return action, nil
	}
	t.notifier.Send(ctx, Notification{
		Kind:          MsgTransferCompleted,
		SenderID:      req.ActorID,
		ReceiverEmail: transferee.Email,
		PieceID:       piece.PieceID,
		EditionID:     &edition.EditionID,
		ActionID:      &accepted.ActionID,
	})
	return accepted, nil
}

// WithdrawTransfer cancels a still-deferred transfer and restores the
// prior owner.
func (t *TransitionService) WithdrawTransfer(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil {
		return fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil || action.Kind != models.KindTransfer {
		return ErrNotFound
	}
	if !action.Pending() {
		return ErrActionNotPending
	}
	if action.PrevOwnerID == nil || *action.PrevOwnerID != actorID {
		return &InvalidCounterpartyError{Reason: "only the requesting owner may withdraw"}
	}
	edition, _, err := t.loadEdition(ctx, *action.EditionID)
	if err != nil {
		return err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, actorID, edition.PieceID, &edition.EditionID, models.CapWithdrawTransfer); err != nil {
		return err
	}

	err = t.txr.RunInTx(ctx, func(st Stores) error {
		if err := t.acl.RestorePrevOwner(ctx, st.ACLs, actorID, edition); err != nil {
			return err
		}
		if action.NewOwnerID != nil {
			rec, err := st.ACLs.Get(ctx, *action.NewOwnerID, edition.PieceID, &edition.EditionID)
			if err != nil {
				return fmt.Errorf("failed to load transferee record: %w", err)
			}
			if _, err := t.acl.RemoveCounterparty(ctx, st.ACLs, rec, action); err != nil {
				return err
			}
		}
		if err := st.Editions.SetPendingOwnerEmail(ctx, edition.EditionID, nil); err != nil {
			return fmt.Errorf("failed to clear pending owner: %w", err)
		}
		return st.Actions.SoftDelete(ctx, action.ActionID)
	})
	if err != nil {
		return err
	}

	if action.NewOwnerEmail != nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgTransferWithdrawn,
			SenderID:      actorID,
			ReceiverEmail: *action.NewOwnerEmail,
			PieceID:       action.PieceID,
			EditionID:     action.EditionID,
			ActionID:      &action.ActionID,
		})
	}
	return nil
}

// RequestConsignment opens a consignment that the consignee must
// confirm before the chain runs.
func (t *TransitionService) RequestConsignment(ctx context.Context, req ConsignRequest) (*models.OwnershipAction, error) {
	edition, piece, err := t.loadEdition(ctx, req.EditionID)
	if err != nil {
		return nil, err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, &edition.EditionID, models.CapConsign); err != nil {
		return nil, err
	}
	if edition.ConsignStatus != models.NotConsigned {
		return nil, ErrConflict
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	consignee, err := t.counterparty(ctx, actor, req.ConsigneeEmail)
	if err != nil {
		return nil, err
	}
	if consignee == nil {
		return nil, &InvalidCounterpartyError{Reason: "consignee has no account"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateConsignment(ctx, st, edition, consignee.UserID, &req.ActorID, req.Extra)
		if err != nil {
			return err
		}
		if _, err := t.acl.GrantConsignee(ctx, st.ACLs, consignee.UserID, edition); err != nil {
			return err
		}
		if err := t.acl.GrantConsignOwner(ctx, st.ACLs, req.ActorID, edition); err != nil {
			return err
		}
		return st.Editions.SetConsignStatus(ctx, edition.EditionID, models.PendingConsign)
	})
	if err != nil {
		return nil, conflictMapped(err)
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgConsignRequested,
		SenderID:      req.ActorID,
		ReceiverEmail: consignee.Email,
		PieceID:       piece.PieceID,
		EditionID:     &edition.EditionID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})
	return action, nil
}

// ConfirmConsignment is the consignee accepting. Grants and the ledger
// chain commit together.
func (t *TransitionService) ConfirmConsignment(ctx context.Context, actionID, actorID uuid.UUID) (*models.OwnershipAction, error) {
	action, edition, err := t.pendingForCounterparty(ctx, actionID, actorID, models.KindConsignment)
	if err != nil {
		return nil, err
	}
	ownerID := *action.PrevOwnerID

	accepted, err := t.runAccepted(ctx, actionID, func(st Stores, a *models.OwnershipAction) error {
		if err := markAccepted(ctx, st, a); err != nil {
			return err
		}
		if err := t.acl.ConfirmConsignee(ctx, st.ACLs, actorID, edition); err != nil {
			return err
		}
		if err := t.acl.ConfirmConsignOwner(ctx, st.ACLs, ownerID, edition); err != nil {
			return err
		}
		if err := st.Editions.SetConsignStatus(ctx, edition.EditionID, models.Consigned); err != nil {
			return fmt.Errorf("failed to mark edition consigned: %w", err)
		}
		edition.ConsignStatus = models.Consigned
		return nil
	})
	if err != nil {
		return action, nil
	}
	t.notifyOwner(ctx, accepted, actorID, MsgConsignConfirmed)
	return accepted, nil
}

// DenyConsignment is the consignee declining.
func (t *TransitionService) DenyConsignment(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, edition, err := t.pendingForCounterparty(ctx, actionID, actorID, models.KindConsignment)
	if err != nil {
		return err
	}
	if err := t.terminateConsignment(ctx, action, edition, actorID); err != nil {
		return err
	}
	t.notifyOwner(ctx, action, actorID, MsgConsignDenied)
	return nil
}

// WithdrawConsignment is the owner pulling a still-pending consignment.
func (t *TransitionService) WithdrawConsignment(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, edition, err := t.pendingForRequester(ctx, actionID, actorID, models.KindConsignment)
	if err != nil {
		return err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, actorID, edition.PieceID, &edition.EditionID, models.CapWithdrawConsign); err != nil {
		return err
	}
	consigneeID := *action.NewOwnerID
	if err := t.terminateConsignment(ctx, action, edition, consigneeID); err != nil {
		return err
	}
	if user, err := t.stores.Users.GetByID(ctx, consigneeID); err == nil && user != nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgConsignWithdrawn,
			SenderID:      actorID,
			ReceiverEmail: user.Email,
			PieceID:       action.PieceID,
			EditionID:     action.EditionID,
			ActionID:      &action.ActionID,
		})
	}
	return nil
}

// terminateConsignment rolls a pending consignment back: counterparty
// record removed or stripped per policy, owner restored, edition back
// to not consigned, action rejected and soft-deleted.
func (t *TransitionService) terminateConsignment(ctx context.Context, action *models.OwnershipAction, edition *models.Edition, counterpartyID uuid.UUID) error {
	ownerID := *action.PrevOwnerID
	return t.txr.RunInTx(ctx, func(st Stores) error {
		rec, err := st.ACLs.Get(ctx, counterpartyID, edition.PieceID, &edition.EditionID)
		if err != nil {
			return fmt.Errorf("failed to load consignee record: %w", err)
		}
		if _, err := t.acl.RemoveCounterparty(ctx, st.ACLs, rec, action); err != nil {
			return err
		}
		if err := t.acl.RestoreConsignOwner(ctx, st.ACLs, ownerID, edition); err != nil {
			return err
		}
		if err := st.Editions.SetConsignStatus(ctx, edition.EditionID, models.NotConsigned); err != nil {
			return fmt.Errorf("failed to reset consign status: %w", err)
		}
		return markRejected(ctx, st, action)
	})
}

// RequestUnconsignment is the owner asking the consignee to hand the
// edition back.
func (t *TransitionService) RequestUnconsignment(ctx context.Context, req UnconsignRequest) (*models.OwnershipAction, error) {
	edition, piece, err := t.loadEdition(ctx, req.EditionID)
	if err != nil {
		return nil, err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, &edition.EditionID, models.CapRequestUnconsign); err != nil {
		return nil, err
	}
	if edition.ConsignStatus != models.Consigned {
		return nil, ErrConflict
	}
	consignment, err := t.stores.Actions.LatestAcceptedByKind(ctx, models.KindConsignment, edition.EditionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consignment: %w", err)
	}
	if consignment == nil || consignment.NewOwnerID == nil {
		return nil, ErrNotFound
	}
	consigneeID := *consignment.NewOwnerID

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateUnconsignment(ctx, st, edition, consigneeID, &req.ActorID)
		if err != nil {
			return err
		}
		return st.Editions.SetConsignStatus(ctx, edition.EditionID, models.PendingUnconsign)
	})
	if err != nil {
		return nil, conflictMapped(err)
	}

	if consignee, err := t.stores.Users.GetByID(ctx, consigneeID); err == nil && consignee != nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgUnconsignRequested,
			SenderID:      req.ActorID,
			ReceiverEmail: consignee.Email,
			PieceID:       piece.PieceID,
			EditionID:     &edition.EditionID,
			ActionID:      &action.ActionID,
			Message:       req.Message,
		})
	}
	return action, nil
}

// ConfirmUnconsignment is the consignee handing back. The consignee
// signs the return spend, so they are the action's prev owner.
func (t *TransitionService) ConfirmUnconsignment(ctx context.Context, actionID, actorID uuid.UUID) (*models.OwnershipAction, error) {
	action, edition, err := t.pendingForRequester(ctx, actionID, actorID, models.KindUnconsignment)
	if err != nil {
		return nil, err
	}
	ownerID := *action.NewOwnerID

	accepted, err := t.runAccepted(ctx, actionID, func(st Stores, a *models.OwnershipAction) error {
		if err := markAccepted(ctx, st, a); err != nil {
			return err
		}
		if err := t.acl.RevokeConsignee(ctx, st.ACLs, actorID, edition); err != nil {
			return err
		}
		if err := t.acl.RestoreConsignOwner(ctx, st.ACLs, ownerID, edition); err != nil {
			return err
		}
		if err := st.Editions.SetConsignStatus(ctx, edition.EditionID, models.NotConsigned); err != nil {
			return fmt.Errorf("failed to reset consign status: %w", err)
		}
		edition.ConsignStatus = models.NotConsigned
		return nil
	})
	if err != nil {
		return action, nil
	}
	if owner, err := t.stores.Users.GetByID(ctx, ownerID); err == nil && owner != nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgUnconsignConfirmed,
			SenderID:      actorID,
			ReceiverEmail: owner.Email,
			PieceID:       action.PieceID,
			EditionID:     action.EditionID,
			ActionID:      &accepted.ActionID,
		})
	}
	return accepted, nil
}

// DenyUnconsignment is the consignee declining to hand back; the
// consignment stays in force.
func (t *TransitionService) DenyUnconsignment(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, edition, err := t.pendingForRequester(ctx, actionID, actorID, models.KindUnconsignment)
	if err != nil {
		return err
	}
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		if err := st.Editions.SetConsignStatus(ctx, edition.EditionID, models.Consigned); err != nil {
			return fmt.Errorf("failed to restore consign status: %w", err)
		}
		return markRejected(ctx, st, action)
	})
	if err != nil {
		return err
	}
	t.notifyOwner(ctx, action, actorID, MsgUnconsignDenied)
	return nil
}

// RequestLoan opens a loan of one edition for a window; the loanee
// confirms before anything anchors.
func (t *TransitionService) RequestLoan(ctx context.Context, req LoanRequest) (*models.OwnershipAction, error) {
	edition, piece, err := t.loadEdition(ctx, req.EditionID)
	if err != nil {
		return nil, err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, &edition.EditionID, models.CapLoan); err != nil {
		return nil, err
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	loanee, err := t.counterparty(ctx, actor, req.LoaneeEmail)
	if err != nil {
		return nil, err
	}
	if loanee == nil {
		return nil, &InvalidCounterpartyError{Reason: "loanee has no account"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateLoan(ctx, st, edition, loanee.UserID, &req.ActorID, req.From, req.To)
		return err
	})
	if err != nil {
		return nil, conflictMapped(err)
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgLoanRequested,
		SenderID:      req.ActorID,
		ReceiverEmail: loanee.Email,
		PieceID:       piece.PieceID,
		EditionID:     &edition.EditionID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})
	return action, nil
}

// RequestLoanPiece opens a loan of the whole piece.
func (t *TransitionService) RequestLoanPiece(ctx context.Context, req LoanPieceRequest) (*models.OwnershipAction, error) {
	piece, err := t.stores.Pieces.GetByID(ctx, req.PieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, ErrNotFound
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, nil, models.CapLoan); err != nil {
		return nil, err
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	loanee, err := t.counterparty(ctx, actor, req.LoaneeEmail)
	if err != nil {
		return nil, err
	}
	if loanee == nil {
		return nil, &InvalidCounterpartyError{Reason: "loanee has no account"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateLoanPiece(ctx, st, piece, loanee.UserID, &req.ActorID, req.From, req.To)
		return err
	})
	if err != nil {
		return nil, conflictMapped(err)
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgLoanRequested,
		SenderID:      req.ActorID,
		ReceiverEmail: loanee.Email,
		PieceID:       piece.PieceID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})
	return action, nil
}

// ConfirmLoan accepts a loan of either variant and runs the chain.
func (t *TransitionService) ConfirmLoan(ctx context.Context, actionID, actorID uuid.UUID) (*models.OwnershipAction, error) {
	action, err := t.pendingLoan(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.NewOwnerID == nil || *action.NewOwnerID != actorID {
		return nil, &InvalidCounterpartyError{Reason: "only the loanee may confirm"}
	}

	accepted, err := t.runAccepted(ctx, actionID, func(st Stores, a *models.OwnershipAction) error {
		if err := markAccepted(ctx, st, a); err != nil {
			return err
		}
		_, err := t.acl.GrantLoanee(ctx, st.ACLs, actorID, a.PieceID, a.EditionID)
		return err
	})
	if err != nil {
		return action, nil
	}
	t.notifyOwner(ctx, accepted, actorID, MsgLoanConfirmed)
	return accepted, nil
}

// DenyLoan declines a loan of either variant.
func (t *TransitionService) DenyLoan(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, err := t.pendingLoan(ctx, actionID)
	if err != nil {
		return err
	}
	if action.NewOwnerID == nil || *action.NewOwnerID != actorID {
		return &InvalidCounterpartyError{Reason: "only the loanee may deny"}
	}
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		return markRejected(ctx, st, action)
	})
	if err != nil {
		return err
	}
	t.notifyOwner(ctx, action, actorID, MsgLoanDenied)
	return nil
}

// WithdrawLoan cancels a pending loan request.
func (t *TransitionService) WithdrawLoan(ctx context.Context, actionID, actorID uuid.UUID) error {
	action, err := t.pendingLoan(ctx, actionID)
	if err != nil {
		return err
	}
	if action.PrevOwnerID == nil || *action.PrevOwnerID != actorID {
		return &InvalidCounterpartyError{Reason: "only the requester may withdraw"}
	}
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		if action.NewOwnerID != nil {
			rec, err := st.ACLs.Get(ctx, *action.NewOwnerID, action.PieceID, action.EditionID)
			if err != nil {
				return fmt.Errorf("failed to load loanee record: %w", err)
			}
			if _, err := t.acl.RemoveCounterparty(ctx, st.ACLs, rec, action); err != nil {
				return err
			}
		}
		return st.Actions.SoftDelete(ctx, action.ActionID)
	})
	if err != nil {
		return err
	}
	if loanee, err := t.stores.Users.GetByID(ctx, *action.NewOwnerID); err == nil && loanee != nil {
		t.notifier.Send(ctx, Notification{
			Kind:          MsgLoanWithdrawn,
			SenderID:      actorID,
			ReceiverEmail: loanee.Email,
			PieceID:       action.PieceID,
			EditionID:     action.EditionID,
			ActionID:      &action.ActionID,
		})
	}
	return nil
}

// Share grants a sharee view access to one edition. Shares never touch
// the ledger and take effect immediately.
func (t *TransitionService) Share(ctx context.Context, req ShareRequest) (*models.OwnershipAction, error) {
	edition, piece, err := t.loadEdition(ctx, req.EditionID)
	if err != nil {
		return nil, err
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, &edition.EditionID, models.CapShare); err != nil {
		return nil, err
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	sharee, err := t.counterparty(ctx, actor, req.ShareeEmail)
	if err != nil {
		return nil, err
	}
	if sharee == nil {
		return nil, &InvalidCounterpartyError{Reason: "sharee has no account"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateShare(ctx, st, edition, sharee.UserID, &req.ActorID)
		if err != nil {
			return err
		}
		_, err = t.acl.GrantSharee(ctx, st.ACLs, sharee.UserID, piece.PieceID, &edition.EditionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgShareCreated,
		SenderID:      req.ActorID,
		ReceiverEmail: sharee.Email,
		PieceID:       piece.PieceID,
		EditionID:     &edition.EditionID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})
	return action, nil
}

// SharePiece grants a sharee view access to the piece and every edition
// under it.
func (t *TransitionService) SharePiece(ctx context.Context, req SharePieceRequest) (*models.OwnershipAction, error) {
	piece, err := t.stores.Pieces.GetByID(ctx, req.PieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, ErrNotFound
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, nil, models.CapShare); err != nil {
		return nil, err
	}
	actor, err := t.actor(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}
	sharee, err := t.counterparty(ctx, actor, req.ShareeEmail)
	if err != nil {
		return nil, err
	}
	if sharee == nil {
		return nil, &InvalidCounterpartyError{Reason: "sharee has no account"}
	}

	var action *models.OwnershipAction
	err = t.txr.RunInTx(ctx, func(st Stores) error {
		action, err = t.ownership.CreateSharePiece(ctx, st, piece, sharee.UserID, &req.ActorID)
		if err != nil {
			return err
		}
		if _, err := t.acl.GrantSharee(ctx, st.ACLs, sharee.UserID, piece.PieceID, nil); err != nil {
			return err
		}
		editions, err := st.Editions.ListByPiece(ctx, piece.PieceID)
		if err != nil {
			return fmt.Errorf("failed to list editions: %w", err)
		}
		for _, edition := range editions {
			if _, err := t.acl.GrantSharee(ctx, st.ACLs, sharee.UserID, piece.PieceID, &edition.EditionID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgShareCreated,
		SenderID:      req.ActorID,
		ReceiverEmail: sharee.Email,
		PieceID:       piece.PieceID,
		ActionID:      &action.ActionID,
		Message:       req.Message,
	})
	return action, nil
}

// Unshare revokes a sharee's view access. With no edition named the
// revocation cascades over every edition of the piece.
func (t *TransitionService) Unshare(ctx context.Context, req UnshareRequest) error {
	piece, err := t.stores.Pieces.GetByID(ctx, req.PieceID)
	if err != nil {
		return fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return ErrNotFound
	}
	if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, nil, models.CapUnshare); err != nil {
		// Sharer capability may live on the edition record instead.
		if req.EditionID == nil {
			return err
		}
		if err := t.acl.Require(ctx, t.stores.ACLs, req.ActorID, piece.PieceID, req.EditionID, models.CapUnshare); err != nil {
			return err
		}
	}
	sharee, err := t.identity.UserByEmail(ctx, req.ShareeEmail)
	if err != nil {
		return err
	}
	if sharee == nil {
		return ErrNotFound
	}

	err = t.txr.RunInTx(ctx, func(st Stores) error {
		if req.EditionID != nil {
			if err := t.acl.RevokeShare(ctx, st.ACLs, sharee.UserID, piece.PieceID, req.EditionID); err != nil {
				return err
			}
		} else {
			if err := t.acl.RevokeShareCascade(ctx, st.ACLs, sharee.UserID, piece.PieceID); err != nil {
				return err
			}
		}
		return t.softDeleteShares(ctx, st, sharee.UserID, piece.PieceID, req.EditionID)
	})
	if err != nil {
		return err
	}

	t.notifier.Send(ctx, Notification{
		Kind:          MsgShareRemoved,
		SenderID:      req.ActorID,
		ReceiverEmail: sharee.Email,
		PieceID:       piece.PieceID,
		EditionID:     req.EditionID,
	})
	return nil
}

// softDeleteShares retires the share rows behind a revocation so the
// audit trail shows them as removed rather than vanished.
func (t *TransitionService) softDeleteShares(ctx context.Context, st Stores, shareeID, pieceID uuid.UUID, editionID *uuid.UUID) error {
	actions, err := st.Actions.ListByPiece(ctx, pieceID, 0)
	if err != nil {
		return fmt.Errorf("failed to list share actions: %w", err)
	}
	for _, a := range actions {
		if a.Kind != models.KindShare && a.Kind != models.KindSharePiece {
			continue
		}
		if a.NewOwnerID == nil || *a.NewOwnerID != shareeID || a.DeletedAt != nil {
			continue
		}
		if editionID != nil && (a.EditionID == nil || *a.EditionID != *editionID) {
			continue
		}
		if err := st.Actions.SoftDelete(ctx, a.ActionID); err != nil {
			return fmt.Errorf("failed to soft-delete share: %w", err)
		}
	}
	return nil
}

// ReplayPendingActions runs the deferred-transfer branch for a
// transferee who has just registered: set the real owner, grant their
// permissions, restore the prior owner's unshare handle, and run the
// ledger chain that was deferred at request time.
func (t *TransitionService) ReplayPendingActions(ctx context.Context, userID uuid.UUID) ([]*models.OwnershipAction, error) {
	user, err := t.actor(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := t.stores.Actions.PendingByNewOwnerEmail(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to list deferred actions: %w", err)
	}

	var replayed []*models.OwnershipAction
	for _, deferred := range pending {
		if deferred.Kind != models.KindTransfer || deferred.EditionID == nil {
			continue
		}
		edition, _, err := t.loadEdition(ctx, *deferred.EditionID)
		if err != nil {
			t.log.ErrorContext(ctx, "failed to load edition for replay", "action_id", deferred.ActionID, "error", err)
			continue
		}
		prevOwnerID := deferred.PrevOwnerID

		accepted, err := t.runAccepted(ctx, deferred.ActionID, func(st Stores, a *models.OwnershipAction) error {
			a.NewOwnerID = &userID
			a.NewOwnerEmail = nil
			if err := markAccepted(ctx, st, a); err != nil {
				return err
			}
			if err := st.Editions.SetOwner(ctx, edition.EditionID, userID); err != nil {
				return fmt.Errorf("failed to set new owner: %w", err)
			}
			if err := st.Editions.SetPendingOwnerEmail(ctx, edition.EditionID, nil); err != nil {
				return fmt.Errorf("failed to clear pending owner: %w", err)
			}
			if _, err := t.acl.GrantTransferee(ctx, st.ACLs, userID, edition); err != nil {
				return err
			}
			if prevOwnerID != nil {
				if err := t.acl.ClearPrevOwner(ctx, st.ACLs, *prevOwnerID, edition); err != nil {
					return err
				}
				if err := t.acl.RestoreUnshare(ctx, st.ACLs, *prevOwnerID, edition); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			continue
		}
		replayed = append(replayed, accepted)

		if prevOwnerID != nil {
			if prev, err := t.stores.Users.GetByID(ctx, *prevOwnerID); err == nil && prev != nil {
				t.notifier.Send(ctx, Notification{
					Kind:          MsgTransferCompleted,
					SenderID:      userID,
					ReceiverEmail: prev.Email,
					PieceID:       accepted.PieceID,
					EditionID:     accepted.EditionID,
					ActionID:      &accepted.ActionID,
				})
			}
		}
	}
	return replayed, nil
}

// RetryChain re-runs the ledger-build chain for an action whose earlier
// chain failed. Rebuilding detects a live chain and refuses to double
// it.
func (t *TransitionService) RetryChain(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error) {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil {
		return nil, ErrNotFound
	}
	if !action.Accepted() {
		return nil, ErrActionNotPending
	}
	return t.runAccepted(ctx, actionID, func(st Stores, a *models.OwnershipAction) error {
		if a.Error != nil {
			a.Error = nil
			if err := st.Actions.Update(ctx, a); err != nil {
				return fmt.Errorf("failed to clear action error: %w", err)
			}
		}
		return nil
	})
}

// ActionByID returns one action for the audit surface.
func (t *TransitionService) ActionByID(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error) {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil {
		return nil, ErrNotFound
	}
	return action, nil
}

// HistoryForEdition lists the ownership trail of one edition.
func (t *TransitionService) HistoryForEdition(ctx context.Context, editionID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return t.stores.Actions.ListByEdition(ctx, editionID, limit)
}

// HistoryForPiece lists the ownership trail of a piece.
func (t *TransitionService) HistoryForPiece(ctx context.Context, pieceID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return t.stores.Actions.ListByPiece(ctx, pieceID, limit)
}

// HistoryForUser lists everything a user took part in.
func (t *TransitionService) HistoryForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return t.stores.Actions.ListByUser(ctx, userID, limit)
}

// pendingForCounterparty loads a pending action whose confirming party
// must be the action's counterparty (new owner side).
func (t *TransitionService) pendingForCounterparty(ctx context.Context, actionID, actorID uuid.UUID, kind models.ActionKind) (*models.OwnershipAction, *models.Edition, error) {
	action, edition, err := t.pendingAction(ctx, actionID, kind)
	if err != nil {
		return nil, nil, err
	}
	if action.NewOwnerID == nil || *action.NewOwnerID != actorID {
		return nil, nil, &InvalidCounterpartyError{Reason: "actor is not the action's counterparty"}
	}
	return action, edition, nil
}

// pendingForRequester loads a pending action whose acting party must be
// the side that signs or withdraws (prev owner side). For
// unconsignments that is the consignee; for withdrawals the requester.
func (t *TransitionService) pendingForRequester(ctx context.Context, actionID, actorID uuid.UUID, kind models.ActionKind) (*models.OwnershipAction, *models.Edition, error) {
	action, edition, err := t.pendingAction(ctx, actionID, kind)
	if err != nil {
		return nil, nil, err
	}
	if action.PrevOwnerID == nil || *action.PrevOwnerID != actorID {
		return nil, nil, &InvalidCounterpartyError{Reason: "actor is not the action's requester"}
	}
	return action, edition, nil
}

func (t *TransitionService) pendingAction(ctx context.Context, actionID uuid.UUID, kind models.ActionKind) (*models.OwnershipAction, *models.Edition, error) {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil || action.Kind != kind {
		return nil, nil, ErrNotFound
	}
	if !action.Pending() {
		return nil, nil, ErrActionNotPending
	}
	var edition *models.Edition
	if action.EditionID != nil {
		edition, _, err = t.loadEdition(ctx, *action.EditionID)
		if err != nil {
			return nil, nil, err
		}
	}
	return action, edition, nil
}

func (t *TransitionService) pendingLoan(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error) {
	action, err := t.stores.Actions.GetByID(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action: %w", err)
	}
	if action == nil || (action.Kind != models.KindLoan && action.Kind != models.KindLoanPiece) {
		return nil, ErrNotFound
	}
	if !action.Pending() {
		return nil, ErrActionNotPending
	}
	return action, nil
}

func (t *TransitionService) notifyOwner(ctx context.Context, action *models.OwnershipAction, senderID uuid.UUID, kind MessageKind) {
	var ownerID *uuid.UUID
	switch kind {
	case MsgUnconsignDenied:
		ownerID = action.NewOwnerID
	default:
		ownerID = action.PrevOwnerID
	}
	if ownerID == nil {
		return
	}
	owner, err := t.stores.Users.GetByID(ctx, *ownerID)
	if err != nil || owner == nil {
		return
	}
	t.notifier.Send(ctx, Notification{
		Kind:          kind,
		SenderID:      senderID,
		ReceiverEmail: owner.Email,
		PieceID:       action.PieceID,
		EditionID:     action.EditionID,
		ActionID:      &action.ActionID,
	})
}
