package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/ledger"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// LedgerBuildService runs the build chain for an outgoing action:
// ensure-registered, migration check, then refill-before-spend. It only
// persists transaction rows; building and broadcasting against the
// wallet daemon happens out of band in the transaction monitor, so the
// request path never blocks on the chain.
type LedgerBuildService struct {
	ledger    ledger.Client
	ownership *OwnershipService
	migration *MigrationDetector
	log       *logger.Logger
}

func NewLedgerBuildService(lc ledger.Client, ownership *OwnershipService, migration *MigrationDetector, log *logger.Logger) *LedgerBuildService {
	return &LedgerBuildService{ledger: lc, ownership: ownership, migration: migration, log: log}
}

func txKindFor(kind models.ActionKind) (models.TxKind, error) {
	switch kind {
	case models.KindTransfer:
		return models.TxTransfer, nil
	case models.KindConsignment:
		return models.TxConsign, nil
	case models.KindUnconsignment:
		return models.TxUnconsign, nil
	case models.KindLoan, models.KindLoanPiece:
		return models.TxLoan, nil
	default:
		return "", fmt.Errorf("action kind %s does not produce a ledger transaction", kind)
	}
}

// BuildChain persists the transaction chain for a confirmed outgoing
// action and returns the id of the chain head to hand to the broadcast
// pipeline. A nil head with nil error means the action already has a
// live chain and nothing new was built (idempotent retry).
func (s *LedgerBuildService) BuildChain(ctx context.Context, st Stores, action *models.OwnershipAction) (*uuid.UUID, error) {
	spendKind, err := txKindFor(action.Kind)
	if err != nil {
		return nil, err
	}
	if action.PrevOwnerID == nil {
		return nil, fmt.Errorf("action %s has no previous owner to sign with", action.ActionID)
	}
	if action.NewOwnerID == nil {
		return nil, fmt.Errorf("action %s has no counterparty on file yet", action.ActionID)
	}

	// 1. Idempotent retry: a chain that is already past building must
	// never be doubled. A chain still in created state may yet be
	// discarded by the migration check below.
	var existing *models.LedgerTx
	if action.LedgerTxID != nil {
		existing, err = st.LedgerTxs.GetByID(ctx, *action.LedgerTxID)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing ledger tx: %w", err)
		}
		if existing != nil && !existing.Failed() && existing.Status != models.TxCreated {
			return nil, nil
		}
	}

	var (
		edition *models.Edition
		piece   *models.Piece
	)
	if action.PieceLevel() {
		piece, err = st.Pieces.GetByID(ctx, action.PieceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load piece: %w", err)
		}
		if piece == nil {
			return nil, ErrNotFound
		}
	} else {
		edition, err = st.Editions.GetByID(ctx, *action.EditionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load edition: %w", err)
		}
		if edition == nil {
			return nil, ErrNotFound
		}
	}

	// 2a. Lazy registration: anchor the asset before spending from it.
	var head, prereq *uuid.UUID
	chain := func(t *models.LedgerTx) {
		t.DependentTxID = prereq
		if head == nil {
			head = &t.TxID
		}
		prereq = &t.TxID
	}

	if edition != nil && !edition.RegisteredOnLedger() {
		regTx, err := s.registerEdition(ctx, st, action, edition)
		if err != nil {
			return nil, err
		}
		chain(regTx)
		if err := st.LedgerTxs.Create(ctx, regTx); err != nil {
			return nil, fmt.Errorf("failed to persist registration tx: %w", err)
		}
	}
	if piece != nil && piece.RegistrationAddress == nil {
		regTx, err := s.registerPiece(ctx, st, action, piece)
		if err != nil {
			return nil, err
		}
		chain(regTx)
		if err := st.LedgerTxs.Create(ctx, regTx); err != nil {
			return nil, fmt.Errorf("failed to persist registration tx: %w", err)
		}
	}

	// 2b. Migration check, always before any spend is built.
	plan, err := s.migration.Check(ctx, st, *action.PrevOwnerID, edition, piece, action.PrevAddress)
	if err != nil {
		return nil, err
	}
	if plan == nil && existing != nil && !existing.Failed() {
		return nil, nil
	}
	if plan != nil {
		if existing != nil && !existing.Failed() {
			// Built against a pre-reset address; unsignable now.
			if err := st.LedgerTxs.SetError(ctx, existing.TxID, "discarded: stale address after credential migration"); err != nil {
				return nil, fmt.Errorf("failed to discard stale tx: %w", err)
			}
			if existing.DependentTxID != nil {
				if err := st.LedgerTxs.SetError(ctx, *existing.DependentTxID, "discarded: stale address after credential migration"); err != nil {
					return nil, fmt.Errorf("failed to discard stale refill: %w", err)
				}
			}
		}

		migTx := &models.LedgerTx{
			TxID:        uuid.New(),
			Kind:        models.TxMigrate,
			FromAddress: plan.PrevAddress,
			ToAddress:   plan.NewAddress,
			Status:      models.TxCreated,
		}
		chain(migTx)
		if err := st.LedgerTxs.Create(ctx, migTx); err != nil {
			return nil, fmt.Errorf("failed to persist migration tx: %w", err)
		}
		plan.Action.LedgerTxID = &migTx.TxID
		if err := st.Actions.Update(ctx, plan.Action); err != nil {
			return nil, fmt.Errorf("failed to attach migration tx: %w", err)
		}

		if edition != nil {
			if err := st.Editions.SetAddress(ctx, edition.EditionID, plan.NewAddress); err != nil {
				return nil, fmt.Errorf("failed to re-anchor edition: %w", err)
			}
			edition.Address = &plan.NewAddress
		} else {
			if err := st.Pieces.SetRegistrationAddress(ctx, piece.PieceID, plan.NewAddress); err != nil {
				return nil, fmt.Errorf("failed to re-anchor piece: %w", err)
			}
			piece.RegistrationAddress = &plan.NewAddress
		}

		action.PrevAddress = &plan.NewAddress
		action.SigningMaterial = plan.SigningMaterial
	}

	// Spend source defaults to the asset's current anchor.
	if action.PrevAddress == nil {
		if edition != nil {
			action.PrevAddress = edition.Address
		} else {
			action.PrevAddress = piece.RegistrationAddress
		}
	}
	if action.PrevAddress == nil {
		return nil, fmt.Errorf("action %s has no source address", action.ActionID)
	}

	// Unconsignments reuse the reversed addresses set at creation;
	// everything else derives a fresh address for the counterparty.
	if action.NewAddress == nil {
		addr, err := s.ledger.CreateAddress(ctx, *action.NewOwnerID)
		if err != nil {
			return nil, fmt.Errorf("failed to derive counterparty address: %w", err)
		}
		action.NewAddress = &addr.Address
	}

	// 2c. Refill before spend: the spend depends on the refill and the
	// monitor releases it only once the refill confirms.
	refill := &models.LedgerTx{
		TxID:      uuid.New(),
		Kind:      models.TxRefill,
		ToAddress: *action.PrevAddress,
		Status:    models.TxCreated,
	}
	chain(refill)
	if err := st.LedgerTxs.Create(ctx, refill); err != nil {
		return nil, fmt.Errorf("failed to persist refill tx: %w", err)
	}

	spend := &models.LedgerTx{
		TxID:        uuid.New(),
		Kind:        spendKind,
		FromAddress: *action.PrevAddress,
		ToAddress:   *action.NewAddress,
		Status:      models.TxCreated,
	}
	chain(spend)
	if err := st.LedgerTxs.Create(ctx, spend); err != nil {
		return nil, fmt.Errorf("failed to persist spend tx: %w", err)
	}

	action.LedgerTxID = &spend.TxID
	if err := st.Actions.Update(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to attach spend tx: %w", err)
	}

	// The anchor follows the spend for ownership-moving kinds; loans
	// return, so their anchor stays put.
	switch action.Kind {
	case models.KindTransfer, models.KindConsignment, models.KindUnconsignment:
		if err := st.Editions.SetAddress(ctx, edition.EditionID, *action.NewAddress); err != nil {
			return nil, fmt.Errorf("failed to move edition anchor: %w", err)
		}
		edition.Address = action.NewAddress
	}

	s.log.InfoContext(ctx, "ledger chain built",
		"action_id", action.ActionID,
		"kind", action.Kind,
		"head_tx", head,
		"spend_tx", spend.TxID)

	return head, nil
}

// registerEdition synthesizes the deferred registration action and its
// transaction the first time an edition is acted on. An edition already
// consigned when first anchored registers as a consigned registration.
func (s *LedgerBuildService) registerEdition(ctx context.Context, st Stores, action *models.OwnershipAction, edition *models.Edition) (*models.LedgerTx, error) {
	ownerID := *action.PrevOwnerID
	addr, err := s.ledger.CreateAddress(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive registration address: %w", err)
	}

	var regAction *models.OwnershipAction
	if action.Kind == models.KindConsignment && action.NewOwnerID != nil {
		regAction, err = s.ownership.CreateConsignedRegistration(ctx, st, edition, ownerID, *action.NewOwnerID)
	} else {
		regAction, err = s.ownership.CreateRegistration(ctx, st, edition, ownerID)
	}
	if err != nil {
		return nil, err
	}

	regTx := &models.LedgerTx{
		TxID:      uuid.New(),
		Kind:      models.TxRegister,
		ToAddress: addr.Address,
		Status:    models.TxCreated,
	}

	regAction.NewAddress = &addr.Address
	regAction.SigningMaterial = addr.SigningMaterial
	regAction.LedgerTxID = &regTx.TxID
	if err := st.Actions.Update(ctx, regAction); err != nil {
		return nil, fmt.Errorf("failed to record registration address: %w", err)
	}

	if err := st.Editions.SetAddress(ctx, edition.EditionID, addr.Address); err != nil {
		return nil, fmt.Errorf("failed to anchor edition: %w", err)
	}
	edition.Address = &addr.Address

	if len(action.SigningMaterial) == 0 {
		action.SigningMaterial = addr.SigningMaterial
	}
	return regTx, nil
}

func (s *LedgerBuildService) registerPiece(ctx context.Context, st Stores, action *models.OwnershipAction, piece *models.Piece) (*models.LedgerTx, error) {
	addr, err := s.ledger.CreateAddress(ctx, piece.RegistrantID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive registration address: %w", err)
	}

	piece.RegistrationAddress = &addr.Address
	regAction, err := s.ownership.CreatePieceRegistration(ctx, st, piece)
	if err != nil {
		return nil, err
	}

	regTx := &models.LedgerTx{
		TxID:      uuid.New(),
		Kind:      models.TxRegister,
		ToAddress: addr.Address,
		Status:    models.TxCreated,
	}

	regAction.SigningMaterial = addr.SigningMaterial
	regAction.LedgerTxID = &regTx.TxID
	if err := st.Actions.Update(ctx, regAction); err != nil {
		return nil, fmt.Errorf("failed to record registration address: %w", err)
	}

	if err := st.Pieces.SetRegistrationAddress(ctx, piece.PieceID, addr.Address); err != nil {
		return nil, fmt.Errorf("failed to anchor piece: %w", err)
	}

	if len(action.SigningMaterial) == 0 {
		action.SigningMaterial = addr.SigningMaterial
	}
	return regTx, nil
}
