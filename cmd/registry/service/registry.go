package service

import (
	"context"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/ledger"
	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/models"
)

// RegistryService covers the asset surface: registering pieces,
// splitting them into editions, and metadata edits. Ownership movement
// lives in TransitionService.
type RegistryService struct {
	txr       TxRunner
	stores    Stores
	acl       *ACLService
	ownership *OwnershipService
	ledger    ledger.Client
	publisher TxPublisher
	log       *logger.Logger
}

func NewRegistryService(
	txr TxRunner,
	stores Stores,
	acl *ACLService,
	ownership *OwnershipService,
	lc ledger.Client,
	publisher TxPublisher,
	log *logger.Logger,
) *RegistryService {
	return &RegistryService{
		txr:       txr,
		stores:    stores,
		acl:       acl,
		ownership: ownership,
		ledger:    lc,
		publisher: publisher,
		log:       log,
	}
}

type RegisterPieceRequest struct {
	RegistrantID uuid.UUID
	Title        string
	ArtistName   string
	NumEditions  int
	Extra        map[string]interface{}
}

// RegisterPiece creates the piece, anchors its registration on the
// ledger, and grants the registrant the baseline owner record.
func (s *RegistryService) RegisterPiece(ctx context.Context, req RegisterPieceRequest) (*models.Piece, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("piece title is required")
	}
	if req.NumEditions < models.EditionsUnsplit {
		return nil, fmt.Errorf("invalid edition count %d", req.NumEditions)
	}

	addr, err := s.ledger.CreateAddress(ctx, req.RegistrantID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive registration address: %w", err)
	}

	piece := &models.Piece{
		PieceID:             uuid.New(),
		Title:               req.Title,
		ArtistName:          req.ArtistName,
		RegistrantID:        req.RegistrantID,
		NumEditions:         req.NumEditions,
		RegistrationAddress: &addr.Address,
		Extra:               req.Extra,
	}

	var regTx *models.LedgerTx
	err = s.txr.RunInTx(ctx, func(st Stores) error {
		if err := st.Pieces.Create(ctx, piece); err != nil {
			return fmt.Errorf("failed to create piece: %w", err)
		}
		action, err := s.ownership.CreatePieceRegistration(ctx, st, piece)
		if err != nil {
			return err
		}

		regTx = &models.LedgerTx{
			TxID:      uuid.New(),
			Kind:      models.TxRegister,
			ToAddress: addr.Address,
			Status:    models.TxCreated,
		}
		if err := st.LedgerTxs.Create(ctx, regTx); err != nil {
			return fmt.Errorf("failed to persist registration tx: %w", err)
		}
		action.SigningMaterial = addr.SigningMaterial
		action.LedgerTxID = &regTx.TxID
		if err := st.Actions.Update(ctx, action); err != nil {
			return fmt.Errorf("failed to attach registration tx: %w", err)
		}

		_, err = s.acl.GrantOnRegistration(ctx, st.ACLs, req.RegistrantID, piece)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, regTx.TxID); err != nil {
		s.log.ErrorContext(ctx, "failed to enqueue registration tx", "tx_id", regTx.TxID, "error", err)
	}

	s.log.InfoContext(ctx, "piece registered",
		"piece_id", piece.PieceID,
		"registrant", req.RegistrantID,
		"address", addr.Address)
	return piece, nil
}

// CreateEditions splits a piece into a fixed run of numbered editions
// owned by the registrant. Editions anchor lazily on first use.
func (s *RegistryService) CreateEditions(ctx context.Context, actorID, pieceID uuid.UUID, count int) ([]*models.Edition, error) {
	if count <= 0 {
		return nil, fmt.Errorf("edition count must be positive")
	}
	piece, err := s.stores.Pieces.GetByID(ctx, pieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, ErrNotFound
	}
	if err := s.acl.Require(ctx, s.stores.ACLs, actorID, pieceID, nil, models.CapCreateEditions); err != nil {
		return nil, err
	}
	if piece.Split() {
		return nil, ErrConflict
	}

	var editions []*models.Edition
	err = s.txr.RunInTx(ctx, func(st Stores) error {
		editions = editions[:0]
		for number := 1; number <= count; number++ {
			ownerID := piece.RegistrantID
			edition := &models.Edition{
				EditionID:     uuid.New(),
				PieceID:       pieceID,
				Number:        number,
				OwnerID:       &ownerID,
				ConsignStatus: models.NotConsigned,
			}
			if err := st.Editions.Create(ctx, edition); err != nil {
				return fmt.Errorf("failed to create edition %d: %w", number, err)
			}
			editions = append(editions, edition)
		}
		if err := st.Pieces.SetNumEditions(ctx, pieceID, count); err != nil {
			return fmt.Errorf("failed to set edition count: %w", err)
		}
		piece.NumEditions = count
		if _, err := s.ownership.CreateEditionsAction(ctx, st, piece, actorID, count); err != nil {
			return err
		}
		return s.acl.GrantOnEditionsCreated(ctx, st.ACLs, piece.RegistrantID, piece, editions)
	})
	if err != nil {
		return nil, err
	}
	return editions, nil
}

// EditPieceMetadata applies an RFC 7386 merge patch to the piece's
// caller-supplied metadata.
func (s *RegistryService) EditPieceMetadata(ctx context.Context, actorID, pieceID uuid.UUID, patch []byte) (*models.Piece, error) {
	piece, err := s.stores.Pieces.GetByID(ctx, pieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, ErrNotFound
	}
	if err := s.acl.Require(ctx, s.stores.ACLs, actorID, pieceID, nil, models.CapEdit); err != nil {
		return nil, err
	}

	current, err := json.Marshal(piece.Extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if piece.Extra == nil {
		current = []byte(`{}`)
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, fmt.Errorf("failed to apply metadata patch: %w", err)
	}
	var extra map[string]interface{}
	if err := json.Unmarshal(merged, &extra); err != nil {
		return nil, fmt.Errorf("failed to decode patched metadata: %w", err)
	}

	if err := s.stores.Pieces.UpdateExtra(ctx, pieceID, extra); err != nil {
		return nil, fmt.Errorf("failed to store metadata: %w", err)
	}
	piece.Extra = extra
	return piece, nil
}

// GetPiece returns one piece to a viewer with the view capability.
func (s *RegistryService) GetPiece(ctx context.Context, actorID, pieceID uuid.UUID) (*models.Piece, error) {
	piece, err := s.stores.Pieces.GetByID(ctx, pieceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load piece: %w", err)
	}
	if piece == nil {
		return nil, ErrNotFound
	}
	if err := s.acl.Require(ctx, s.stores.ACLs, actorID, pieceID, nil, models.CapView); err != nil {
		return nil, err
	}
	return piece, nil
}

// ListPieces returns the pieces a user registered.
func (s *RegistryService) ListPieces(ctx context.Context, registrantID uuid.UUID, limit int) ([]*models.Piece, error) {
	return s.stores.Pieces.ListByRegistrant(ctx, registrantID, limit)
}

// ListEditions returns the editions of a piece to a viewer with the
// view-editions capability.
func (s *RegistryService) ListEditions(ctx context.Context, actorID, pieceID uuid.UUID) ([]*models.Edition, error) {
	if err := s.acl.Require(ctx, s.stores.ACLs, actorID, pieceID, nil, models.CapViewEditions); err != nil {
		return nil, err
	}
	return s.stores.Editions.ListByPiece(ctx, pieceID)
}

// GetEdition returns one edition to a viewer holding view on it or on
// the parent piece.
func (s *RegistryService) GetEdition(ctx context.Context, actorID, editionID uuid.UUID) (*models.Edition, error) {
	edition, err := s.stores.Editions.GetByID(ctx, editionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edition: %w", err)
	}
	if edition == nil {
		return nil, ErrNotFound
	}
	if err := s.acl.Require(ctx, s.stores.ACLs, actorID, edition.PieceID, &edition.EditionID, models.CapView); err != nil {
		if err := s.acl.Require(ctx, s.stores.ACLs, actorID, edition.PieceID, nil, models.CapView); err != nil {
			return nil, err
		}
	}
	return edition, nil
}

// PermissionsForUser lists every permission record a user holds.
func (s *RegistryService) PermissionsForUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ACLRecord, error) {
	return s.stores.ACLs.ListByUser(ctx, userID, limit)
}
