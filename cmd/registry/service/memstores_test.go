package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/ledger"
	"github.com/artregistry/provenance/common/models"
)

// memDB backs the in-memory store fakes. A single monotonic clock stamps
// every created row so ordering-sensitive queries behave like the real
// database.
type memDB struct {
	users    map[uuid.UUID]*models.User
	pieces   map[uuid.UUID]*models.Piece
	editions map[uuid.UUID]*models.Edition
	actions  map[uuid.UUID]*models.OwnershipAction
	acls     map[uuid.UUID]*models.ACLRecord
	txs      map[uuid.UUID]*models.LedgerTx

	base time.Time
	tick int64
}

func newMemDB() *memDB {
	return &memDB{
		users:    make(map[uuid.UUID]*models.User),
		pieces:   make(map[uuid.UUID]*models.Piece),
		editions: make(map[uuid.UUID]*models.Edition),
		actions:  make(map[uuid.UUID]*models.OwnershipAction),
		acls:     make(map[uuid.UUID]*models.ACLRecord),
		txs:      make(map[uuid.UUID]*models.LedgerTx),
		base:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (d *memDB) now() time.Time {
	d.tick++
	return d.base.Add(time.Duration(d.tick) * time.Millisecond)
}

func (d *memDB) stores() Stores {
	return Stores{
		Users:     &memUsers{d},
		Pieces:    &memPieces{d},
		Editions:  &memEditions{d},
		Actions:   &memActions{d},
		ACLs:      &memACLs{d},
		LedgerTxs: &memTxs{d},
	}
}

// memRunner satisfies TxRunner without transactional isolation; the
// engine's explicit conflict checks are what the tests exercise.
type memRunner struct {
	db *memDB
}

func (r *memRunner) RunInTx(ctx context.Context, fn func(s Stores) error) error {
	return fn(r.db.stores())
}

type memUsers struct{ db *memDB }

func (m *memUsers) Create(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.db.now()
	}
	cp := *user
	m.db.users[user.UserID] = &cp
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	u, ok := m.db.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, u := range m.db.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memUsers) RecordCredentialReset(ctx context.Context, userID uuid.UUID) error {
	u, ok := m.db.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	now := m.db.now()
	u.CredentialResetAt = &now
	u.CredentialGeneration++
	return nil
}

type memPieces struct{ db *memDB }

func (m *memPieces) Create(ctx context.Context, piece *models.Piece) error {
	if piece.CreatedAt.IsZero() {
		piece.CreatedAt = m.db.now()
	}
	cp := *piece
	m.db.pieces[piece.PieceID] = &cp
	return nil
}

func (m *memPieces) GetByID(ctx context.Context, pieceID uuid.UUID) (*models.Piece, error) {
	p, ok := m.db.pieces[pieceID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memPieces) SetNumEditions(ctx context.Context, pieceID uuid.UUID, num int) error {
	p, ok := m.db.pieces[pieceID]
	if !ok {
		return fmt.Errorf("piece %s not found", pieceID)
	}
	p.NumEditions = num
	return nil
}

func (m *memPieces) SetRegistrationAddress(ctx context.Context, pieceID uuid.UUID, address string) error {
	p, ok := m.db.pieces[pieceID]
	if !ok {
		return fmt.Errorf("piece %s not found", pieceID)
	}
	p.RegistrationAddress = &address
	return nil
}

func (m *memPieces) UpdateExtra(ctx context.Context, pieceID uuid.UUID, extra map[string]interface{}) error {
	p, ok := m.db.pieces[pieceID]
	if !ok {
		return fmt.Errorf("piece %s not found", pieceID)
	}
	p.Extra = extra
	return nil
}

func (m *memPieces) ListByRegistrant(ctx context.Context, registrantID uuid.UUID, limit int) ([]*models.Piece, error) {
	var out []*models.Piece
	for _, p := range m.db.pieces {
		if p.RegistrantID == registrantID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type memEditions struct{ db *memDB }

func (m *memEditions) Create(ctx context.Context, edition *models.Edition) error {
	if edition.CreatedAt.IsZero() {
		edition.CreatedAt = m.db.now()
	}
	cp := *edition
	m.db.editions[edition.EditionID] = &cp
	return nil
}

func (m *memEditions) GetByID(ctx context.Context, editionID uuid.UUID) (*models.Edition, error) {
	e, ok := m.db.editions[editionID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memEditions) ListByPiece(ctx context.Context, pieceID uuid.UUID) ([]*models.Edition, error) {
	var out []*models.Edition
	for _, e := range m.db.editions {
		if e.PieceID == pieceID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *memEditions) SetOwner(ctx context.Context, editionID uuid.UUID, ownerID uuid.UUID) error {
	e, ok := m.db.editions[editionID]
	if !ok {
		return fmt.Errorf("edition %s not found", editionID)
	}
	e.OwnerID = &ownerID
	return nil
}

func (m *memEditions) SetPendingOwnerEmail(ctx context.Context, editionID uuid.UUID, email *string) error {
	e, ok := m.db.editions[editionID]
	if !ok {
		return fmt.Errorf("edition %s not found", editionID)
	}
	e.PendingOwnerEmail = email
	return nil
}

func (m *memEditions) SetConsignStatus(ctx context.Context, editionID uuid.UUID, status models.ConsignStatus) error {
	e, ok := m.db.editions[editionID]
	if !ok {
		return fmt.Errorf("edition %s not found", editionID)
	}
	e.ConsignStatus = status
	return nil
}

func (m *memEditions) SetAddress(ctx context.Context, editionID uuid.UUID, address string) error {
	e, ok := m.db.editions[editionID]
	if !ok {
		return fmt.Errorf("edition %s not found", editionID)
	}
	e.Address = &address
	return nil
}

type memActions struct{ db *memDB }

func (m *memActions) Create(ctx context.Context, a *models.OwnershipAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.db.now()
	}
	cp := *a
	m.db.actions[a.ActionID] = &cp
	return nil
}

func (m *memActions) GetByID(ctx context.Context, actionID uuid.UUID) (*models.OwnershipAction, error) {
	a, ok := m.db.actions[actionID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memActions) Update(ctx context.Context, a *models.OwnershipAction) error {
	stored, ok := m.db.actions[a.ActionID]
	if !ok {
		return fmt.Errorf("action %s not found", a.ActionID)
	}
	cp := *a
	cp.Kind = stored.Kind
	cp.PieceID = stored.PieceID
	cp.EditionID = stored.EditionID
	cp.CreatedAt = stored.CreatedAt
	m.db.actions[a.ActionID] = &cp
	return nil
}

func (m *memActions) SoftDelete(ctx context.Context, actionID uuid.UUID) error {
	a, ok := m.db.actions[actionID]
	if !ok {
		return fmt.Errorf("action %s not found", actionID)
	}
	if a.DeletedAt == nil {
		now := m.db.now()
		a.DeletedAt = &now
	}
	return nil
}

func (m *memActions) live(a *models.OwnershipAction) bool {
	return a.DeletedAt == nil
}

func (m *memActions) latest(match func(*models.OwnershipAction) bool) *models.OwnershipAction {
	var best *models.OwnershipAction
	for _, a := range m.db.actions {
		if !m.live(a) || !match(a) {
			continue
		}
		if best == nil || a.CreatedAt.After(best.CreatedAt) {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (m *memActions) LatestWithTxByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error) {
	return m.latest(func(a *models.OwnershipAction) bool {
		return a.Kind == kind && a.EditionID != nil && *a.EditionID == editionID && a.LedgerTxID != nil
	}), nil
}

func (m *memActions) LatestAcceptedByKind(ctx context.Context, kind models.ActionKind, editionID uuid.UUID) (*models.OwnershipAction, error) {
	return m.latest(func(a *models.OwnershipAction) bool {
		return a.Kind == kind && a.EditionID != nil && *a.EditionID == editionID && a.Accepted()
	}), nil
}

func (m *memActions) PendingBySlot(ctx context.Context, kind models.ActionKind, pieceID uuid.UUID, editionID *uuid.UUID) (*models.OwnershipAction, error) {
	return m.latest(func(a *models.OwnershipAction) bool {
		if a.Kind != kind || a.PieceID != pieceID || a.Status != nil {
			return false
		}
		if editionID == nil {
			return a.EditionID == nil
		}
		return a.EditionID != nil && *a.EditionID == *editionID
	}), nil
}

func (m *memActions) RegistrationForEdition(ctx context.Context, editionID uuid.UUID) (*models.OwnershipAction, error) {
	return m.latest(func(a *models.OwnershipAction) bool {
		return a.Kind == models.KindRegistration && a.EditionID != nil && *a.EditionID == editionID
	}), nil
}

func (m *memActions) LatestAnchorForAddress(ctx context.Context, userID uuid.UUID, address string) (*models.OwnershipAction, error) {
	return m.latest(func(a *models.OwnershipAction) bool {
		return a.NewOwnerID != nil && *a.NewOwnerID == userID &&
			a.NewAddress != nil && *a.NewAddress == address
	}), nil
}

func (m *memActions) GetByLedgerTx(ctx context.Context, txID uuid.UUID) (*models.OwnershipAction, error) {
	for _, a := range m.db.actions {
		if a.LedgerTxID != nil && *a.LedgerTxID == txID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memActions) collect(match func(*models.OwnershipAction) bool) []*models.OwnershipAction {
	var out []*models.OwnershipAction
	for _, a := range m.db.actions {
		if m.live(a) && match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memActions) ListByEdition(ctx context.Context, editionID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return m.collect(func(a *models.OwnershipAction) bool {
		return a.EditionID != nil && *a.EditionID == editionID
	}), nil
}

func (m *memActions) ListByPiece(ctx context.Context, pieceID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return m.collect(func(a *models.OwnershipAction) bool {
		return a.PieceID == pieceID
	}), nil
}

func (m *memActions) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.OwnershipAction, error) {
	return m.collect(func(a *models.OwnershipAction) bool {
		return (a.PrevOwnerID != nil && *a.PrevOwnerID == userID) ||
			(a.NewOwnerID != nil && *a.NewOwnerID == userID)
	}), nil
}

func (m *memActions) PendingByNewOwnerEmail(ctx context.Context, email string) ([]*models.OwnershipAction, error) {
	out := m.collect(func(a *models.OwnershipAction) bool {
		return a.NewOwnerEmail != nil && strings.EqualFold(*a.NewOwnerEmail, email) && a.Status == nil
	})
	// Oldest first, like the replay expects.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memACLs struct{ db *memDB }

func (m *memACLs) Create(ctx context.Context, rec *models.ACLRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.db.now()
		rec.UpdatedAt = rec.CreatedAt
	}
	cp := *rec
	m.db.acls[rec.ACLID] = &cp
	return nil
}

func (m *memACLs) Get(ctx context.Context, userID, pieceID uuid.UUID, editionID *uuid.UUID) (*models.ACLRecord, error) {
	for _, rec := range m.db.acls {
		if rec.UserID != userID || rec.PieceID != pieceID {
			continue
		}
		if editionID == nil && rec.EditionID == nil {
			cp := *rec
			return &cp, nil
		}
		if editionID != nil && rec.EditionID != nil && *rec.EditionID == *editionID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memACLs) Update(ctx context.Context, rec *models.ACLRecord) error {
	stored, ok := m.db.acls[rec.ACLID]
	if !ok {
		return fmt.Errorf("acl record %s not found", rec.ACLID)
	}
	cp := *rec
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = m.db.now()
	m.db.acls[rec.ACLID] = &cp
	return nil
}

func (m *memACLs) Delete(ctx context.Context, aclID uuid.UUID) error {
	delete(m.db.acls, aclID)
	return nil
}

func (m *memACLs) ListForUserPiece(ctx context.Context, userID, pieceID uuid.UUID) ([]*models.ACLRecord, error) {
	var out []*models.ACLRecord
	for _, rec := range m.db.acls {
		if rec.UserID == userID && rec.PieceID == pieceID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memACLs) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ACLRecord, error) {
	var out []*models.ACLRecord
	for _, rec := range m.db.acls {
		if rec.UserID == userID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memTxs struct{ db *memDB }

func (m *memTxs) Create(ctx context.Context, t *models.LedgerTx) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.db.now()
		t.UpdatedAt = t.CreatedAt
	}
	cp := *t
	m.db.txs[t.TxID] = &cp
	return nil
}

func (m *memTxs) GetByID(ctx context.Context, txID uuid.UUID) (*models.LedgerTx, error) {
	t, ok := m.db.txs[txID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memTxs) UpdateStatus(ctx context.Context, txID uuid.UUID, status models.TxStatus) error {
	t, ok := m.db.txs[txID]
	if !ok {
		return fmt.Errorf("tx %s not found", txID)
	}
	t.Status = status
	t.UpdatedAt = m.db.now()
	return nil
}

func (m *memTxs) SetHandle(ctx context.Context, txID uuid.UUID, handle string) error {
	t, ok := m.db.txs[txID]
	if !ok {
		return fmt.Errorf("tx %s not found", txID)
	}
	t.Handle = &handle
	return nil
}

func (m *memTxs) SetConfirmations(ctx context.Context, txID uuid.UUID, confirmations int) error {
	t, ok := m.db.txs[txID]
	if !ok {
		return fmt.Errorf("tx %s not found", txID)
	}
	t.Confirmations = confirmations
	return nil
}

func (m *memTxs) SetError(ctx context.Context, txID uuid.UUID, message string) error {
	t, ok := m.db.txs[txID]
	if !ok {
		return fmt.Errorf("tx %s not found", txID)
	}
	t.Status = models.TxRejected
	t.Error = &message
	return nil
}

func (m *memTxs) ListByStatus(ctx context.Context, status models.TxStatus, limit int) ([]*models.LedgerTx, error) {
	var out []*models.LedgerTx
	for _, t := range m.db.txs {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTxs) DependentsOf(ctx context.Context, txID uuid.UUID) ([]*models.LedgerTx, error) {
	var out []*models.LedgerTx
	for _, t := range m.db.txs {
		if t.DependentTxID != nil && *t.DependentTxID == txID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// fakeLedger is an in-memory wallet daemon. Every derived address is
// unique and remembers the user it was derived for.
type fakeLedger struct {
	seq        int
	built      []*ledger.BuildRequest
	broadcasts []string
	failBuild  bool
}

func (f *fakeLedger) CreateAddress(ctx context.Context, userID uuid.UUID) (*ledger.Address, error) {
	f.seq++
	return &ledger.Address{
		Address:         fmt.Sprintf("addr-%s-%d", userID.String()[:8], f.seq),
		SigningMaterial: []byte(fmt.Sprintf("material-%d", f.seq)),
	}, nil
}

func (f *fakeLedger) BuildTransaction(ctx context.Context, req *ledger.BuildRequest) (string, error) {
	if f.failBuild {
		return "", fmt.Errorf("wallet daemon rejected build")
	}
	f.built = append(f.built, req)
	return fmt.Sprintf("handle-%d", len(f.built)), nil
}

func (f *fakeLedger) Broadcast(ctx context.Context, handle string) error {
	f.broadcasts = append(f.broadcasts, handle)
	return nil
}

func (f *fakeLedger) PollConfirmation(ctx context.Context, handle string) (*ledger.Confirmation, error) {
	return &ledger.Confirmation{Status: models.TxConfirmed, Confirmations: 1}, nil
}

// fakePublisher records every chain head handed to the broadcast
// pipeline.
type fakePublisher struct {
	published []uuid.UUID
}

func (f *fakePublisher) Publish(ctx context.Context, txID uuid.UUID) error {
	f.published = append(f.published, txID)
	return nil
}
