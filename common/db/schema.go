package db

import (
	"context"
	"fmt"
)

// Schema is the registry's persisted state: one ownership ledger table with
// a kind discriminator, one ACL row per (user, piece, edition-or-null), and
// the ledger transaction table with the dependent-tx self reference.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id        UUID PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    credential_generation INT NOT NULL DEFAULT 0,
    credential_reset_at   TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pieces (
    piece_id       UUID PRIMARY KEY,
    title          TEXT NOT NULL,
    artist_name    TEXT NOT NULL,
    registrant_id  UUID NOT NULL REFERENCES users(user_id),
    num_editions   INT NOT NULL DEFAULT -1,
    registration_address TEXT,
    extra          JSONB NOT NULL DEFAULT '{}',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS editions (
    edition_id     UUID PRIMARY KEY,
    piece_id       UUID NOT NULL REFERENCES pieces(piece_id),
    number         INT NOT NULL,
    owner_id       UUID REFERENCES users(user_id),
    pending_owner_email TEXT,
    consign_status TEXT NOT NULL DEFAULT 'not_consigned',
    address        TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (piece_id, number)
);

CREATE TABLE IF NOT EXISTS ledger_txs (
    tx_id          UUID PRIMARY KEY,
    kind           TEXT NOT NULL,
    from_address   TEXT NOT NULL DEFAULT '',
    to_address     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'created',
    dependent_tx_id UUID REFERENCES ledger_txs(tx_id),
    handle         TEXT,
    confirmations  INT NOT NULL DEFAULT 0,
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ownership_actions (
    action_id      UUID PRIMARY KEY,
    kind           TEXT NOT NULL,
    piece_id       UUID NOT NULL REFERENCES pieces(piece_id),
    edition_id     UUID REFERENCES editions(edition_id),
    prev_owner_id  UUID REFERENCES users(user_id),
    new_owner_id   UUID REFERENCES users(user_id),
    new_owner_email TEXT,
    status         TEXT,
    window_from    TIMESTAMPTZ,
    window_to      TIMESTAMPTZ,
    prev_address   TEXT,
    new_address    TEXT,
    ledger_tx_id   UUID REFERENCES ledger_txs(tx_id),
    signing_material BYTEA,
    contract_agreement_id UUID,
    extra          JSONB NOT NULL DEFAULT '{}',
    error          TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    responded_at   TIMESTAMPTZ,
    deleted_at     TIMESTAMPTZ
);

-- At most one live pending action of a given kind per asset slot.
CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_action_per_slot
    ON ownership_actions (kind, piece_id, COALESCE(edition_id, '00000000-0000-0000-0000-000000000000'))
    WHERE status IS NULL AND deleted_at IS NULL;

CREATE INDEX IF NOT EXISTS idx_actions_edition ON ownership_actions (edition_id, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_piece ON ownership_actions (piece_id, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_new_owner_email ON ownership_actions (new_owner_email)
    WHERE status IS NULL AND deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS acl_records (
    acl_id         UUID PRIMARY KEY,
    user_id        UUID NOT NULL REFERENCES users(user_id),
    piece_id       UUID NOT NULL REFERENCES pieces(piece_id),
    edition_id     UUID REFERENCES editions(edition_id),
    acl_view       BOOLEAN NOT NULL DEFAULT FALSE,
    acl_edit       BOOLEAN NOT NULL DEFAULT FALSE,
    acl_download   BOOLEAN NOT NULL DEFAULT FALSE,
    acl_delete     BOOLEAN NOT NULL DEFAULT FALSE,
    acl_create_editions BOOLEAN NOT NULL DEFAULT FALSE,
    acl_view_editions   BOOLEAN NOT NULL DEFAULT FALSE,
    acl_share      BOOLEAN NOT NULL DEFAULT FALSE,
    acl_unshare    BOOLEAN NOT NULL DEFAULT FALSE,
    acl_transfer   BOOLEAN NOT NULL DEFAULT FALSE,
    acl_withdraw_transfer BOOLEAN NOT NULL DEFAULT FALSE,
    acl_consign    BOOLEAN NOT NULL DEFAULT FALSE,
    acl_withdraw_consign  BOOLEAN NOT NULL DEFAULT FALSE,
    acl_unconsign  BOOLEAN NOT NULL DEFAULT FALSE,
    acl_request_unconsign BOOLEAN NOT NULL DEFAULT FALSE,
    acl_loan       BOOLEAN NOT NULL DEFAULT FALSE,
    acl_loan_request BOOLEAN NOT NULL DEFAULT FALSE,
    acl_coa        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Exactly one ACL row per (user, piece, edition-or-none).
CREATE UNIQUE INDEX IF NOT EXISTS uq_acl_per_slot
    ON acl_records (user_id, piece_id, COALESCE(edition_id, '00000000-0000-0000-0000-000000000000'));
`

// InitSchema applies the schema. Intended as a bootstrap DB init hook.
func InitSchema(ctx context.Context, database *DB) error {
	if _, err := database.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
