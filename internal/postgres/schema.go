package postgres

import (
	"context"
	"fmt"
)

const schema = `
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance NUMERIC(20, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_deposited NUMERIC(20, 2) NOT NULL DEFAULT 0,
		total_withdrawn NUMERIC(20, 2) NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, currency)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		type TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		amount NUMERIC(20, 2) NOT NULL CHECK (amount > 0),
		fee NUMERIC(20, 2) NOT NULL DEFAULT 0,
		net_amount NUMERIC(20, 2) NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		posted BOOLEAN NOT NULL DEFAULT FALSE,
		gateway_outcome TEXT NOT NULL DEFAULT '',
		escrow_id TEXT NOT NULL DEFAULT '',
		parent_reference TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		mirrored_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reconcile ON transactions(type, gateway_outcome, status);
	CREATE INDEX IF NOT EXISTS idx_transactions_parent ON transactions(parent_reference);
	CREATE INDEX IF NOT EXISTS idx_transactions_unmirrored ON transactions(completed_at) WHERE status = 'completed' AND mirrored_at IS NULL;

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		price NUMERIC(20, 2) NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escrows (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		amount NUMERIC(20, 2) NOT NULL,
		fee NUMERIC(20, 2) NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		funding_reference TEXT NOT NULL DEFAULT '',
		funded_at TIMESTAMPTZ,
		auto_release_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		resolution_reason TEXT NOT NULL DEFAULT '',
		rating INTEGER NOT NULL DEFAULT 0,
		review TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_auto_release ON escrows(auto_release_at) WHERE status = 'funded';

	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		kyc_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verified_at TIMESTAMPTZ,
		verified_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_badges (
		user_id TEXT NOT NULL,
		badge TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		granted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, badge)
	);
`

func (s *Service) initSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}
