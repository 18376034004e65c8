package database

import (
	"context"
	"fmt"
)

const schema = `
	-- Wallets (current state, hot data)
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		currency TEXT NOT NULL,
		balance TEXT NOT NULL DEFAULT '0' CHECK (CAST(balance AS REAL) >= 0),
		total_deposited TEXT NOT NULL DEFAULT '0',
		total_withdrawn TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(user_id, currency)
	);

	-- Transactions (audit trail, append/transition only)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		type TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('credit', 'debit')),
		amount TEXT NOT NULL,
		fee TEXT NOT NULL DEFAULT '0',
		net_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		posted INTEGER NOT NULL DEFAULT 0,
		gateway_outcome TEXT NOT NULL DEFAULT '',
		escrow_id TEXT NOT NULL DEFAULT '',
		parent_reference TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		mirrored_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions(wallet_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reconcile ON transactions(type, gateway_outcome, status);
	CREATE INDEX IF NOT EXISTS idx_transactions_parent ON transactions(parent_reference);
	CREATE INDEX IF NOT EXISTS idx_transactions_mirror ON transactions(status, mirrored_at);

	-- Listings registered by the post service
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		seller_id TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		updated_at TIMESTAMP NOT NULL
	);

	-- Escrows
	CREATE TABLE IF NOT EXISTS escrows (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		amount TEXT NOT NULL,
		fee TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		funding_reference TEXT NOT NULL DEFAULT '',
		funded_at TIMESTAMP,
		auto_release_at TIMESTAMP,
		resolved_at TIMESTAMP,
		resolution_reason TEXT NOT NULL DEFAULT '',
		rating INTEGER NOT NULL DEFAULT 0,
		review TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_auto_release ON escrows(status, auto_release_at);
	CREATE INDEX IF NOT EXISTS idx_escrows_listing ON escrows(listing_id);

	-- Admin-maintained user flags
	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id TEXT PRIMARY KEY,
		kyc_verified INTEGER NOT NULL DEFAULT 0,
		verified_at TIMESTAMP,
		verified_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_badges (
		user_id TEXT NOT NULL,
		badge TEXT NOT NULL,
		granted_by TEXT NOT NULL,
		granted_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, badge)
	);
`

func (s *Service) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return nil
}
