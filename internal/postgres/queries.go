package postgres

const (
	walletColumns = `id, user_id, currency, balance::text, total_deposited::text, total_withdrawn::text, version, created_at, updated_at`

	transactionColumns = `id, reference, user_id, wallet_id, type, direction, amount::text, fee::text, net_amount::text, currency,
		status, posted, gateway_outcome, escrow_id, parent_reference, metadata::text,
		created_at, updated_at, completed_at, mirrored_at`

	escrowColumns = `id, buyer_id, seller_id, listing_id, amount::text, fee::text, currency, status, funding_reference,
		funded_at, auto_release_at, resolved_at, resolution_reason, rating, review, created_at, updated_at`

	// Wallet queries
	queryGetWallet = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 AND currency = $2`

	queryGetWalletForUpdate = queryGetWallet + ` FOR UPDATE`

	queryGetWalletById = `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`

	queryGetWalletByIdForUpdate = queryGetWalletById + ` FOR UPDATE`

	queryListWallets = `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1 ORDER BY currency`

	queryInsertWallet = `
		INSERT INTO wallets (id, user_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id, currency) DO NOTHING`

	queryUpdateWallet = `
		UPDATE wallets
		SET balance = $1, total_deposited = $2, total_withdrawn = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`

	// Transaction queries
	queryInsertTransaction = `
		INSERT INTO transactions (id, reference, user_id, wallet_id, type, direction, amount, fee, net_amount, currency,
			status, posted, gateway_outcome, escrow_id, parent_reference, metadata, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb, $17, $17, $18)
		ON CONFLICT (reference) DO NOTHING
		RETURNING ` + transactionColumns

	queryGetTransactionByReference = `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`

	queryGetTransactionByReferenceForUpdate = queryGetTransactionByReference + ` FOR UPDATE`

	queryGetTransactionByIdForUpdate = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`

	queryListTransactionsByParent = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE parent_reference = $1
		ORDER BY created_at
		FOR UPDATE`

	queryUpdateTransaction = `
		UPDATE transactions
		SET status = $1, posted = $2, gateway_outcome = $3, metadata = $4::jsonb, updated_at = $5, completed_at = $6
		WHERE id = $7`

	queryComputeBalance = `
		SELECT COALESCE(SUM(CASE WHEN direction = 'credit' THEN net_amount ELSE -net_amount END), 0)::text, COUNT(*)
		FROM transactions
		WHERE wallet_id = $1 AND posted`

	queryListReconcilableWithdrawals = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = 'withdrawal'
		  AND gateway_outcome = 'failed'
		  AND status IN ('pending', 'processing', 'completed')
		ORDER BY updated_at
		LIMIT $1`

	queryListStaleWithdrawals = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE type = 'withdrawal' AND status = 'processing' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`

	queryListUnmirrored = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = 'completed' AND mirrored_at IS NULL
		ORDER BY completed_at
		LIMIT $1`

	queryMarkMirrored = `UPDATE transactions SET mirrored_at = $1 WHERE id = $2`

	queryListMirroredFailures = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE status = 'failed' AND mirrored_at IS NOT NULL
		ORDER BY updated_at
		LIMIT $1`

	queryClearMirrored = `UPDATE transactions SET mirrored_at = NULL WHERE id = $1`

	// Escrow queries
	queryInsertEscrow = `
		INSERT INTO escrows (id, buyer_id, seller_id, listing_id, amount, fee, currency, status, funding_reference,
			funded_at, auto_release_at, resolved_at, resolution_reason, rating, review, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`

	queryGetEscrow = `SELECT ` + escrowColumns + ` FROM escrows WHERE id = $1`

	queryGetEscrowForUpdate = queryGetEscrow + ` FOR UPDATE`

	queryUpdateEscrow = `
		UPDATE escrows
		SET status = $1, funding_reference = $2, funded_at = $3, auto_release_at = $4, resolved_at = $5,
		    resolution_reason = $6, rating = $7, review = $8, updated_at = $9
		WHERE id = $10`

	queryListExpiredEscrows = `
		SELECT ` + escrowColumns + ` FROM escrows
		WHERE status = 'funded' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`

	// Listing queries
	queryUpsertListing = `
		INSERT INTO listings (id, seller_id, price, currency, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			seller_id = EXCLUDED.seller_id,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	queryGetListing = `SELECT id, seller_id, price::text, currency, status, updated_at FROM listings WHERE id = $1`

	queryGetListingForUpdate = queryGetListing + ` FOR UPDATE`

	querySetListingStatus = `UPDATE listings SET status = $1, updated_at = $2 WHERE id = $3`

	// User queries
	queryUpsertUserProfile = `
		INSERT INTO user_profiles (user_id, kyc_verified, verified_at, verified_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			kyc_verified = EXCLUDED.kyc_verified,
			verified_at = EXCLUDED.verified_at,
			verified_by = EXCLUDED.verified_by,
			updated_at = EXCLUDED.updated_at`

	queryGetUserProfile = `
		SELECT user_id, kyc_verified, verified_at, verified_by, updated_at
		FROM user_profiles WHERE user_id = $1`

	queryInsertBadge = `
		INSERT INTO user_badges (user_id, badge, granted_by, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, badge) DO NOTHING`

	queryListBadges = `
		SELECT user_id, badge, granted_by, granted_at
		FROM user_badges WHERE user_id = $1 ORDER BY granted_at`
)
