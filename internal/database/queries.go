/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const (
	walletColumns = `id, user_id, currency, balance, total_deposited, total_withdrawn, version, created_at, updated_at`

	transactionColumns = `id, reference, user_id, wallet_id, type, direction, amount, fee, net_amount, currency,
		status, posted, gateway_outcome, escrow_id, parent_reference, metadata,
		created_at, updated_at, completed_at, mirrored_at`

	escrowColumns = `id, buyer_id, seller_id, listing_id, amount, fee, currency, status, funding_reference,
		funded_at, auto_release_at, resolved_at, resolution_reason, rating, review, created_at, updated_at`

	// Wallet queries
	queryGetWallet = `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE user_id = ? AND currency = ?`

	queryGetWalletById = `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE id = ?`

	queryListWallets = `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE user_id = ?
		ORDER BY currency`

	queryInsertWallet = `
		INSERT INTO wallets (id, user_id, currency, balance, total_deposited, total_withdrawn, version, created_at, updated_at)
		VALUES (?, ?, ?, '0', '0', '0', 1, ?, ?)
		ON CONFLICT(user_id, currency) DO NOTHING`

	queryUpdateWallet = `
		UPDATE wallets
		SET balance = ?, total_deposited = ?, total_withdrawn = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`

	// Transaction queries
	queryInsertTransaction = `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(reference) DO NOTHING`

	queryGetTransactionByReference = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE reference = ?`

	queryListTransactionsByParent = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE parent_reference = ?
		ORDER BY created_at`

	queryUpdateTransaction = `
		UPDATE transactions
		SET status = ?, posted = ?, gateway_outcome = ?, metadata = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`

	queryListPostedTransactions = `
		SELECT direction, net_amount
		FROM transactions
		WHERE wallet_id = ? AND posted = 1`

	queryListReconcilableWithdrawals = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal'
		  AND gateway_outcome = 'failed'
		  AND status IN ('pending', 'processing', 'completed')
		ORDER BY updated_at
		LIMIT ?`

	queryListStaleWithdrawals = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal'
		  AND status = 'processing'
		  AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`

	queryListUnmirrored = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'completed' AND mirrored_at IS NULL
		ORDER BY completed_at
		LIMIT ?`

	queryMarkMirrored = `
		UPDATE transactions SET mirrored_at = ? WHERE id = ?`

	queryListMirroredFailures = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'failed' AND mirrored_at IS NOT NULL
		ORDER BY updated_at
		LIMIT ?`

	queryClearMirrored = `
		UPDATE transactions SET mirrored_at = NULL WHERE id = ?`

	// Escrow queries
	queryInsertEscrow = `
		INSERT INTO escrows (` + escrowColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryGetEscrow = `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE id = ?`

	queryUpdateEscrow = `
		UPDATE escrows
		SET status = ?, funding_reference = ?, funded_at = ?, auto_release_at = ?, resolved_at = ?,
		    resolution_reason = ?, rating = ?, review = ?, updated_at = ?
		WHERE id = ?`

	queryListExpiredEscrows = `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE status = 'funded' AND auto_release_at IS NOT NULL AND auto_release_at <= ?
		ORDER BY auto_release_at
		LIMIT ?`

	// Listing queries
	queryUpsertListing = `
		INSERT INTO listings (id, seller_id, price, currency, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seller_id = excluded.seller_id,
			price = excluded.price,
			currency = excluded.currency,
			status = excluded.status,
			updated_at = excluded.updated_at`

	queryGetListing = `
		SELECT id, seller_id, price, currency, status, updated_at
		FROM listings
		WHERE id = ?`

	querySetListingStatus = `
		UPDATE listings SET status = ?, updated_at = ? WHERE id = ?`

	// User queries
	queryUpsertUserProfile = `
		INSERT INTO user_profiles (user_id, kyc_verified, verified_at, verified_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			kyc_verified = excluded.kyc_verified,
			verified_at = excluded.verified_at,
			verified_by = excluded.verified_by,
			updated_at = excluded.updated_at`

	queryGetUserProfile = `
		SELECT user_id, kyc_verified, verified_at, verified_by, updated_at
		FROM user_profiles
		WHERE user_id = ?`

	queryInsertBadge = `
		INSERT INTO user_badges (user_id, badge, granted_by, granted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, badge) DO NOTHING`

	queryListBadges = `
		SELECT user_id, badge, granted_by, granted_at
		FROM user_badges
		WHERE user_id = ?
		ORDER BY granted_at`
)
