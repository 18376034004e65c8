package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWallet(row rowScanner) (*models.Wallet, error) {
	var w models.Wallet
	var balance, deposited, withdrawn string
	if err := row.Scan(&w.Id, &w.UserId, &w.Currency, &balance, &deposited, &withdrawn, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("failed to parse balance '%s': %w", balance, err)
	}
	if w.TotalDeposited, err = decimal.NewFromString(deposited); err != nil {
		return nil, fmt.Errorf("failed to parse total_deposited '%s': %w", deposited, err)
	}
	if w.TotalWithdrawn, err = decimal.NewFromString(withdrawn); err != nil {
		return nil, fmt.Errorf("failed to parse total_withdrawn '%s': %w", withdrawn, err)
	}
	return &w, nil
}

func getWallet(ctx context.Context, q queryer, query string, args ...any) (*models.Wallet, error) {
	w, err := scanWallet(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, nil
}

// GetWallet returns the wallet for (userId, currency).
func (s *Service) GetWallet(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	return getWallet(ctx, s.db, queryGetWallet, userId, currency)
}

func (s *Service) GetWalletById(ctx context.Context, walletId string) (*models.Wallet, error) {
	return getWallet(ctx, s.db, queryGetWalletById, walletId)
}

func (s *Service) ListWallets(ctx context.Context, userId string) ([]models.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, queryListWallets, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer closeRows(rows)

	var wallets []models.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

// ReconcileWalletBalance recomputes a wallet balance from its posted
// transactions and compares it with the stored value.
// Both reads share one transaction so a concurrent posting cannot land
// between them.
func (s *Service) ReconcileWalletBalance(ctx context.Context, walletId string) (*models.BalanceAudit, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			zap.L().Warn("Failed to roll back audit transaction", zap.Error(err))
		}
	}()

	wallet, err := getWallet(ctx, tx, queryGetWalletById, walletId)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, queryListPostedTransactions, walletId)
	if err != nil {
		return nil, fmt.Errorf("failed to query posted transactions: %w", err)
	}
	defer closeRows(rows)

	audit := &models.BalanceAudit{WalletId: walletId, StoredBalance: wallet.Balance, ComputedBalance: decimal.Zero}
	for rows.Next() {
		var direction, net string
		if err := rows.Scan(&direction, &net); err != nil {
			return nil, fmt.Errorf("failed to scan posted transaction: %w", err)
		}
		amount, err := decimal.NewFromString(net)
		if err != nil {
			return nil, fmt.Errorf("failed to parse net amount '%s': %w", net, err)
		}
		if models.Direction(direction) == models.DirectionDebit {
			amount = amount.Neg()
		}
		audit.ComputedBalance = audit.ComputedBalance.Add(amount)
		audit.Transactions++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if !audit.Balanced() {
		zap.L().Error("Wallet balance mismatch",
			zap.String("wallet_id", walletId),
			zap.String("stored_balance", audit.StoredBalance.String()),
			zap.String("computed_balance", audit.ComputedBalance.String()))
	}
	return audit, nil
}

// --- unit of work ---

func (t *sqlTx) GetWalletForUpdate(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	return getWallet(ctx, t.tx, queryGetWallet, userId, currency)
}

func (t *sqlTx) GetWalletByIdForUpdate(ctx context.Context, walletId string) (*models.Wallet, error) {
	return getWallet(ctx, t.tx, queryGetWalletById, walletId)
}

// CreateWallet inserts a zero wallet if none exists and returns the stored row.
func (t *sqlTx) CreateWallet(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	now := t.now()
	if _, err := t.tx.ExecContext(ctx, queryInsertWallet, uuid.New().String(), userId, currency, now, now); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return getWallet(ctx, t.tx, queryGetWallet, userId, currency)
}

// UpdateWallet persists balance and totals, guarded by the row version.
func (t *sqlTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	if wallet.Balance.IsNegative() {
		return fmt.Errorf("wallet %s would go negative: %w", wallet.Id, store.ErrInsufficientBalance)
	}

	now := t.now()
	result, err := t.tx.ExecContext(ctx, queryUpdateWallet,
		wallet.Balance.String(), wallet.TotalDeposited.String(), wallet.TotalWithdrawn.String(),
		now, wallet.Id, wallet.Version)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("wallet update failed - %w", store.ErrConcurrentModification)
	}

	wallet.Version++
	wallet.UpdatedAt = now
	return nil
}
