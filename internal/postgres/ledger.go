package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanWallet(row pgx.Row) (*models.Wallet, error) {
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

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	var amount, fee, net, metadata string

	err := row.Scan(&t.Id, &t.Reference, &t.UserId, &t.WalletId, &t.Type, &t.Direction,
		&amount, &fee, &net, &t.Currency, &t.Status, &t.Posted, &t.GatewayOutcome,
		&t.EscrowId, &t.ParentReference, &metadata, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.MirroredAt)
	if err != nil {
		return nil, err
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount '%s': %w", amount, err)
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse fee '%s': %w", fee, err)
	}
	if t.NetAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("failed to parse net_amount '%s': %w", net, err)
	}
	if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", t.Reference, err)
	}
	return &t, nil
}

func getWallet(ctx context.Context, q querier, query string, args ...any) (*models.Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, nil
}

func getTransaction(ctx context.Context, q querier, query string, arg string) (*models.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", arg, err)
	}
	return t, nil
}

func listTransactions(ctx context.Context, q querier, query string, args ...any) ([]models.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *t)
	}
	return transactions, rows.Err()
}

func (s *Service) GetWallet(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	return getWallet(ctx, s.pool, queryGetWallet, userId, currency)
}

func (s *Service) GetWalletById(ctx context.Context, walletId string) (*models.Wallet, error) {
	return getWallet(ctx, s.pool, queryGetWalletById, walletId)
}

func (s *Service) ListWallets(ctx context.Context, userId string) ([]models.Wallet, error) {
	rows, err := s.pool.Query(ctx, queryListWallets, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallets: %w", err)
	}
	defer rows.Close()

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

// ReconcileWalletBalance sums posted transactions in the database and
// compares the result with the stored balance.
func (s *Service) ReconcileWalletBalance(ctx context.Context, walletId string) (*models.BalanceAudit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			zap.L().Warn("Failed to roll back audit transaction", zap.Error(err))
		}
	}()

	wallet, err := getWallet(ctx, tx, queryGetWalletById, walletId)
	if err != nil {
		return nil, err
	}

	var computed string
	var count int
	if err := tx.QueryRow(ctx, queryComputeBalance, walletId).Scan(&computed, &count); err != nil {
		return nil, fmt.Errorf("failed to compute balance: %w", err)
	}
	sum, err := decimal.NewFromString(computed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse computed balance '%s': %w", computed, err)
	}

	audit := &models.BalanceAudit{WalletId: walletId, StoredBalance: wallet.Balance, ComputedBalance: sum, Transactions: count}
	if !audit.Balanced() {
		zap.L().Error("Wallet balance mismatch",
			zap.String("wallet_id", walletId),
			zap.String("stored_balance", audit.StoredBalance.String()),
			zap.String("computed_balance", audit.ComputedBalance.String()))
	}
	return audit, nil
}

func (s *Service) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return getTransaction(ctx, s.pool, queryGetTransactionByReference, reference)
}

func (s *Service) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserId != "" {
		add("user_id = $%d", filter.UserId)
	}
	if filter.WalletId != "" {
		add("wallet_id = $%d", filter.WalletId)
	}
	if filter.Currency != "" {
		add("currency = $%d", filter.Currency)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return listTransactions(ctx, s.pool, query, args...)
}

func (s *Service) ListReconcilableWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.pool, queryListReconcilableWithdrawals, limit)
}

func (s *Service) ListStaleWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.pool, queryListStaleWithdrawals, olderThan, limit)
}

func (s *Service) ListUnmirroredTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.pool, queryListUnmirrored, limit)
}

func (s *Service) MarkMirrored(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, queryMarkMirrored, at, id); err != nil {
		return fmt.Errorf("failed to mark transaction %s mirrored: %w", id, err)
	}
	return nil
}

func (s *Service) ListMirroredFailures(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.pool, queryListMirroredFailures, limit)
}

func (s *Service) ClearMirrored(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, queryClearMirrored, id); err != nil {
		return fmt.Errorf("failed to clear mirror mark on transaction %s: %w", id, err)
	}
	return nil
}

// --- unit of work ---

func (t *pgTx) GetWalletForUpdate(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	return getWallet(ctx, t.tx, queryGetWalletForUpdate, userId, currency)
}

func (t *pgTx) GetWalletByIdForUpdate(ctx context.Context, walletId string) (*models.Wallet, error) {
	return getWallet(ctx, t.tx, queryGetWalletByIdForUpdate, walletId)
}

func (t *pgTx) CreateWallet(ctx context.Context, userId, currency string) (*models.Wallet, error) {
	if _, err := t.tx.Exec(ctx, queryInsertWallet, uuid.New().String(), userId, currency, t.now()); err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return getWallet(ctx, t.tx, queryGetWalletForUpdate, userId, currency)
}

func (t *pgTx) UpdateWallet(ctx context.Context, wallet *models.Wallet) error {
	if wallet.Balance.IsNegative() {
		return fmt.Errorf("wallet %s would go negative: %w", wallet.Id, store.ErrInsufficientBalance)
	}

	now := t.now()
	tag, err := t.tx.Exec(ctx, queryUpdateWallet,
		wallet.Balance.String(), wallet.TotalDeposited.String(), wallet.TotalWithdrawn.String(),
		now, wallet.Id, wallet.Version)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet update failed - %w", store.ErrConcurrentModification)
	}

	wallet.Version++
	wallet.UpdatedAt = now
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, params store.InsertTransactionParams) (*models.Transaction, error) {
	if err := params.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", params.Reference, err)
	}
	metadata, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := t.now()
	var completedAt *time.Time
	if params.Status == models.TransactionStatusCompleted {
		completedAt = &now
	}

	txn, err := scanTransaction(t.tx.QueryRow(ctx, queryInsertTransaction,
		uuid.New().String(), params.Reference, params.UserId, params.WalletId,
		string(params.Type), string(params.Direction), params.Amount.String(), params.Fee.String(), params.NetAmount.String(),
		params.Currency, string(params.Status), params.Posted, string(models.GatewayOutcomeNone),
		params.EscrowId, params.ParentReference, string(metadata), now, completedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		zap.L().Warn("Duplicate transaction reference detected, skipping",
			zap.String("reference", params.Reference))
		return nil, fmt.Errorf("%w: reference %s already exists", store.ErrDuplicateReference, params.Reference)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return txn, nil
}

func (t *pgTx) GetTransactionByReferenceForUpdate(ctx context.Context, reference string) (*models.Transaction, error) {
	return getTransaction(ctx, t.tx, queryGetTransactionByReferenceForUpdate, reference)
}

func (t *pgTx) ListTransactionsByParent(ctx context.Context, parentReference string) ([]models.Transaction, error) {
	return listTransactions(ctx, t.tx, queryListTransactionsByParent, parentReference)
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, id string, update store.StatusUpdate) (*models.Transaction, error) {
	txn, err := getTransaction(ctx, t.tx, queryGetTransactionByIdForUpdate, id)
	if err != nil {
		return nil, err
	}

	if err := store.ApplyStatusUpdate(txn, update, t.now()); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if _, err := t.tx.Exec(ctx, queryUpdateTransaction,
		string(txn.Status), txn.Posted, string(txn.GatewayOutcome), string(metadata), txn.UpdatedAt, txn.CompletedAt, txn.Id); err != nil {
		return nil, fmt.Errorf("failed to update transaction %s: %w", txn.Reference, err)
	}
	return txn, nil
}
