package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var amount, fee, net, metadata string
	var completedAt, mirroredAt sql.NullTime

	err := row.Scan(&t.Id, &t.Reference, &t.UserId, &t.WalletId, &t.Type, &t.Direction,
		&amount, &fee, &net, &t.Currency, &t.Status, &t.Posted, &t.GatewayOutcome,
		&t.EscrowId, &t.ParentReference, &metadata, &t.CreatedAt, &t.UpdatedAt, &completedAt, &mirroredAt)
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
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if mirroredAt.Valid {
		t.MirroredAt = &mirroredAt.Time
	}
	return &t, nil
}

func listTransactions(ctx context.Context, q queryer, query string, args ...any) ([]models.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer closeRows(rows)

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

func getTransaction(ctx context.Context, q queryer, reference string) (*models.Transaction, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, queryGetTransactionByReference, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction %s: %w", reference, err)
	}
	return t, nil
}

func (s *Service) GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	return getTransaction(ctx, s.db, reference)
}

// ListTransactions returns newest-first history matching filter.
func (s *Service) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]models.Transaction, error) {
	var where []string
	var args []any
	if filter.UserId != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserId)
	}
	if filter.WalletId != "" {
		where = append(where, "wallet_id = ?")
		args = append(args, filter.WalletId)
	}
	if filter.Currency != "" {
		where = append(where, "currency = ?")
		args = append(args, filter.Currency)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return listTransactions(ctx, s.db, query, args...)
}

func (s *Service) ListReconcilableWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.db, queryListReconcilableWithdrawals, limit)
}

func (s *Service) ListStaleWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.db, queryListStaleWithdrawals, olderThan.UTC(), limit)
}

func (s *Service) ListUnmirroredTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.db, queryListUnmirrored, limit)
}

func (s *Service) MarkMirrored(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, queryMarkMirrored, at.UTC(), id); err != nil {
		return fmt.Errorf("failed to mark transaction %s mirrored: %w", id, err)
	}
	return nil
}

func (s *Service) ListMirroredFailures(ctx context.Context, limit int) ([]models.Transaction, error) {
	return listTransactions(ctx, s.db, queryListMirroredFailures, limit)
}

func (s *Service) ClearMirrored(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, queryClearMirrored, id); err != nil {
		return fmt.Errorf("failed to clear mirror mark on transaction %s: %w", id, err)
	}
	return nil
}

// --- unit of work ---

// InsertTransaction records a new transaction. An existing reference yields
// store.ErrDuplicateReference and leaves the stored row untouched.
func (t *sqlTx) InsertTransaction(ctx context.Context, params store.InsertTransactionParams) (*models.Transaction, error) {
	if err := params.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", params.Reference, err)
	}
	metadata, err := json.Marshal(params.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := t.now()
	var completedAt any
	if params.Status == models.TransactionStatusCompleted {
		completedAt = now
	}
	result, err := t.tx.ExecContext(ctx, queryInsertTransaction,
		uuid.New().String(), params.Reference, params.UserId, params.WalletId,
		params.Type, params.Direction, params.Amount.String(), params.Fee.String(), params.NetAmount.String(),
		params.Currency, params.Status, params.Posted, models.GatewayOutcomeNone,
		params.EscrowId, params.ParentReference, string(metadata), now, now, completedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		zap.L().Warn("Duplicate transaction reference detected, skipping",
			zap.String("reference", params.Reference))
		return nil, fmt.Errorf("%w: reference %s already exists", store.ErrDuplicateReference, params.Reference)
	}

	txn, err := getTransaction(ctx, t.tx, params.Reference)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (t *sqlTx) GetTransactionByReferenceForUpdate(ctx context.Context, reference string) (*models.Transaction, error) {
	return getTransaction(ctx, t.tx, reference)
}

func (t *sqlTx) ListTransactionsByParent(ctx context.Context, parentReference string) ([]models.Transaction, error) {
	return listTransactions(ctx, t.tx, queryListTransactionsByParent, parentReference)
}

// UpdateTransactionStatus applies a monotone status transition with an
// optional metadata patch.
func (t *sqlTx) UpdateTransactionStatus(ctx context.Context, id string, update store.StatusUpdate) (*models.Transaction, error) {
	txn, err := scanTransaction(t.tx.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %s: %w", id, err)
	}

	if err := store.ApplyStatusUpdate(txn, update, t.now()); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(txn.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var completedAt any
	if txn.CompletedAt != nil {
		completedAt = txn.CompletedAt.UTC()
	}
	if _, err := t.tx.ExecContext(ctx, queryUpdateTransaction,
		txn.Status, txn.Posted, txn.GatewayOutcome, string(metadata), txn.UpdatedAt, completedAt, txn.Id); err != nil {
		return nil, fmt.Errorf("failed to update transaction %s: %w", txn.Reference, err)
	}
	return txn, nil
}
