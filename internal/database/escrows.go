package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func scanEscrow(row rowScanner) (*models.Escrow, error) {
	var e models.Escrow
	var amount, fee string
	var fundedAt, autoReleaseAt, resolvedAt sql.NullTime

	err := row.Scan(&e.Id, &e.BuyerId, &e.SellerId, &e.ListingId, &amount, &fee, &e.Currency, &e.Status,
		&e.FundingReference, &fundedAt, &autoReleaseAt, &resolvedAt, &e.ResolutionReason,
		&e.Rating, &e.Review, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse escrow amount '%s': %w", amount, err)
	}
	if e.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("failed to parse escrow fee '%s': %w", fee, err)
	}
	e.FundedAt = nullTimePtr(fundedAt)
	e.AutoReleaseAt = nullTimePtr(autoReleaseAt)
	e.ResolvedAt = nullTimePtr(resolvedAt)
	return &e, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func getEscrow(ctx context.Context, q queryer, escrowId string) (*models.Escrow, error) {
	e, err := scanEscrow(q.QueryRowContext(ctx, queryGetEscrow, escrowId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow %s: %w", escrowId, err)
	}
	return e, nil
}

func (s *Service) GetEscrow(ctx context.Context, escrowId string) (*models.Escrow, error) {
	return getEscrow(ctx, s.db, escrowId)
}

// ListExpiredEscrows returns funded escrows whose auto-release time has passed.
func (s *Service) ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	rows, err := s.db.QueryContext(ctx, queryListExpiredEscrows, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired escrows: %w", err)
	}
	defer closeRows(rows)

	var escrows []models.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escrow: %w", err)
		}
		escrows = append(escrows, *e)
	}
	return escrows, rows.Err()
}

// --- unit of work ---

func (t *sqlTx) InsertEscrow(ctx context.Context, e *models.Escrow) error {
	now := t.now()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := t.tx.ExecContext(ctx, queryInsertEscrow,
		e.Id, e.BuyerId, e.SellerId, e.ListingId, e.Amount.String(), e.Fee.String(), e.Currency, e.Status,
		e.FundingReference, timeArg(e.FundedAt), timeArg(e.AutoReleaseAt), timeArg(e.ResolvedAt),
		e.ResolutionReason, e.Rating, e.Review, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (t *sqlTx) GetEscrowForUpdate(ctx context.Context, escrowId string) (*models.Escrow, error) {
	return getEscrow(ctx, t.tx, escrowId)
}

func (t *sqlTx) UpdateEscrow(ctx context.Context, e *models.Escrow) error {
	e.UpdatedAt = t.now()
	result, err := t.tx.ExecContext(ctx, queryUpdateEscrow,
		e.Status, e.FundingReference, timeArg(e.FundedAt), timeArg(e.AutoReleaseAt), timeArg(e.ResolvedAt),
		e.ResolutionReason, e.Rating, e.Review, e.UpdatedAt, e.Id)
	if err != nil {
		return fmt.Errorf("failed to update escrow %s: %w", e.Id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}
