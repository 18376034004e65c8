package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func scanEscrow(row pgx.Row) (*models.Escrow, error) {
	var e models.Escrow
	var amount, fee string

	err := row.Scan(&e.Id, &e.BuyerId, &e.SellerId, &e.ListingId, &amount, &fee, &e.Currency, &e.Status,
		&e.FundingReference, &e.FundedAt, &e.AutoReleaseAt, &e.ResolvedAt, &e.ResolutionReason,
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
	return &e, nil
}

func getEscrow(ctx context.Context, q querier, query, escrowId string) (*models.Escrow, error) {
	e, err := scanEscrow(q.QueryRow(ctx, query, escrowId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query escrow %s: %w", escrowId, err)
	}
	return e, nil
}

func (s *Service) GetEscrow(ctx context.Context, escrowId string) (*models.Escrow, error) {
	return getEscrow(ctx, s.pool, queryGetEscrow, escrowId)
}

func (s *Service) ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error) {
	rows, err := s.pool.Query(ctx, queryListExpiredEscrows, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired escrows: %w", err)
	}
	defer rows.Close()

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

func (t *pgTx) InsertEscrow(ctx context.Context, e *models.Escrow) error {
	now := t.now()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := t.tx.Exec(ctx, queryInsertEscrow,
		e.Id, e.BuyerId, e.SellerId, e.ListingId, e.Amount.String(), e.Fee.String(), e.Currency, string(e.Status),
		e.FundingReference, e.FundedAt, e.AutoReleaseAt, e.ResolvedAt,
		e.ResolutionReason, e.Rating, e.Review, now)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}
	return nil
}

func (t *pgTx) GetEscrowForUpdate(ctx context.Context, escrowId string) (*models.Escrow, error) {
	return getEscrow(ctx, t.tx, queryGetEscrowForUpdate, escrowId)
}

func (t *pgTx) UpdateEscrow(ctx context.Context, e *models.Escrow) error {
	e.UpdatedAt = t.now()
	tag, err := t.tx.Exec(ctx, queryUpdateEscrow,
		string(e.Status), e.FundingReference, e.FundedAt, e.AutoReleaseAt, e.ResolvedAt,
		e.ResolutionReason, e.Rating, e.Review, e.UpdatedAt, e.Id)
	if err != nil {
		return fmt.Errorf("failed to update escrow %s: %w", e.Id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
