package postgres

import (
	"context"
	"errors"
	"fmt"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func getListing(ctx context.Context, q querier, query, listingId string) (*models.Listing, error) {
	var l models.Listing
	var price string
	err := q.QueryRow(ctx, query, listingId).Scan(&l.Id, &l.SellerId, &price, &l.Currency, &l.Status, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query listing %s: %w", listingId, err)
	}
	if l.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse listing price '%s': %w", price, err)
	}
	return &l, nil
}

func (s *Service) GetListing(ctx context.Context, listingId string) (*models.Listing, error) {
	return getListing(ctx, s.pool, queryGetListing, listingId)
}

func (s *Service) GetUserProfile(ctx context.Context, userId string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.pool.QueryRow(ctx, queryGetUserProfile, userId).
		Scan(&p.UserId, &p.KycVerified, &p.VerifiedAt, &p.VerifiedBy, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user profile: %w", err)
	}
	return &p, nil
}

func (s *Service) ListBadges(ctx context.Context, userId string) ([]models.Badge, error) {
	rows, err := s.pool.Query(ctx, queryListBadges, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer rows.Close()

	var badges []models.Badge
	for rows.Next() {
		var b models.Badge
		if err := rows.Scan(&b.UserId, &b.Badge, &b.GrantedBy, &b.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan badge: %w", err)
		}
		badges = append(badges, b)
	}
	return badges, rows.Err()
}

// --- unit of work ---

func (t *pgTx) UpsertListing(ctx context.Context, l *models.Listing) error {
	l.UpdatedAt = t.now()
	if _, err := t.tx.Exec(ctx, queryUpsertListing,
		l.Id, l.SellerId, l.Price.String(), l.Currency, string(l.Status), l.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert listing %s: %w", l.Id, err)
	}
	return nil
}

func (t *pgTx) GetListingForUpdate(ctx context.Context, listingId string) (*models.Listing, error) {
	return getListing(ctx, t.tx, queryGetListingForUpdate, listingId)
}

func (t *pgTx) SetListingStatus(ctx context.Context, listingId string, status models.ListingStatus) error {
	tag, err := t.tx.Exec(ctx, querySetListingStatus, string(status), t.now(), listingId)
	if err != nil {
		return fmt.Errorf("failed to set listing %s status: %w", listingId, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpsertUserProfile(ctx context.Context, p *models.UserProfile) error {
	p.UpdatedAt = t.now()
	if _, err := t.tx.Exec(ctx, queryUpsertUserProfile,
		p.UserId, p.KycVerified, p.VerifiedAt, p.VerifiedBy, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert user profile %s: %w", p.UserId, err)
	}
	return nil
}

func (t *pgTx) InsertBadge(ctx context.Context, b *models.Badge) (bool, error) {
	if b.GrantedAt.IsZero() {
		b.GrantedAt = t.now()
	}
	tag, err := t.tx.Exec(ctx, queryInsertBadge, b.UserId, b.Badge, b.GrantedBy, b.GrantedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert badge: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
