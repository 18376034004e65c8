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

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var price string
	if err := row.Scan(&l.Id, &l.SellerId, &price, &l.Currency, &l.Status, &l.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if l.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse listing price '%s': %w", price, err)
	}
	return &l, nil
}

func getListing(ctx context.Context, q queryer, listingId string) (*models.Listing, error) {
	l, err := scanListing(q.QueryRowContext(ctx, queryGetListing, listingId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query listing %s: %w", listingId, err)
	}
	return l, nil
}

func (s *Service) GetListing(ctx context.Context, listingId string) (*models.Listing, error) {
	return getListing(ctx, s.db, listingId)
}

func (s *Service) GetUserProfile(ctx context.Context, userId string) (*models.UserProfile, error) {
	var p models.UserProfile
	var verifiedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, queryGetUserProfile, userId).
		Scan(&p.UserId, &p.KycVerified, &verifiedAt, &p.VerifiedBy, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user profile: %w", err)
	}
	p.VerifiedAt = nullTimePtr(verifiedAt)
	return &p, nil
}

func (s *Service) ListBadges(ctx context.Context, userId string) ([]models.Badge, error) {
	rows, err := s.db.QueryContext(ctx, queryListBadges, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to query badges: %w", err)
	}
	defer closeRows(rows)

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

func (t *sqlTx) UpsertListing(ctx context.Context, l *models.Listing) error {
	l.UpdatedAt = t.now()
	if _, err := t.tx.ExecContext(ctx, queryUpsertListing,
		l.Id, l.SellerId, l.Price.String(), l.Currency, l.Status, l.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert listing %s: %w", l.Id, err)
	}
	return nil
}

func (t *sqlTx) GetListingForUpdate(ctx context.Context, listingId string) (*models.Listing, error) {
	return getListing(ctx, t.tx, listingId)
}

func (t *sqlTx) SetListingStatus(ctx context.Context, listingId string, status models.ListingStatus) error {
	result, err := t.tx.ExecContext(ctx, querySetListingStatus, status, t.now(), listingId)
	if err != nil {
		return fmt.Errorf("failed to set listing %s status: %w", listingId, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *sqlTx) UpsertUserProfile(ctx context.Context, p *models.UserProfile) error {
	p.UpdatedAt = t.now()
	if _, err := t.tx.ExecContext(ctx, queryUpsertUserProfile,
		p.UserId, p.KycVerified, timeArg(p.VerifiedAt), p.VerifiedBy, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert user profile %s: %w", p.UserId, err)
	}
	return nil
}

// InsertBadge grants a badge once; it reports false when the badge was already held.
func (t *sqlTx) InsertBadge(ctx context.Context, b *models.Badge) (bool, error) {
	if b.GrantedAt.IsZero() {
		b.GrantedAt = t.now()
	}
	result, err := t.tx.ExecContext(ctx, queryInsertBadge, b.UserId, b.Badge, b.GrantedBy, b.GrantedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert badge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}
