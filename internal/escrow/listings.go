package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ListingUpdate is what the feed service sends when a listing is posted or edited
type ListingUpdate struct {
	SellerId string
	Price    decimal.Decimal
	Currency string
}

// RegisterListing creates or updates a listing for the feed service. Listings
// held by an escrow (reserved or sold) cannot be edited.
func (s *Service) RegisterListing(ctx context.Context, actor models.Actor, listingId string, update ListingUpdate) (*models.Listing, error) {
	if !actor.IsService() && !actor.IsAdmin() {
		return nil, fmt.Errorf("listing registration requires a service token: %w", store.ErrForbidden)
	}

	listingId = strings.TrimSpace(listingId)
	if listingId == "" || strings.TrimSpace(update.SellerId) == "" {
		return nil, fmt.Errorf("listing id and seller id are required: %w", store.ErrInvalidAmount)
	}
	currency, ok := s.currencies.Lookup(update.Currency)
	if !ok {
		return nil, fmt.Errorf("unsupported currency %q: %w", update.Currency, store.ErrInvalidAmount)
	}
	price := update.Price
	if !price.IsPositive() || !price.Equal(price.Round(currency.Precision)) {
		return nil, fmt.Errorf("invalid listing price %s: %w", price, store.ErrInvalidAmount)
	}

	listing := &models.Listing{
		Id:       listingId,
		SellerId: strings.TrimSpace(update.SellerId),
		Price:    price,
		Currency: currency.Code,
		Status:   models.ListingStatusActive,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetListingForUpdate(ctx, listingId)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case existing.Status != models.ListingStatusActive:
			return fmt.Errorf("listing %s is %s: %w", listingId, existing.Status, store.ErrInvalidState)
		case existing.SellerId != listing.SellerId:
			return fmt.Errorf("listing %s belongs to another seller: %w", listingId, store.ErrForbidden)
		}
		return tx.UpsertListing(ctx, listing)
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Listing registered",
		zap.String("listing_id", listing.Id),
		zap.String("seller_id", listing.SellerId),
		zap.String("price", listing.Price.String()),
		zap.String("currency", listing.Currency))
	return listing, nil
}
