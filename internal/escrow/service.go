// Package escrow holds a buyer's payment in trust until the trade resolves.
//
// Flow:
//  1. Create snapshots the listing price and escrow fee (pending)
//  2. Fund debits the buyer for price and fee and reserves the listing (funded)
//  3. Release pays the seller the price and marks the listing sold (released)
//  4. Refund returns price and fee to the buyer and reopens the listing (refunded)
//  5. AutoReleaseExpired releases funded escrows once auto_release_at passes
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/notify"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonBuyerConfirmed = "buyer_confirmed"
	ReasonAutoRelease    = "auto_release"

	defaultAutoRelease = 7 * 24 * time.Hour
	expiredBatchSize   = 100
	maxRating          = 5
)

type Service struct {
	store            store.LedgerStore
	wallets          *wallet.Service
	currencies       models.Currencies
	notifier         *notify.Dispatcher
	metrics          *metrics.Metrics
	autoReleaseAfter time.Duration
	now              func() time.Time
}

type Config struct {
	AutoReleaseAfter time.Duration
}

func NewService(
	s store.LedgerStore,
	wallets *wallet.Service,
	currencies models.Currencies,
	notifier *notify.Dispatcher,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	autoRelease := cfg.AutoReleaseAfter
	if autoRelease <= 0 {
		autoRelease = defaultAutoRelease
	}
	return &Service{
		store:            s,
		wallets:          wallets,
		currencies:       currencies,
		notifier:         notifier,
		metrics:          m,
		autoReleaseAfter: autoRelease,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Get returns an escrow to one of its parties, or to staff.
func (s *Service) Get(ctx context.Context, escrowId string, actor models.Actor) (*models.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, escrowId)
	if err != nil {
		return nil, err
	}
	if actor.UserId != e.BuyerId && actor.UserId != e.SellerId && !actor.IsAdmin() && !actor.IsService() {
		return nil, fmt.Errorf("escrow %s: %w", escrowId, store.ErrForbidden)
	}
	return e, nil
}

// Create opens a pending escrow for listingId without moving money.
func (s *Service) Create(ctx context.Context, buyerId, listingId string) (*models.Escrow, error) {
	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = s.create(ctx, tx, buyerId, listingId)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.EscrowTransition(string(e.Status))
	zap.L().Info("Escrow created",
		zap.String("escrow_id", e.Id),
		zap.String("buyer_id", e.BuyerId),
		zap.String("listing_id", e.ListingId),
		zap.String("amount", e.Amount.String()),
		zap.String("fee", e.Fee.String()))
	return e, nil
}

// Fund moves a pending escrow to funded, debiting the buyer.
func (s *Service) Fund(ctx context.Context, escrowId, buyerId string) (*models.Escrow, error) {
	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEscrowForUpdate(ctx, escrowId)
		if err != nil {
			return err
		}
		if e.BuyerId != buyerId {
			return fmt.Errorf("escrow %s belongs to another buyer: %w", escrowId, store.ErrForbidden)
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("escrow %s is %s: %w", escrowId, e.Status, store.ErrAlreadyFinalized)
		}
		if e.Status != models.EscrowStatusPending {
			return fmt.Errorf("escrow %s is %s, expected pending: %w", escrowId, e.Status, store.ErrInvalidState)
		}

		listing, err := tx.GetListingForUpdate(ctx, e.ListingId)
		if err != nil {
			return err
		}
		if listing.Status != models.ListingStatusActive {
			return fmt.Errorf("listing %s is %s: %w", listing.Id, listing.Status, store.ErrInvalidState)
		}
		return s.fund(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}

	s.funded(ctx, e)
	return e, nil
}

// Purchase creates and funds an escrow in one unit of work; a failed debit
// leaves no escrow behind.
func (s *Service) Purchase(ctx context.Context, buyerId, listingId string) (*models.Escrow, error) {
	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = s.create(ctx, tx, buyerId, listingId)
		if err != nil {
			return err
		}
		return s.fund(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}

	s.funded(ctx, e)
	return e, nil
}

// Release pays the seller. Only the buyer or the system may release.
func (s *Service) Release(ctx context.Context, escrowId string, actor models.Actor, rating int, review string) (*models.Escrow, error) {
	if rating < 0 || rating > maxRating {
		return nil, fmt.Errorf("rating %d outside 0-%d: %w", rating, maxRating, store.ErrInvalidAmount)
	}

	reason := ReasonBuyerConfirmed
	if actor.IsService() {
		reason = ReasonAutoRelease
	}

	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEscrowForUpdate(ctx, escrowId)
		if err != nil {
			return err
		}
		if actor.UserId != e.BuyerId && !actor.IsService() {
			return fmt.Errorf("escrow %s can only be released by its buyer: %w", escrowId, store.ErrForbidden)
		}
		return s.release(ctx, tx, e, reason, rating, review)
	})
	if err != nil {
		return nil, err
	}

	s.released(ctx, e)
	return e, nil
}

// AutoReleaseExpired releases every funded escrow whose auto-release time is
// at or before now. It returns how many were released.
func (s *Service) AutoReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpiredEscrows(ctx, now, expiredBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, candidate := range expired {
		var e *models.Escrow
		err := s.store.WithinTx(ctx, func(tx store.Tx) error {
			var err error
			e, err = tx.GetEscrowForUpdate(ctx, candidate.Id)
			if err != nil {
				return err
			}
			// The buyer may have confirmed or an admin refunded since the scan.
			if e.Status != models.EscrowStatusFunded || e.AutoReleaseAt == nil || e.AutoReleaseAt.After(now) {
				e = nil
				return nil
			}
			return s.release(ctx, tx, e, ReasonAutoRelease, 0, "")
		})
		if err != nil {
			zap.L().Error("Failed to auto-release escrow",
				zap.String("escrow_id", candidate.Id),
				zap.Error(err))
			continue
		}
		if e == nil {
			continue
		}
		s.released(ctx, e)
		released++
	}

	if released > 0 {
		zap.L().Info("Expired escrows released", zap.Int("count", released))
	}
	return released, nil
}

// Refund returns price and fee to the buyer. Admin only.
func (s *Service) Refund(ctx context.Context, escrowId string, actor models.Actor, reason string) (*models.Escrow, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("escrow refunds require an admin: %w", store.ErrForbidden)
	}

	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEscrowForUpdate(ctx, escrowId)
		if err != nil {
			return err
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("escrow %s is %s: %w", escrowId, e.Status, store.ErrAlreadyFinalized)
		}
		if e.Status != models.EscrowStatusFunded {
			return fmt.Errorf("escrow %s is %s, expected funded: %w", escrowId, e.Status, store.ErrInvalidState)
		}

		buyerWallet, err := s.wallets.EnsureWallet(ctx, tx, e.BuyerId, e.Currency)
		if err != nil {
			return err
		}
		total := e.Total()
		if _, err := s.wallets.Post(ctx, tx, store.InsertTransactionParams{
			Reference:       wallet.NewReference(wallet.PrefixRefund),
			UserId:          e.BuyerId,
			WalletId:        buyerWallet.Id,
			Type:            models.TransactionTypeRefund,
			Direction:       models.DirectionCredit,
			Amount:          total,
			Fee:             decimal.Zero,
			NetAmount:       total,
			Currency:        e.Currency,
			Status:          models.TransactionStatusCompleted,
			Posted:          true,
			EscrowId:        e.Id,
			ParentReference: e.FundingReference,
			Metadata:        models.Metadata{Provider: models.ProviderInternal, Description: reason},
		}, wallet.MovementTransfer); err != nil {
			return err
		}

		now := s.now()
		e.Status = models.EscrowStatusRefunded
		e.ResolvedAt = &now
		e.ResolutionReason = reason
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		return tx.SetListingStatus(ctx, e.ListingId, models.ListingStatusActive)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.EscrowTransition(string(e.Status))
	s.notifier.Dispatch(ctx, notify.Notification{
		UserId:    e.BuyerId,
		Kind:      notify.KindEscrowRefunded,
		Reference: e.Id,
		Amount:    e.Total(),
		Currency:  e.Currency,
		Message:   reason,
	})
	zap.L().Info("Escrow refunded",
		zap.String("escrow_id", e.Id),
		zap.String("admin_id", actor.UserId),
		zap.String("amount", e.Total().String()),
		zap.String("reason", reason))
	return e, nil
}

// Cancel abandons an unfunded escrow. No money moves.
func (s *Service) Cancel(ctx context.Context, escrowId, buyerId string) (*models.Escrow, error) {
	var e *models.Escrow
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEscrowForUpdate(ctx, escrowId)
		if err != nil {
			return err
		}
		if e.BuyerId != buyerId {
			return fmt.Errorf("escrow %s belongs to another buyer: %w", escrowId, store.ErrForbidden)
		}
		if e.Status.IsTerminal() {
			return fmt.Errorf("escrow %s is %s: %w", escrowId, e.Status, store.ErrAlreadyFinalized)
		}
		if e.Status != models.EscrowStatusPending {
			return fmt.Errorf("escrow %s is %s, expected pending: %w", escrowId, e.Status, store.ErrInvalidState)
		}

		now := s.now()
		e.Status = models.EscrowStatusCancelled
		e.ResolvedAt = &now
		e.ResolutionReason = "buyer_cancelled"
		return tx.UpdateEscrow(ctx, e)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.EscrowTransition(string(e.Status))
	zap.L().Info("Escrow cancelled", zap.String("escrow_id", e.Id))
	return e, nil
}

func (s *Service) create(ctx context.Context, tx store.Tx, buyerId, listingId string) (*models.Escrow, error) {
	if buyerId == "" {
		return nil, fmt.Errorf("buyer id cannot be empty: %w", store.ErrForbidden)
	}

	listing, err := tx.GetListingForUpdate(ctx, listingId)
	if err != nil {
		return nil, err
	}
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("listing %s is %s: %w", listingId, listing.Status, store.ErrInvalidState)
	}
	if listing.SellerId == buyerId {
		return nil, fmt.Errorf("seller cannot buy their own listing %s: %w", listingId, store.ErrForbidden)
	}

	currency, ok := s.currencies.Lookup(listing.Currency)
	if !ok {
		return nil, fmt.Errorf("listing %s priced in unsupported currency %q: %w", listingId, listing.Currency, store.ErrInvalidAmount)
	}
	if !listing.Price.IsPositive() {
		return nil, fmt.Errorf("listing %s has price %s: %w", listingId, listing.Price, store.ErrInvalidAmount)
	}

	e := &models.Escrow{
		Id:        uuid.New().String(),
		BuyerId:   buyerId,
		SellerId:  listing.SellerId,
		ListingId: listing.Id,
		Amount:    listing.Price,
		Fee:       currency.EscrowFee(listing.Price),
		Currency:  currency.Code,
		Status:    models.EscrowStatusPending,
	}
	if err := tx.InsertEscrow(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// fund debits the buyer and reserves the listing. The listing is already
// locked by the caller.
func (s *Service) fund(ctx context.Context, tx store.Tx, e *models.Escrow) error {
	buyerWallet, err := tx.GetWalletForUpdate(ctx, e.BuyerId, e.Currency)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("buyer %s has no %s wallet: %w", e.BuyerId, e.Currency, store.ErrInsufficientBalance)
	}
	if err != nil {
		return err
	}
	if buyerWallet.Balance.LessThan(e.Total()) {
		return fmt.Errorf("balance %s below escrow total %s: %w", buyerWallet.Balance, e.Total(), store.ErrInsufficientBalance)
	}

	reference := wallet.NewReference(wallet.PrefixEscrow)
	if _, err := s.wallets.Post(ctx, tx, store.InsertTransactionParams{
		Reference: reference,
		UserId:    e.BuyerId,
		WalletId:  buyerWallet.Id,
		Type:      models.TransactionTypeEscrowDeposit,
		Direction: models.DirectionDebit,
		Amount:    e.Amount,
		Fee:       decimal.Zero,
		NetAmount: e.Amount,
		Currency:  e.Currency,
		Status:    models.TransactionStatusCompleted,
		Posted:    true,
		EscrowId:  e.Id,
		Metadata:  models.Metadata{Provider: models.ProviderInternal, Description: "escrow for listing " + e.ListingId},
	}, wallet.MovementTransfer); err != nil {
		return err
	}

	if e.Fee.IsPositive() {
		if _, err := s.wallets.Post(ctx, tx, store.InsertTransactionParams{
			Reference:       wallet.NewReference(wallet.PrefixFee),
			UserId:          e.BuyerId,
			WalletId:        buyerWallet.Id,
			Type:            models.TransactionTypeFeeCharge,
			Direction:       models.DirectionDebit,
			Amount:          e.Fee,
			Fee:             decimal.Zero,
			NetAmount:       e.Fee,
			Currency:        e.Currency,
			Status:          models.TransactionStatusCompleted,
			Posted:          true,
			EscrowId:        e.Id,
			ParentReference: reference,
			Metadata:        models.Metadata{Provider: models.ProviderInternal, Description: "escrow fee"},
		}, wallet.MovementTransfer); err != nil {
			return err
		}
	}

	now := s.now()
	autoRelease := now.Add(s.autoReleaseAfter)
	e.Status = models.EscrowStatusFunded
	e.FundingReference = reference
	e.FundedAt = &now
	e.AutoReleaseAt = &autoRelease
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return err
	}
	return tx.SetListingStatus(ctx, e.ListingId, models.ListingStatusReserved)
}

// release credits the seller for a funded escrow locked by the caller.
func (s *Service) release(ctx context.Context, tx store.Tx, e *models.Escrow, reason string, rating int, review string) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("escrow %s is %s: %w", e.Id, e.Status, store.ErrAlreadyFinalized)
	}
	if e.Status != models.EscrowStatusFunded {
		return fmt.Errorf("escrow %s is %s, expected funded: %w", e.Id, e.Status, store.ErrInvalidState)
	}

	sellerWallet, err := s.wallets.EnsureWallet(ctx, tx, e.SellerId, e.Currency)
	if err != nil {
		return err
	}
	if _, err := s.wallets.Post(ctx, tx, store.InsertTransactionParams{
		Reference:       wallet.NewReference(wallet.PrefixRelease),
		UserId:          e.SellerId,
		WalletId:        sellerWallet.Id,
		Type:            models.TransactionTypeEscrowRelease,
		Direction:       models.DirectionCredit,
		Amount:          e.Amount,
		Fee:             decimal.Zero,
		NetAmount:       e.Amount,
		Currency:        e.Currency,
		Status:          models.TransactionStatusCompleted,
		Posted:          true,
		EscrowId:        e.Id,
		ParentReference: e.FundingReference,
		Metadata:        models.Metadata{Provider: models.ProviderInternal, Description: reason},
	}, wallet.MovementTransfer); err != nil {
		return err
	}

	now := s.now()
	e.Status = models.EscrowStatusReleased
	e.ResolvedAt = &now
	e.ResolutionReason = reason
	e.Rating = rating
	e.Review = review
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return err
	}
	return tx.SetListingStatus(ctx, e.ListingId, models.ListingStatusSold)
}

func (s *Service) funded(ctx context.Context, e *models.Escrow) {
	s.metrics.EscrowTransition(string(e.Status))
	s.notifier.Dispatch(ctx, notify.Notification{
		UserId:    e.BuyerId,
		Kind:      notify.KindEscrowFunded,
		Reference: e.Id,
		Amount:    e.Total(),
		Currency:  e.Currency,
	})
	zap.L().Info("Escrow funded",
		zap.String("escrow_id", e.Id),
		zap.String("buyer_id", e.BuyerId),
		zap.String("funding_reference", e.FundingReference),
		zap.String("total", e.Total().String()))
}

func (s *Service) released(ctx context.Context, e *models.Escrow) {
	s.metrics.EscrowTransition(string(e.Status))
	s.notifier.Dispatch(ctx, notify.Notification{
		UserId:    e.SellerId,
		Kind:      notify.KindEscrowReleased,
		Reference: e.Id,
		Amount:    e.Amount,
		Currency:  e.Currency,
		Message:   e.ResolutionReason,
	})
	zap.L().Info("Escrow released",
		zap.String("escrow_id", e.Id),
		zap.String("seller_id", e.SellerId),
		zap.String("amount", e.Amount.String()),
		zap.String("reason", e.ResolutionReason))
}
