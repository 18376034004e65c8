package withdrawal

import (
	"context"
	"errors"
	"fmt"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	estimateInstant = "within 30 minutes"
	estimateManual  = "24-48 hours"
)

// Request is a user's ask to pay out part of a wallet to a bank account
type Request struct {
	UserId      string
	Amount      decimal.Decimal
	Currency    string
	Destination models.BankDestination
	Narration   string
	Provider    models.Provider
}

// Decision is the payout path chosen for a request before anything is
// mutated. A Rejected decision carries the sentinel to return.
type Decision struct {
	Path     models.WithdrawalPath
	Cause    string
	Err      error
	Fee      decimal.Decimal
	Net      decimal.Decimal
	Currency models.Currency
	Provider gateway.Provider
}

func rejected(cause string, err error) *Decision {
	return &Decision{Path: models.WithdrawalPathRejected, Cause: cause, Err: err}
}

// Estimate is the completion window shown to the user for the path
func (d *Decision) Estimate() string {
	if d.Path == models.WithdrawalPathInstant {
		return estimateInstant
	}
	return estimateManual
}

// Decide validates req and picks instant or manual payout. It only reads.
func (s *Service) Decide(ctx context.Context, req Request) (*Decision, error) {
	currency, ok := s.currencies.Lookup(req.Currency)
	if !ok {
		return rejected("unsupported_currency", store.ErrInvalidAmount), nil
	}
	if !req.Amount.GreaterThan(currency.MinWithdrawal) {
		return rejected("below_minimum", store.ErrInvalidAmount), nil
	}
	if req.Amount.GreaterThan(currency.MaxWithdrawal) {
		return rejected("above_maximum", store.ErrInvalidAmount), nil
	}
	if !req.Amount.Equal(req.Amount.Round(currency.Precision)) {
		return rejected("too_precise", store.ErrInvalidAmount), nil
	}
	if !req.Destination.Complete() {
		return rejected("incomplete_destination", store.ErrInvalidDestination), nil
	}

	if s.requireKYC {
		profile, err := s.store.GetUserProfile(ctx, req.UserId)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return rejected("kyc_required", store.ErrKYCRequired), nil
		case err != nil:
			return nil, fmt.Errorf("failed to read profile for %s: %w", req.UserId, err)
		case !profile.KycVerified:
			return rejected("kyc_required", store.ErrKYCRequired), nil
		}
	}

	provider, err := s.gateways.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, store.ErrNotFound)
	}

	fee := currency.WithdrawalFee(req.Amount)
	d := &Decision{
		Path:     models.WithdrawalPathManual,
		Cause:    "above_instant_threshold",
		Fee:      fee,
		Net:      req.Amount.Sub(fee),
		Currency: currency,
		Provider: provider,
	}
	if !req.Amount.LessThan(currency.InstantThreshold) {
		return d, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	instant, err := provider.CanTransferInstantly(checkCtx, currency.Code, d.Net)
	switch {
	case err != nil:
		zap.L().Warn("Instant capacity check failed, routing to manual review",
			zap.String("provider", string(provider.Name())),
			zap.String("currency", currency.Code),
			zap.Error(err))
		d.Cause = "capacity_unknown"
	case !instant:
		d.Cause = "insufficient_gateway_balance"
	default:
		d.Path = models.WithdrawalPathInstant
		d.Cause = ""
	}
	return d, nil
}
