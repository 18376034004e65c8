package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositRequest is a user's request to fund a wallet through a gateway
type DepositRequest struct {
	UserId      string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Provider    models.Provider
}

// InitiateDeposit records a pending deposit and asks the gateway for a
// checkout link. The wallet is credited later, when the gateway confirms.
func (s *Service) InitiateDeposit(ctx context.Context, req DepositRequest) (*models.DepositResult, error) {
	currency, ok := s.currencies.Lookup(req.Currency)
	if !ok {
		return nil, fmt.Errorf("unsupported currency %q: %w", req.Currency, store.ErrInvalidAmount)
	}
	if !req.Amount.IsPositive() || req.Amount.LessThan(currency.MinDeposit) {
		return nil, fmt.Errorf("deposit of %s %s below minimum %s: %w", req.Amount, currency.Code, currency.MinDeposit, store.ErrInvalidAmount)
	}
	if !req.Amount.Equal(req.Amount.Round(currency.Precision)) {
		return nil, fmt.Errorf("deposit of %s has more than %d decimal places: %w", req.Amount, currency.Precision, store.ErrInvalidAmount)
	}

	provider, err := s.gateways.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, store.ErrNotFound)
	}

	reference := wallet.NewReference(wallet.PrefixDeposit)
	var txn *models.Transaction
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := s.wallets.EnsureWallet(ctx, tx, req.UserId, currency.Code)
		if err != nil {
			return err
		}
		txn, err = tx.InsertTransaction(ctx, store.InsertTransactionParams{
			Reference: reference,
			UserId:    req.UserId,
			WalletId:  w.Id,
			Type:      models.TransactionTypeDeposit,
			Direction: models.DirectionCredit,
			Amount:    req.Amount,
			Fee:       decimal.Zero,
			NetAmount: req.Amount,
			Currency:  currency.Code,
			Status:    models.TransactionStatusPending,
			Metadata: models.Metadata{
				Provider:    provider.Name(),
				Description: req.Description,
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	result := &models.DepositResult{
		Reference: reference,
		Status:    models.TransactionStatusPending,
		Amount:    req.Amount,
		Currency:  currency.Code,
		Provider:  provider.Name(),
	}

	gatewayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gatewayTimeout)
	defer cancel()

	start := time.Now()
	checkout, err := provider.InitializeDeposit(gatewayCtx, gateway.DepositRequest{
		Reference:   reference,
		Email:       depositEmail(req),
		Amount:      req.Amount,
		Currency:    currency.Code,
		CallbackURL: s.callbackURL,
	})
	s.metrics.ObserveGatewayCall(string(provider.Name()), "initialize_deposit", start)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			s.failDeposit(ctx, txn, err.Error())
			result.Status = models.TransactionStatusFailed
			return result, fmt.Errorf("deposit %s rejected by %s: %w", reference, provider.Name(), store.ErrInvalidAmount)
		}
		zap.L().Warn("Deposit checkout unavailable, deposit left pending",
			zap.String("reference", reference),
			zap.String("provider", string(provider.Name())),
			zap.Error(err))
		return result, fmt.Errorf("deposit %s: %w", reference, store.ErrGatewayUnavailable)
	}

	patch := checkout.Metadata
	postCtx := context.WithoutCancel(ctx)
	err = s.store.WithinTx(postCtx, func(tx store.Tx) error {
		// Metadata only: the webhook may already have settled the row.
		_, err := tx.UpdateTransactionStatus(postCtx, txn.Id, store.StatusUpdate{MetadataPatch: &patch})
		return err
	})
	if err != nil {
		zap.L().Error("Failed to store checkout metadata",
			zap.String("reference", reference),
			zap.Error(err))
	}

	result.AuthorizationURL = checkout.AuthorizationURL
	zap.L().Info("Deposit initiated",
		zap.String("user_id", req.UserId),
		zap.String("reference", reference),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", currency.Code),
		zap.String("provider", string(provider.Name())))
	return result, nil
}

func (s *Service) failDeposit(ctx context.Context, txn *models.Transaction, reason string) {
	postCtx := context.WithoutCancel(ctx)
	err := s.store.WithinTx(postCtx, func(tx store.Tx) error {
		_, err := tx.UpdateTransactionStatus(postCtx, txn.Id, store.StatusUpdate{
			Status:         models.TransactionStatusFailed,
			GatewayOutcome: store.Outcome(models.GatewayOutcomeFailed),
			MetadataPatch:  &models.Metadata{FailureReason: reason},
		})
		return err
	})
	if err != nil {
		zap.L().Error("Failed to mark deposit failed",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return
	}
	s.metrics.Deposit(string(models.TransactionStatusFailed))
}

// depositEmail falls back to a synthetic address; gateways require one.
func depositEmail(req DepositRequest) string {
	if strings.Contains(req.Email, "@") {
		return req.Email
	}
	return req.UserId + "@users.marketplace.invalid"
}
