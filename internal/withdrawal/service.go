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

package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/notify"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	reasonGatewayUnavailable = "gateway_unavailable"
	reasonRejectedByAdmin    = "rejected_by_admin"
)

// Service routes withdrawals to an instant gateway transfer or to manual
// review. The wallet is debited once, before the gateway is called; every
// later failure is undone by crediting back under the same row lock.
type Service struct {
	store          store.LedgerStore
	wallets        *wallet.Service
	gateways       *gateway.Registry
	currencies     models.Currencies
	notifier       *notify.Dispatcher
	metrics        *metrics.Metrics
	gatewayTimeout time.Duration
	requireKYC     bool
	now            func() time.Time
}

type Config struct {
	GatewayTimeout time.Duration
	RequireKYC     bool
}

func NewService(
	s store.LedgerStore,
	wallets *wallet.Service,
	gateways *gateway.Registry,
	currencies models.Currencies,
	notifier *notify.Dispatcher,
	m *metrics.Metrics,
	cfg Config,
) *Service {
	return &Service{
		store:          s,
		wallets:        wallets,
		gateways:       gateways,
		currencies:     currencies,
		notifier:       notifier,
		metrics:        m,
		gatewayTimeout: cfg.GatewayTimeout,
		requireKYC:     cfg.RequireKYC,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Withdraw decides the path, holds the funds and, on the instant path,
// starts the gateway transfer.
func (s *Service) Withdraw(ctx context.Context, req Request) (*models.WithdrawalResult, error) {
	d, err := s.Decide(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.Path == models.WithdrawalPathRejected {
		s.metrics.Withdrawal(string(models.WithdrawalPathRejected))
		zap.L().Info("Withdrawal rejected",
			zap.String("user_id", req.UserId),
			zap.String("amount", req.Amount.String()),
			zap.String("currency", req.Currency),
			zap.String("cause", d.Cause))
		return nil, fmt.Errorf("withdrawal rejected (%s): %w", d.Cause, d.Err)
	}

	status := models.TransactionStatusProcessing
	metadata := models.Metadata{
		Provider:    d.Provider.Name(),
		Destination: &req.Destination,
		Narration:   req.Narration,
	}
	if d.Path == models.WithdrawalPathManual {
		status = models.TransactionStatusPending
		metadata.Manual = &models.ManualReview{RequiresApproval: true, Reason: d.Cause}
	}

	reference := wallet.NewReference(wallet.PrefixWithdrawal)
	var txn *models.Transaction
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, req.UserId, d.Currency.Code)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no %s wallet for %s: %w", d.Currency.Code, req.UserId, store.ErrInsufficientBalance)
		}
		if err != nil {
			return err
		}

		if _, err := s.wallets.Debit(ctx, tx, w.Id, req.Amount, wallet.MovementWithdrawal); err != nil {
			return err
		}

		txn, err = tx.InsertTransaction(ctx, store.InsertTransactionParams{
			Reference: reference,
			UserId:    req.UserId,
			WalletId:  w.Id,
			Type:      models.TransactionTypeWithdrawal,
			Direction: models.DirectionDebit,
			Amount:    req.Amount,
			Fee:       d.Fee,
			NetAmount: d.Net,
			Currency:  d.Currency.Code,
			Status:    status,
			Posted:    true,
			Metadata:  metadata,
		})
		if err != nil {
			return err
		}

		if d.Fee.IsPositive() {
			_, err = tx.InsertTransaction(ctx, store.InsertTransactionParams{
				Reference:       wallet.NewReference(wallet.PrefixFee),
				UserId:          req.UserId,
				WalletId:        w.Id,
				Type:            models.TransactionTypeFeeCharge,
				Direction:       models.DirectionDebit,
				Amount:          d.Fee,
				Fee:             decimal.Zero,
				NetAmount:       d.Fee,
				Currency:        d.Currency.Code,
				Status:          status,
				Posted:          true,
				ParentReference: reference,
				Metadata:        models.Metadata{Provider: models.ProviderInternal, Description: "withdrawal fee"},
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Withdrawal(string(d.Path))
	zap.L().Info("Withdrawal recorded",
		zap.String("user_id", req.UserId),
		zap.String("reference", reference),
		zap.String("amount", req.Amount.String()),
		zap.String("fee", d.Fee.String()),
		zap.String("path", string(d.Path)))

	result := &models.WithdrawalResult{
		Reference:           reference,
		Status:              status,
		Path:                d.Path,
		Amount:              req.Amount,
		Fee:                 d.Fee,
		NetAmount:           d.Net,
		Currency:            d.Currency.Code,
		EstimatedCompletion: d.Estimate(),
	}

	var transferErr error
	if d.Path == models.WithdrawalPathInstant {
		// The debit is committed; a client disconnect must not abandon the transfer.
		result.Status, transferErr = s.transfer(context.WithoutCancel(ctx), txn, d.Provider)
		if result.Status == models.TransactionStatusPending {
			result.Path = models.WithdrawalPathManual
			result.EstimatedCompletion = estimateManual
		}
	}

	s.notifyResult(ctx, txn, result.Status)
	return result, transferErr
}

// transfer asks the gateway to pay out txn and records what it said. It
// returns the withdrawal's status afterwards.
func (s *Service) transfer(ctx context.Context, txn *models.Transaction, provider gateway.Provider) (models.TransactionStatus, error) {
	gatewayCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()

	destination := models.BankDestination{}
	if txn.Metadata.Destination != nil {
		destination = *txn.Metadata.Destination
	}

	start := time.Now()
	transfer, err := provider.InitiateTransfer(gatewayCtx, gateway.TransferRequest{
		Reference:   txn.Reference,
		Amount:      txn.NetAmount,
		Currency:    txn.Currency,
		Destination: destination,
		Narration:   txn.Metadata.Narration,
	})
	s.metrics.ObserveGatewayCall(string(provider.Name()), "initiate_transfer", start)

	switch {
	case err == nil && transfer.Outcome == models.GatewayOutcomeFailed:
		return s.failTransfer(ctx, txn, transfer.Status, &transfer.Metadata)

	case err == nil:
		return s.recordTransfer(ctx, txn, transfer)

	case errors.Is(err, gateway.ErrUnavailable):
		zap.L().Warn("Gateway cannot pay out now, moving withdrawal to manual review",
			zap.String("reference", txn.Reference),
			zap.String("provider", string(provider.Name())),
			zap.Error(err))
		return s.toManual(ctx, txn.Reference, reasonGatewayUnavailable)

	case errors.Is(err, gateway.ErrRejected):
		status, ferr := s.failTransfer(ctx, txn, err.Error(), nil)
		if ferr != nil {
			return status, ferr
		}
		return status, fmt.Errorf("withdrawal %s rejected by %s: %w", txn.Reference, provider.Name(), store.ErrInvalidDestination)
	}

	// Timeout or transport failure: the gateway may or may not have the
	// transfer. The listener asks again later.
	zap.L().Warn("Transfer outcome unknown, leaving withdrawal processing",
		zap.String("reference", txn.Reference),
		zap.String("provider", string(provider.Name())),
		zap.Error(err))
	return models.TransactionStatusProcessing, nil
}

func (s *Service) recordTransfer(ctx context.Context, txn *models.Transaction, transfer *gateway.Transfer) (models.TransactionStatus, error) {
	status := models.TransactionStatusProcessing
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTransactionByReferenceForUpdate(ctx, txn.Reference)
		if err != nil {
			return err
		}
		status = current.Status
		patch := transfer.Metadata

		// A webhook may have settled the row while the call was in flight.
		if current.Status.IsTerminal() {
			_, err = tx.UpdateTransactionStatus(ctx, current.Id, store.StatusUpdate{MetadataPatch: &patch})
			return err
		}

		if transfer.Outcome == models.GatewayOutcomeSucceeded {
			updated, _, err := s.wallets.FinalizeWithdrawal(ctx, tx, current, wallet.Finalization{
				Status:  models.TransactionStatusCompleted,
				Outcome: transfer.Outcome,
				Patch:   &patch,
			})
			if err != nil {
				return err
			}
			status = updated.Status
			return nil
		}

		_, err = tx.UpdateTransactionStatus(ctx, current.Id, store.StatusUpdate{
			GatewayOutcome: store.Outcome(models.GatewayOutcomePending),
			MetadataPatch:  &patch,
		})
		return err
	})
	if err != nil {
		zap.L().Error("Failed to record transfer acknowledgement",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return models.TransactionStatusProcessing, nil
	}
	return status, nil
}

// failTransfer credits the hold back and fails both rows.
func (s *Service) failTransfer(ctx context.Context, txn *models.Transaction, reason string, gatewayPatch *models.Metadata) (models.TransactionStatus, error) {
	patch := models.Metadata{FailureReason: reason}
	if gatewayPatch != nil {
		patch = *gatewayPatch
		patch.FailureReason = reason
	}

	status := models.TransactionStatusFailed
	var refunded decimal.Decimal
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTransactionByReferenceForUpdate(ctx, txn.Reference)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			status = current.Status
			return nil
		}
		_, refunded, err = s.wallets.FinalizeWithdrawal(ctx, tx, current, wallet.Finalization{
			Status:  models.TransactionStatusFailed,
			Outcome: models.GatewayOutcomeFailed,
			Patch:   &patch,
		})
		return err
	})
	if err != nil {
		zap.L().Error("Failed to reverse rejected withdrawal",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return models.TransactionStatusProcessing, fmt.Errorf("failed to reverse withdrawal %s: %w", txn.Reference, err)
	}

	if refunded.IsPositive() {
		s.metrics.WithdrawalReversed("gateway_rejected")
	}
	return status, nil
}

// toManual parks an in-flight withdrawal for admin review. The hold stays.
func (s *Service) toManual(ctx context.Context, reference, reason string) (models.TransactionStatus, error) {
	status := models.TransactionStatusPending
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTransactionByReferenceForUpdate(ctx, reference)
		if err != nil {
			return err
		}
		if current.Status != models.TransactionStatusProcessing {
			status = current.Status
			return nil
		}

		review := models.ManualReview{RequiresApproval: true, Reason: reason}
		if current.Metadata.Manual != nil {
			review.ApprovedBy = current.Metadata.Manual.ApprovedBy
		}
		if _, err := tx.UpdateTransactionStatus(ctx, current.Id, store.StatusUpdate{
			Status:        models.TransactionStatusPending,
			MetadataPatch: &models.Metadata{Manual: &review},
		}); err != nil {
			return err
		}
		return setFeeStatus(ctx, tx, reference, models.TransactionStatusPending)
	})
	if err != nil {
		zap.L().Error("Failed to move withdrawal to manual review",
			zap.String("reference", reference),
			zap.Error(err))
		return models.TransactionStatusProcessing, nil
	}
	return status, nil
}

func setFeeStatus(ctx context.Context, tx store.Tx, parentReference string, status models.TransactionStatus) error {
	fees, err := tx.ListTransactionsByParent(ctx, parentReference)
	if err != nil {
		return err
	}
	for _, fee := range fees {
		if _, err := tx.UpdateTransactionStatus(ctx, fee.Id, store.StatusUpdate{Status: status}); err != nil {
			return fmt.Errorf("failed to update fee row %s: %w", fee.Reference, err)
		}
	}
	return nil
}

func (s *Service) notifyResult(ctx context.Context, txn *models.Transaction, status models.TransactionStatus) {
	n := notify.Notification{
		UserId:    txn.UserId,
		Reference: txn.Reference,
		Amount:    txn.NetAmount,
		Currency:  txn.Currency,
	}
	switch status {
	case models.TransactionStatusPending:
		n.Kind = notify.KindWithdrawalPendingReview
	case models.TransactionStatusCompleted:
		n.Kind = notify.KindWithdrawalCompleted
	case models.TransactionStatusFailed, models.TransactionStatusCancelled:
		n.Kind = notify.KindWithdrawalFailed
		n.Amount = txn.Amount
	default:
		n.Kind = notify.KindWithdrawalInitiated
	}
	s.notifier.Dispatch(ctx, n)
}
