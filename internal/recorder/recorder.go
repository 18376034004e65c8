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

package recorder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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

// Outcome reports what an inbound gateway event did to the ledger
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

const reasonAmountMismatch = "amount_mismatch"

// Service finalizes deposits and withdrawals from gateway events. Every event
// is applied under the transaction's row lock, so replays and concurrent
// deliveries of the same reference settle exactly once.
type Service struct {
	store          store.LedgerStore
	wallets        *wallet.Service
	gateways       *gateway.Registry
	currencies     models.Currencies
	notifier       *notify.Dispatcher
	metrics        *metrics.Metrics
	callbackURL    string
	gatewayTimeout time.Duration
}

type Config struct {
	CallbackURL    string
	GatewayTimeout time.Duration
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
		callbackURL:    cfg.CallbackURL,
		gatewayTimeout: cfg.GatewayTimeout,
	}
}

// HandleWebhook verifies, parses and applies one gateway callback.
func (s *Service) HandleWebhook(ctx context.Context, provider models.Provider, body []byte, headers http.Header) (Outcome, error) {
	p, err := s.gateways.Get(provider)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("%v: %w", err, store.ErrNotFound)
	}

	if err := p.VerifySignature(body, headers); err != nil {
		zap.L().Warn("Webhook signature verification failed",
			zap.String("provider", string(provider)),
			zap.Int("body_length", len(body)))
		s.metrics.Webhook(string(provider), "invalid_signature")
		return OutcomeIgnored, fmt.Errorf("%s webhook: %w", provider, store.ErrInvalidSignature)
	}

	event, err := p.ParseEvent(body)
	if err != nil {
		if errors.Is(err, gateway.ErrUnsupportedEvent) {
			zap.L().Debug("Ignoring unsupported webhook event",
				zap.String("provider", string(provider)),
				zap.Error(err))
		} else {
			zap.L().Warn("Ignoring malformed webhook",
				zap.String("provider", string(provider)),
				zap.Int("body_length", len(body)),
				zap.Error(err))
		}
		s.metrics.Webhook(string(provider), string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	outcome, err := s.ApplyEvent(ctx, p.Name(), event)
	if err != nil {
		s.metrics.Webhook(string(provider), "error")
		return outcome, err
	}
	s.metrics.Webhook(string(provider), string(outcome))
	return outcome, nil
}

// ApplyEvent settles the transaction named by event. It is shared by the
// webhook path and the settlement listener's status polling.
func (s *Service) ApplyEvent(ctx context.Context, provider models.Provider, event *gateway.Event) (Outcome, error) {
	outcome := OutcomeIgnored
	var notification *notify.Notification

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		outcome, notification = OutcomeIgnored, nil

		txn, err := tx.GetTransactionByReferenceForUpdate(ctx, event.Reference)
		if errors.Is(err, store.ErrNotFound) {
			zap.L().Warn("Gateway event for unknown reference",
				zap.String("provider", string(provider)),
				zap.String("reference", event.Reference),
				zap.String("status", event.Status))
			return nil
		}
		if err != nil {
			return err
		}

		if txn.Metadata.Provider != provider {
			zap.L().Warn("Gateway event from a provider that does not own the transaction",
				zap.String("provider", string(provider)),
				zap.String("owner", string(txn.Metadata.Provider)),
				zap.String("reference", event.Reference))
			return nil
		}

		if !kindMatches(event.Kind, txn.Type) {
			zap.L().Warn("Gateway event kind does not match the transaction",
				zap.String("provider", string(provider)),
				zap.String("reference", txn.Reference),
				zap.String("kind", string(event.Kind)),
				zap.String("type", string(txn.Type)))
			return nil
		}

		if txn.Status.IsTerminal() {
			outcome = OutcomeDuplicate
			return s.recordLateStatus(ctx, tx, txn, event)
		}

		switch txn.Type {
		case models.TransactionTypeDeposit:
			notification, err = s.applyDeposit(ctx, tx, txn, event)
		case models.TransactionTypeWithdrawal:
			if txn.Status != models.TransactionStatusProcessing {
				return s.recordUnapproved(ctx, tx, txn, event)
			}
			notification, err = s.applyWithdrawal(ctx, tx, txn, event)
		}
		if err != nil {
			return err
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to apply %s event for %s: %w", provider, event.Reference, err)
	}

	if notification != nil {
		s.notifier.Dispatch(ctx, *notification)
	}

	zap.L().Info("Gateway event processed",
		zap.String("provider", string(provider)),
		zap.String("reference", event.Reference),
		zap.String("gateway_outcome", string(event.Outcome)),
		zap.String("result", string(outcome)))
	return outcome, nil
}

// kindMatches reports whether an event of kind may settle a row of type.
// Collections settle deposits and payouts settle withdrawals; nothing else.
func kindMatches(kind gateway.EventKind, typ models.TransactionType) bool {
	switch typ {
	case models.TransactionTypeDeposit:
		return kind == gateway.EventKindCharge
	case models.TransactionTypeWithdrawal:
		return kind == gateway.EventKindTransfer
	default:
		return false
	}
}

// recordUnapproved keeps the raw gateway event on a withdrawal that has not
// been released for payout. Neither status, outcome nor balance change; an
// admin decides what happens next.
func (s *Service) recordUnapproved(ctx context.Context, tx store.Tx, txn *models.Transaction, event *gateway.Event) error {
	zap.L().Warn("Gateway event for a withdrawal awaiting approval",
		zap.String("reference", txn.Reference),
		zap.String("status", string(txn.Status)),
		zap.String("event_outcome", string(event.Outcome)))

	patch := event.Metadata
	_, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{MetadataPatch: &patch})
	return err
}

// recordLateStatus keeps the gateway's word on a finalized row without
// touching the balance. A failure reported after completion is left for the
// reconciler to correct.
func (s *Service) recordLateStatus(ctx context.Context, tx store.Tx, txn *models.Transaction, event *gateway.Event) error {
	if event.Outcome != models.GatewayOutcomeSucceeded && event.Outcome != models.GatewayOutcomeFailed {
		return nil
	}
	if event.Outcome == txn.GatewayOutcome {
		zap.L().Info("Duplicate gateway event ignored",
			zap.String("reference", txn.Reference),
			zap.String("status", string(txn.Status)))
		return nil
	}

	zap.L().Warn("Late gateway status recorded on finalized transaction",
		zap.String("reference", txn.Reference),
		zap.String("status", string(txn.Status)),
		zap.String("stored_outcome", string(txn.GatewayOutcome)),
		zap.String("event_outcome", string(event.Outcome)))

	patch := event.Metadata
	_, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
		GatewayOutcome: store.Outcome(event.Outcome),
		MetadataPatch:  &patch,
	})
	return err
}

func (s *Service) applyDeposit(ctx context.Context, tx store.Tx, txn *models.Transaction, event *gateway.Event) (*notify.Notification, error) {
	patch := event.Metadata

	switch event.Outcome {
	case models.GatewayOutcomeSucceeded:
		if !event.Amount.Equal(txn.Amount) || (event.Currency != "" && event.Currency != txn.Currency) {
			zap.L().Error("Deposit amount mismatch",
				zap.String("reference", txn.Reference),
				zap.String("expected", txn.Amount.String()+" "+txn.Currency),
				zap.String("received", event.Amount.String()+" "+event.Currency))
			patch.FailureReason = reasonAmountMismatch
			if _, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
				Status:         models.TransactionStatusFailed,
				GatewayOutcome: store.Outcome(event.Outcome),
				MetadataPatch:  &patch,
			}); err != nil {
				return nil, err
			}
			s.metrics.Deposit(string(models.TransactionStatusFailed))
			return depositNotification(txn, notify.KindDepositFailed, reasonAmountMismatch), nil
		}

		if _, err := s.wallets.Credit(ctx, tx, txn.WalletId, txn.NetAmount, wallet.MovementDeposit); err != nil {
			return nil, err
		}
		if _, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
			Status:         models.TransactionStatusCompleted,
			Posted:         store.Bool(true),
			GatewayOutcome: store.Outcome(event.Outcome),
			MetadataPatch:  &patch,
		}); err != nil {
			return nil, err
		}
		s.metrics.Deposit(string(models.TransactionStatusCompleted))
		return depositNotification(txn, notify.KindDepositCompleted, ""), nil

	case models.GatewayOutcomeFailed:
		if _, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
			Status:         models.TransactionStatusFailed,
			GatewayOutcome: store.Outcome(event.Outcome),
			MetadataPatch:  &patch,
		}); err != nil {
			return nil, err
		}
		s.metrics.Deposit(string(models.TransactionStatusFailed))
		return depositNotification(txn, notify.KindDepositFailed, event.Status), nil
	}

	_, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
		GatewayOutcome: store.Outcome(models.GatewayOutcomePending),
		MetadataPatch:  &patch,
	})
	return nil, err
}

func (s *Service) applyWithdrawal(ctx context.Context, tx store.Tx, txn *models.Transaction, event *gateway.Event) (*notify.Notification, error) {
	patch := event.Metadata

	switch event.Outcome {
	case models.GatewayOutcomeSucceeded:
		if _, _, err := s.wallets.FinalizeWithdrawal(ctx, tx, txn, wallet.Finalization{
			Status:  models.TransactionStatusCompleted,
			Outcome: event.Outcome,
			Patch:   &patch,
		}); err != nil {
			return nil, err
		}
		return withdrawalNotification(txn, notify.KindWithdrawalCompleted, txn.NetAmount, ""), nil

	case models.GatewayOutcomeFailed:
		patch.FailureReason = event.Status
		_, refunded, err := s.wallets.FinalizeWithdrawal(ctx, tx, txn, wallet.Finalization{
			Status:  models.TransactionStatusFailed,
			Outcome: event.Outcome,
			Patch:   &patch,
		})
		if err != nil {
			return nil, err
		}
		s.metrics.WithdrawalReversed("gateway_failed")
		return withdrawalNotification(txn, notify.KindWithdrawalFailed, refunded, event.Status), nil
	}

	_, err := tx.UpdateTransactionStatus(ctx, txn.Id, store.StatusUpdate{
		GatewayOutcome: store.Outcome(models.GatewayOutcomePending),
		MetadataPatch:  &patch,
	})
	return nil, err
}

func depositNotification(txn *models.Transaction, kind notify.Kind, message string) *notify.Notification {
	return &notify.Notification{
		UserId:    txn.UserId,
		Kind:      kind,
		Reference: txn.Reference,
		Amount:    txn.NetAmount,
		Currency:  txn.Currency,
		Message:   message,
	}
}

func withdrawalNotification(txn *models.Transaction, kind notify.Kind, amount decimal.Decimal, message string) *notify.Notification {
	return &notify.Notification{
		UserId:    txn.UserId,
		Kind:      kind,
		Reference: txn.Reference,
		Amount:    amount,
		Currency:  txn.Currency,
		Message:   message,
	}
}
