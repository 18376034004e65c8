// Package reconciler repairs withdrawals that the gateway reports as failed
// after the ledger treated them as in flight or done.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/notify"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ReasonGatewayFailure = "gateway_reported_failure"

	defaultBatchSize = 100
)

// Report summarizes one reconciliation pass
type Report struct {
	Scanned      int             `json:"scanned"`
	Reconciled   int             `json:"reconciled"`
	Skipped      int             `json:"skipped"`
	Errors       int             `json:"errors"`
	CreditedBack decimal.Decimal `json:"credited_back"`
}

// Result is the outcome of reconciling one withdrawal
type Result struct {
	Transaction  *models.Transaction `json:"transaction"`
	Reconciled   bool                `json:"reconciled"`
	CreditedBack decimal.Decimal     `json:"credited_back"`
}

type Service struct {
	store     store.LedgerStore
	wallets   *wallet.Service
	notifier  *notify.Dispatcher
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
}

func NewService(s store.LedgerStore, wallets *wallet.Service, notifier *notify.Dispatcher, m *metrics.Metrics, batchSize int) *Service {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Service{
		store:     s,
		wallets:   wallets,
		notifier:  notifier,
		metrics:   m,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run credits back every withdrawal whose gateway outcome is failed but whose
// status is not. Running it again finds nothing to do.
func (s *Service) Run(ctx context.Context) (Report, error) {
	report := Report{CreditedBack: decimal.Zero}

	candidates, err := s.store.ListReconcilableWithdrawals(ctx, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list reconcilable withdrawals: %w", err)
	}
	report.Scanned = len(candidates)

	for _, candidate := range candidates {
		result, err := s.reconcile(ctx, candidate.Reference, false)
		if err != nil {
			report.Errors++
			zap.L().Error("Failed to reconcile withdrawal",
				zap.String("reference", candidate.Reference),
				zap.Error(err))
			continue
		}
		if !result.Reconciled {
			report.Skipped++
			continue
		}
		report.Reconciled++
		report.CreditedBack = report.CreditedBack.Add(result.CreditedBack)
	}

	s.metrics.Reconciled(report.Reconciled)
	if report.Scanned > 0 {
		zap.L().Info("Reconciliation pass complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("reconciled", report.Reconciled),
			zap.Int("skipped", report.Skipped),
			zap.Int("errors", report.Errors),
			zap.String("credited_back", report.CreditedBack.String()))
	}
	return report, nil
}

// ReconcileReference reconciles one withdrawal. It fails with
// ErrInvalidState unless the gateway has reported the transfer failed.
func (s *Service) ReconcileReference(ctx context.Context, reference string) (*Result, error) {
	return s.reconcile(ctx, reference, true)
}

func (s *Service) reconcile(ctx context.Context, reference string, strict bool) (*Result, error) {
	result := &Result{CreditedBack: decimal.Zero}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransactionByReferenceForUpdate(ctx, reference)
		if err != nil {
			return err
		}
		result.Transaction = txn

		if txn.Type != models.TransactionTypeWithdrawal {
			return fmt.Errorf("%s is a %s, not a withdrawal: %w", reference, txn.Type, store.ErrNotFound)
		}
		if txn.Status == models.TransactionStatusFailed || txn.Status == models.TransactionStatusCancelled {
			return nil
		}
		if txn.GatewayOutcome != models.GatewayOutcomeFailed {
			if strict {
				return fmt.Errorf("gateway has not reported %s as failed: %w", reference, store.ErrInvalidState)
			}
			return nil
		}

		patch := models.Metadata{
			Reconciliation: &models.Reconciliation{
				ReconciledAt:  s.now(),
				Reason:        ReasonGatewayFailure,
				GatewayStatus: txn.Metadata.GatewayStatus(),
			},
			FailureReason: ReasonGatewayFailure,
		}
		updated, refund, err := s.wallets.FinalizeWithdrawal(ctx, tx, txn, wallet.Finalization{
			Status:     models.TransactionStatusFailed,
			Patch:      &patch,
			Correction: txn.Status == models.TransactionStatusCompleted,
		})
		if err != nil {
			return err
		}
		result.Transaction = updated
		result.Reconciled = true
		result.CreditedBack = refund
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Reconciled {
		txn := result.Transaction
		s.metrics.WithdrawalReversed("reconciled")
		s.notifier.Dispatch(ctx, notify.Notification{
			UserId:    txn.UserId,
			Kind:      notify.KindWithdrawalFailed,
			Reference: txn.Reference,
			Amount:    result.CreditedBack,
			Currency:  txn.Currency,
			Message:   ReasonGatewayFailure,
		})
		zap.L().Warn("Withdrawal reconciled against gateway failure",
			zap.String("reference", txn.Reference),
			zap.String("user_id", txn.UserId),
			zap.String("credited_back", result.CreditedBack.String()))
	}
	return result, nil
}
