package withdrawal

import (
	"context"
	"fmt"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"go.uber.org/zap"
)

// Approve releases a withdrawal held for review and starts the transfer. If
// the gateway still cannot pay out, the withdrawal goes back to pending.
func (s *Service) Approve(ctx context.Context, reference string, actor models.Actor) (*models.WithdrawalResult, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("withdrawal approval requires an admin: %w", store.ErrForbidden)
	}

	var txn *models.Transaction
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := s.lockReviewable(ctx, tx, reference)
		if err != nil {
			return err
		}

		now := s.now()
		review := models.ManualReview{RequiresApproval: true, ApprovedBy: actor.UserId, DecidedAt: &now}
		if current.Metadata.Manual != nil {
			review.Reason = current.Metadata.Manual.Reason
		}
		txn, err = tx.UpdateTransactionStatus(ctx, current.Id, store.StatusUpdate{
			Status:        models.TransactionStatusProcessing,
			MetadataPatch: &models.Metadata{Manual: &review},
		})
		if err != nil {
			return err
		}
		return setFeeStatus(ctx, tx, reference, models.TransactionStatusProcessing)
	})
	if err != nil {
		return nil, err
	}

	provider, err := s.gateways.Get(txn.Metadata.Provider)
	if err != nil {
		// Approved but unroutable; park it again rather than leave it processing.
		zap.L().Error("Approved withdrawal has no configured gateway",
			zap.String("reference", reference),
			zap.String("provider", string(txn.Metadata.Provider)))
		status, _ := s.toManual(context.WithoutCancel(ctx), reference, "provider_not_configured")
		return s.result(txn, status, models.WithdrawalPathManual), fmt.Errorf("%v: %w", err, store.ErrGatewayUnavailable)
	}

	zap.L().Info("Withdrawal approved",
		zap.String("reference", reference),
		zap.String("admin_id", actor.UserId))

	status, transferErr := s.transfer(context.WithoutCancel(ctx), txn, provider)
	path := models.WithdrawalPathInstant
	if status == models.TransactionStatusPending {
		path = models.WithdrawalPathManual
	}
	s.notifyResult(ctx, txn, status)
	return s.result(txn, status, path), transferErr
}

// Reject cancels a withdrawal held for review and credits the hold back.
func (s *Service) Reject(ctx context.Context, reference string, actor models.Actor, note string) (*models.WithdrawalResult, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("withdrawal rejection requires an admin: %w", store.ErrForbidden)
	}

	var txn *models.Transaction
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := s.lockReviewable(ctx, tx, reference)
		if err != nil {
			return err
		}

		now := s.now()
		review := models.ManualReview{RequiresApproval: true, RejectedBy: actor.UserId, DecidedAt: &now, Note: note}
		if current.Metadata.Manual != nil {
			review.Reason = current.Metadata.Manual.Reason
		}
		txn, _, err = s.wallets.FinalizeWithdrawal(ctx, tx, current, wallet.Finalization{
			Status: models.TransactionStatusCancelled,
			Patch:  &models.Metadata{Manual: &review, FailureReason: reasonRejectedByAdmin},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.WithdrawalReversed("admin_rejected")
	s.notifyResult(ctx, txn, txn.Status)
	zap.L().Info("Withdrawal rejected by admin",
		zap.String("reference", reference),
		zap.String("admin_id", actor.UserId),
		zap.String("note", note))
	return s.result(txn, txn.Status, models.WithdrawalPathManual), nil
}

func (s *Service) lockReviewable(ctx context.Context, tx store.Tx, reference string) (*models.Transaction, error) {
	current, err := tx.GetTransactionByReferenceForUpdate(ctx, reference)
	if err != nil {
		return nil, err
	}
	if current.Type != models.TransactionTypeWithdrawal {
		return nil, fmt.Errorf("%s is not a withdrawal: %w", reference, store.ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("withdrawal %s is %s: %w", reference, current.Status, store.ErrAlreadyFinalized)
	}
	if current.Status != models.TransactionStatusPending {
		return nil, fmt.Errorf("withdrawal %s is %s, expected pending: %w", reference, current.Status, store.ErrInvalidState)
	}
	return current, nil
}

func (s *Service) result(txn *models.Transaction, status models.TransactionStatus, path models.WithdrawalPath) *models.WithdrawalResult {
	estimate := estimateManual
	if path == models.WithdrawalPathInstant {
		estimate = estimateInstant
	}
	return &models.WithdrawalResult{
		Reference:           txn.Reference,
		Status:              status,
		Path:                path,
		Amount:              txn.Amount,
		Fee:                 txn.Fee,
		NetAmount:           txn.NetAmount,
		Currency:            txn.Currency,
		EstimatedCompletion: estimate,
	}
}
