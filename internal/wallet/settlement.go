package wallet

import (
	"context"
	"fmt"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Finalization describes the terminal state a withdrawal is moved to
type Finalization struct {
	Status models.TransactionStatus
	// Outcome is recorded when set
	Outcome models.GatewayOutcome
	// Patch is merged into the withdrawal row only; fee rows keep internal metadata
	Patch *models.Metadata
	// Correction allows completed -> failed
	Correction bool
}

// FinalizeWithdrawal moves a withdrawal and its fee rows to f.Status inside
// tx. A failed or cancelled status credits back every posted row and unposts
// it, so the hold disappears in the same unit of work. It returns the updated
// withdrawal row and the amount credited back.
func (s *Service) FinalizeWithdrawal(ctx context.Context, tx store.Tx, txn *models.Transaction, f Finalization) (*models.Transaction, decimal.Decimal, error) {
	if txn.Type != models.TransactionTypeWithdrawal {
		return nil, decimal.Zero, fmt.Errorf("transaction %s is a %s, not a withdrawal: %w", txn.Reference, txn.Type, store.ErrInvalidState)
	}

	fees, err := tx.ListTransactionsByParent(ctx, txn.Reference)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("failed to load fee rows for %s: %w", txn.Reference, err)
	}

	reversing := f.Status == models.TransactionStatusFailed || f.Status == models.TransactionStatusCancelled

	refund := decimal.Zero
	if reversing {
		if txn.Posted {
			refund = refund.Add(txn.NetAmount)
		}
		for _, fee := range fees {
			if fee.Posted {
				refund = refund.Add(fee.NetAmount)
			}
		}
		if refund.IsPositive() {
			if _, err := s.Credit(ctx, tx, txn.WalletId, refund, MovementWithdrawalReversal); err != nil {
				return nil, decimal.Zero, err
			}
		}
	}

	update := store.StatusUpdate{
		Status:        f.Status,
		MetadataPatch: f.Patch,
		Correction:    f.Correction,
	}
	if reversing {
		update.Posted = store.Bool(false)
	}
	if f.Outcome != models.GatewayOutcomeNone {
		update.GatewayOutcome = store.Outcome(f.Outcome)
	}

	updated, err := tx.UpdateTransactionStatus(ctx, txn.Id, update)
	if err != nil {
		return nil, decimal.Zero, err
	}

	for _, fee := range fees {
		feeUpdate := store.StatusUpdate{Status: f.Status, Correction: f.Correction}
		if reversing {
			feeUpdate.Posted = store.Bool(false)
		}
		if _, err := tx.UpdateTransactionStatus(ctx, fee.Id, feeUpdate); err != nil {
			return nil, decimal.Zero, fmt.Errorf("failed to update fee row %s: %w", fee.Reference, err)
		}
	}

	zap.L().Info("Withdrawal finalized",
		zap.String("reference", txn.Reference),
		zap.String("status", string(f.Status)),
		zap.String("credited_back", refund.String()),
		zap.Int("fee_rows", len(fees)))
	return updated, refund, nil
}
