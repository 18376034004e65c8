package store

import (
	"fmt"
	"time"

	"marketplace-ledger-go/internal/models"
)

// ApplyStatusUpdate validates update against the current row and applies it
// in memory. Backends call it under the row lock and then persist the result.
//
// Terminal rows only accept a same-status update (used to record late gateway
// state) or, with Correction set, the completed -> failed repair.
func ApplyStatusUpdate(txn *models.Transaction, update StatusUpdate, now time.Time) error {
	if update.Status == "" {
		update.Status = txn.Status
	}

	if txn.Status.IsTerminal() && update.Status != txn.Status {
		correction := update.Correction &&
			txn.Status == models.TransactionStatusCompleted &&
			update.Status == models.TransactionStatusFailed
		if !correction {
			return fmt.Errorf("transaction %s is %s: %w", txn.Reference, txn.Status, ErrAlreadyFinalized)
		}
	}

	if update.MetadataPatch != nil {
		if err := txn.Metadata.Merge(update.MetadataPatch); err != nil {
			return fmt.Errorf("failed to merge metadata for %s: %w", txn.Reference, err)
		}
	}

	if update.Status == models.TransactionStatusCompleted && txn.Status != models.TransactionStatusCompleted {
		at := now
		txn.CompletedAt = &at
	}
	txn.Status = update.Status
	if update.Posted != nil {
		txn.Posted = *update.Posted
	}
	if update.GatewayOutcome != nil {
		txn.GatewayOutcome = *update.GatewayOutcome
	}
	txn.UpdatedAt = now
	return nil
}
