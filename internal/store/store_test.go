package store

import (
	"errors"
	"fmt"
	"testing"

	"marketplace-ledger-go/internal/models"
)

// Compile-time checks that the interfaces are importable and usable.
func TestLedgerStoreInterfaceExists(t *testing.T) {
	_ = InsertTransactionParams{}
	_ = StatusUpdate{}
	_ = TransactionFilter{}

	var _ LedgerStore
	var _ Tx
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	sentinels := []error{
		ErrInvalidAmount,
		ErrInsufficientBalance,
		ErrInvalidSignature,
		ErrDuplicateReference,
		ErrGatewayUnavailable,
		ErrAlreadyFinalized,
		ErrNotFound,
	}

	for _, sentinel := range sentinels {
		wrapped := fmt.Errorf("debit wallet w-1: %w", sentinel)
		if !errors.Is(wrapped, sentinel) {
			t.Errorf("Expected wrapped error to match %v", sentinel)
		}
		for _, other := range sentinels {
			if other != sentinel && errors.Is(wrapped, other) {
				t.Errorf("Expected %v not to match %v", sentinel, other)
			}
		}
	}
}

func TestPointerHelpers(t *testing.T) {
	if p := Bool(true); p == nil || !*p {
		t.Errorf("Expected pointer to true")
	}
	if p := Outcome(models.GatewayOutcomeFailed); p == nil || *p != models.GatewayOutcomeFailed {
		t.Errorf("Expected pointer to failed outcome")
	}
}
