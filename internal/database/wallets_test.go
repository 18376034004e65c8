package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func TestGetWallet_NotFound(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	_, err := service.GetWallet(context.Background(), "user1", "NGN")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateWallet_Idempotent(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	var first, second *models.Wallet
	err := service.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		if first, err = tx.CreateWallet(ctx, "user1", "NGN"); err != nil {
			return err
		}
		second, err = tx.CreateWallet(ctx, "user1", "NGN")
		return err
	})
	if err != nil {
		t.Fatalf("CreateWallet failed: %v", err)
	}

	if first.Id != second.Id {
		t.Errorf("Expected the same wallet, got %s and %s", first.Id, second.Id)
	}
	if !first.Balance.IsZero() {
		t.Errorf("Expected zero balance, got %s", first.Balance)
	}

	wallets, err := service.ListWallets(ctx, "user1")
	if err != nil {
		t.Fatalf("ListWallets failed: %v", err)
	}
	if len(wallets) != 1 {
		t.Errorf("Expected 1 wallet, got %d", len(wallets))
	}
}

func TestUpdateWallet_VersionGuard(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	wallet := fundWallet(t, service, "user1", "NGN", "DEP_1", decimal.NewFromInt(100))

	stale := *wallet
	stale.Version--
	stale.Balance = decimal.NewFromInt(1)

	err := service.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWallet(ctx, &stale)
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("Expected ErrConcurrentModification, got %v", err)
	}

	stored, err := service.GetWalletById(ctx, wallet.Id)
	if err != nil {
		t.Fatalf("GetWalletById failed: %v", err)
	}
	if !stored.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100, got %s", stored.Balance)
	}
}

func TestUpdateWallet_RejectsNegativeBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	wallet := fundWallet(t, service, "user1", "NGN", "DEP_1", decimal.NewFromInt(10))
	wallet.Balance = decimal.NewFromInt(-1)

	err := service.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpdateWallet(ctx, wallet)
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
}

func TestReconcileWalletBalance(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	fundWallet(t, service, "user1", "NGN", "DEP_1", decimal.RequireFromString("1500.50"))
	wallet := fundWallet(t, service, "user1", "NGN", "DEP_2", decimal.RequireFromString("499.50"))

	audit, err := service.ReconcileWalletBalance(ctx, wallet.Id)
	if err != nil {
		t.Fatalf("ReconcileWalletBalance failed: %v", err)
	}
	if !audit.Balanced() {
		t.Errorf("Expected balanced wallet, stored %s computed %s", audit.StoredBalance, audit.ComputedBalance)
	}
	if !audit.ComputedBalance.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Expected computed balance 2000, got %s", audit.ComputedBalance)
	}
	if audit.Transactions != 2 {
		t.Errorf("Expected 2 transactions, got %d", audit.Transactions)
	}
}

func TestReconcileWalletBalance_DetectsDrift(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	wallet := fundWallet(t, service, "user1", "NGN", "DEP_1", decimal.NewFromInt(100))
	if _, err := service.db.ExecContext(ctx, "UPDATE wallets SET balance = '90' WHERE id = ?", wallet.Id); err != nil {
		t.Fatalf("Failed to corrupt balance: %v", err)
	}

	audit, err := service.ReconcileWalletBalance(ctx, wallet.Id)
	if err != nil {
		t.Fatalf("ReconcileWalletBalance failed: %v", err)
	}
	if audit.Balanced() {
		t.Error("Expected drift to be detected")
	}
}

func TestReconcileWalletBalance_ConsistentUnderConcurrentPostings(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	wallet := fundWallet(t, service, "user1", "NGN", "DEP_0", decimal.NewFromInt(100))

	done := make(chan error, 1)
	go func() {
		for i := 1; i <= 20; i++ {
			err := service.WithinTx(ctx, func(tx store.Tx) error {
				w, err := tx.GetWalletByIdForUpdate(ctx, wallet.Id)
				if err != nil {
					return err
				}
				amount := decimal.NewFromInt(10)
				if _, err := tx.InsertTransaction(ctx, store.InsertTransactionParams{
					Reference: fmt.Sprintf("DEP_%d", i),
					UserId:    "user1",
					WalletId:  w.Id,
					Type:      models.TransactionTypeDeposit,
					Direction: models.DirectionCredit,
					Amount:    amount,
					NetAmount: amount,
					Currency:  "NGN",
					Status:    models.TransactionStatusCompleted,
					Posted:    true,
					Metadata:  models.Metadata{Provider: models.ProviderInternal},
				}); err != nil {
					return err
				}
				w.Balance = w.Balance.Add(amount)
				w.TotalDeposited = w.TotalDeposited.Add(amount)
				return tx.UpdateWallet(ctx, w)
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 20; i++ {
		audit, err := service.ReconcileWalletBalance(ctx, wallet.Id)
		if err != nil {
			t.Fatalf("ReconcileWalletBalance failed: %v", err)
		}
		if !audit.Balanced() {
			t.Fatalf("Expected balanced audit, stored %s computed %s", audit.StoredBalance, audit.ComputedBalance)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Concurrent posting failed: %v", err)
	}

	audit, err := service.ReconcileWalletBalance(ctx, wallet.Id)
	if err != nil {
		t.Fatalf("ReconcileWalletBalance failed: %v", err)
	}
	if !audit.ComputedBalance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected computed balance 300, got %s", audit.ComputedBalance)
	}
	if audit.Transactions != 21 {
		t.Errorf("Expected 21 transactions, got %d", audit.Transactions)
	}
}
