package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"marketplace-ledger-go/internal/database"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func setupWalletService(t *testing.T) (*Service, *database.Service) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "wallet.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)
	return NewService(db), db
}

func deposit(t *testing.T, svc *Service, db *database.Service, userId string, amount decimal.Decimal) *models.Wallet {
	t.Helper()
	ctx := context.Background()

	var walletId string
	err := db.WithinTx(ctx, func(tx store.Tx) error {
		w, err := svc.EnsureWallet(ctx, tx, userId, "NGN")
		if err != nil {
			return err
		}
		walletId = w.Id
		_, err = svc.Post(ctx, tx, store.InsertTransactionParams{
			Reference: NewReference(PrefixDeposit),
			UserId:    userId,
			WalletId:  w.Id,
			Type:      models.TransactionTypeDeposit,
			Direction: models.DirectionCredit,
			Amount:    amount,
			NetAmount: amount,
			Currency:  "NGN",
			Status:    models.TransactionStatusCompleted,
			Posted:    true,
			Metadata:  models.Metadata{Provider: models.ProviderInternal},
		}, MovementDeposit)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to deposit: %v", err)
	}

	w, err := db.GetWalletById(ctx, walletId)
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	return w
}

func TestCreditDebit_InvalidAmount(t *testing.T) {
	svc, db := setupWalletService(t)
	ctx := context.Background()
	w := deposit(t, svc, db, "user1", decimal.NewFromInt(100))

	amounts := []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)}
	for _, amount := range amounts {
		err := db.WithinTx(ctx, func(tx store.Tx) error {
			_, err := svc.Credit(ctx, tx, w.Id, amount, MovementTransfer)
			return err
		})
		if !errors.Is(err, store.ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount for credit of %s, got %v", amount, err)
		}

		err = db.WithinTx(ctx, func(tx store.Tx) error {
			_, err := svc.Debit(ctx, tx, w.Id, amount, MovementTransfer)
			return err
		})
		if !errors.Is(err, store.ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount for debit of %s, got %v", amount, err)
		}
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	svc, db := setupWalletService(t)
	ctx := context.Background()
	w := deposit(t, svc, db, "user1", decimal.NewFromInt(100))

	err := db.WithinTx(ctx, func(tx store.Tx) error {
		_, err := svc.Debit(ctx, tx, w.Id, decimal.NewFromInt(101), MovementWithdrawal)
		return err
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	after, err := db.GetWalletById(ctx, w.Id)
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	if !after.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100, got %s", after.Balance)
	}
	if !after.TotalWithdrawn.IsZero() {
		t.Errorf("Expected total withdrawn 0, got %s", after.TotalWithdrawn)
	}
}

func TestMovementTotals(t *testing.T) {
	svc, db := setupWalletService(t)
	ctx := context.Background()
	w := deposit(t, svc, db, "user1", decimal.NewFromInt(1000))

	if !w.TotalDeposited.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected total deposited 1000, got %s", w.TotalDeposited)
	}

	var updated *models.Wallet
	err := db.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := svc.Debit(ctx, tx, w.Id, decimal.NewFromInt(400), MovementWithdrawal); err != nil {
			return err
		}
		var err error
		updated, err = svc.Credit(ctx, tx, w.Id, decimal.NewFromInt(400), MovementWithdrawalReversal)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to move funds: %v", err)
	}

	if !updated.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Expected balance 1000, got %s", updated.Balance)
	}
	if !updated.TotalWithdrawn.IsZero() {
		t.Errorf("Expected total withdrawn back to 0, got %s", updated.TotalWithdrawn)
	}
}

func TestEnsureWallets_Idempotent(t *testing.T) {
	svc, _ := setupWalletService(t)
	ctx := context.Background()

	first, err := svc.EnsureWallets(ctx, "user1", "NGN", "usd")
	if err != nil {
		t.Fatalf("Failed to ensure wallets: %v", err)
	}
	second, err := svc.EnsureWallets(ctx, "user1", "NGN", "USD")
	if err != nil {
		t.Fatalf("Failed to ensure wallets again: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("Expected 2 wallets each time, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Id != second[i].Id {
			t.Errorf("Expected stable wallet id for %s, got %s and %s", first[i].Currency, first[i].Id, second[i].Id)
		}
	}

	balances, err := svc.Balances(ctx, "user1")
	if err != nil {
		t.Fatalf("Failed to list balances: %v", err)
	}
	if len(balances) != 2 {
		t.Errorf("Expected 2 balances, got %d", len(balances))
	}

	if _, err := svc.EnsureWallets(ctx, ""); err == nil {
		t.Error("Expected error for empty user id")
	}
}

// Two debits of more than half the balance race; exactly one may win.
func TestDebit_ConcurrentNoOverdraw(t *testing.T) {
	svc, db := setupWalletService(t)
	ctx := context.Background()
	w := deposit(t, svc, db, "user1", decimal.NewFromInt(1000))

	amount := decimal.NewFromInt(600)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithinTx(ctx, func(tx store.Tx) error {
				_, err := svc.Post(ctx, tx, store.InsertTransactionParams{
					Reference: NewReference(PrefixWithdrawal),
					UserId:    "user1",
					WalletId:  w.Id,
					Type:      models.TransactionTypeWithdrawal,
					Direction: models.DirectionDebit,
					Amount:    amount,
					NetAmount: amount,
					Currency:  "NGN",
					Status:    models.TransactionStatusProcessing,
					Posted:    true,
					Metadata:  models.Metadata{Provider: models.ProviderInternal},
				}, MovementWithdrawal)
				return err
			})
		}(i)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInsufficientBalance):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("Expected one success and one rejection, got %d and %d", succeeded, rejected)
	}

	audit, err := svc.Audit(ctx, w.Id)
	if err != nil {
		t.Fatalf("Failed to audit: %v", err)
	}
	if !audit.Balanced() {
		t.Errorf("Expected balanced wallet, stored %s computed %s", audit.StoredBalance, audit.ComputedBalance)
	}
	if !audit.StoredBalance.Equal(decimal.NewFromInt(400)) {
		t.Errorf("Expected balance 400, got %s", audit.StoredBalance)
	}
}

func TestNewReference(t *testing.T) {
	a := NewReference(PrefixDeposit)
	b := NewReference(PrefixDeposit)
	if a == b {
		t.Fatalf("Expected unique references, got %s twice", a)
	}
	if !strings.HasPrefix(a, "DEP_") || !HasPrefix(a, PrefixDeposit) {
		t.Errorf("Expected DEP_ prefix, got %s", a)
	}
	if len(a) != len("DEP_")+26 {
		t.Errorf("Expected 26-character ULID suffix, got %s", a)
	}
}
