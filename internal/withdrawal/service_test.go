package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"marketplace-ledger-go/internal/database"
	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/gateway/gatewaytest"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/shopspring/decimal"
)

var (
	admin       = models.Actor{UserId: "admin1", Role: models.RoleAdmin}
	destination = models.BankDestination{BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada Obi"}
)

type fixture struct {
	db       *database.Service
	wallets  *wallet.Service
	fake     *gatewaytest.Fake
	router   *Service
	recorder *recorder.Service
}

func testCurrencies() models.Currencies {
	return models.Currencies{
		"NGN": {
			Code:              "NGN",
			Precision:         2,
			MinDeposit:        decimal.NewFromInt(100),
			MinWithdrawal:     decimal.NewFromInt(1000),
			MaxWithdrawal:     decimal.NewFromInt(5000000),
			InstantThreshold:  decimal.NewFromInt(50000),
			WithdrawalFeeRate: decimal.RequireFromString("0.005"),
			EscrowFeeRate:     decimal.RequireFromString("0.025"),
			Default:           true,
		},
	}
}

func setupRouter(t *testing.T, requireKYC bool) *fixture {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "withdrawal.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	fake := gatewaytest.New()
	wallets := wallet.NewService(db)
	registry := gateway.NewRegistry(models.ProviderPaystack, fake)

	router := NewService(db, wallets, registry, testCurrencies(), nil, nil, Config{
		GatewayTimeout: time.Second,
		RequireKYC:     requireKYC,
	})
	rec := recorder.NewService(db, wallets, registry, testCurrencies(), nil, nil, recorder.Config{GatewayTimeout: time.Second})
	return &fixture{db: db, wallets: wallets, fake: fake, router: router, recorder: rec}
}

func (f *fixture) fund(t *testing.T, userId string, amount int64) {
	t.Helper()
	ctx := context.Background()
	err := f.db.WithinTx(ctx, func(tx store.Tx) error {
		w, err := f.wallets.EnsureWallet(ctx, tx, userId, "NGN")
		if err != nil {
			return err
		}
		_, err = f.wallets.Post(ctx, tx, store.InsertTransactionParams{
			Reference: wallet.NewReference(wallet.PrefixDeposit),
			UserId:    userId,
			WalletId:  w.Id,
			Type:      models.TransactionTypeDeposit,
			Direction: models.DirectionCredit,
			Amount:    decimal.NewFromInt(amount),
			NetAmount: decimal.NewFromInt(amount),
			Currency:  "NGN",
			Status:    models.TransactionStatusCompleted,
			Posted:    true,
			Metadata:  models.Metadata{Provider: models.ProviderInternal},
		}, wallet.MovementDeposit)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to fund wallet: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userId string) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	w, err := f.db.GetWallet(ctx, userId, "NGN")
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	audit, err := f.wallets.Audit(ctx, w.Id)
	if err != nil {
		t.Fatalf("Failed to audit wallet: %v", err)
	}
	if !audit.Balanced() {
		t.Errorf("Expected balanced wallet, stored %s computed %s", audit.StoredBalance, audit.ComputedBalance)
	}
	return w.Balance
}

func (f *fixture) row(t *testing.T, reference string) *models.Transaction {
	t.Helper()
	txn, err := f.db.GetTransactionByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", reference, err)
	}
	return txn
}

func (f *fixture) feeRow(t *testing.T, reference string) *models.Transaction {
	t.Helper()
	var fee *models.Transaction
	ctx := context.Background()
	err := f.db.WithinTx(ctx, func(tx store.Tx) error {
		fees, err := tx.ListTransactionsByParent(ctx, reference)
		if err != nil {
			return err
		}
		if len(fees) != 1 {
			return fmt.Errorf("expected 1 fee row, got %d", len(fees))
		}
		fee = &fees[0]
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to read fee row: %v", err)
	}
	return fee
}

func request(amount int64) Request {
	return Request{
		UserId:      "user1",
		Amount:      decimal.NewFromInt(amount),
		Currency:    "NGN",
		Destination: destination,
		Narration:   "payout",
	}
}

func TestWithdraw_InstantFeeExample(t *testing.T) {
	f := setupRouter(t, false)
	ctx := context.Background()
	f.fund(t, "user1", 100000)

	result, err := f.router.Withdraw(ctx, request(40000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}

	if result.Path != models.WithdrawalPathInstant {
		t.Errorf("Expected instant path, got %s", result.Path)
	}
	if result.Status != models.TransactionStatusProcessing {
		t.Errorf("Expected processing, got %s", result.Status)
	}
	if !result.Fee.Equal(decimal.NewFromInt(200)) || !result.NetAmount.Equal(decimal.NewFromInt(39800)) {
		t.Errorf("Expected fee 200 and net 39800, got %s and %s", result.Fee, result.NetAmount)
	}
	if result.EstimatedCompletion != "within 30 minutes" {
		t.Errorf("Expected instant estimate, got %q", result.EstimatedCompletion)
	}
	if f.fake.TransferCount() != 1 || !f.fake.Transfers[0].Amount.Equal(decimal.NewFromInt(39800)) {
		t.Errorf("Expected one transfer of 39800, got %d transfers", f.fake.TransferCount())
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected balance 60000, got %s", b)
	}

	stored := f.row(t, result.Reference)
	if stored.Metadata.Paystack == nil || stored.Metadata.Paystack.TransferCode == "" {
		t.Error("Expected transfer code recorded")
	}

	event := gatewaytest.Event(gatewaytest.Payload{
		Reference: result.Reference,
		Kind:      gateway.EventKindTransfer,
		Outcome:   models.GatewayOutcomeSucceeded,
		Status:    "success",
	}, nil)
	if outcome, err := f.recorder.ApplyEvent(ctx, models.ProviderPaystack, event); err != nil || outcome != recorder.OutcomeApplied {
		t.Fatalf("Expected webhook applied, got %s, %v", outcome, err)
	}

	if s := f.row(t, result.Reference).Status; s != models.TransactionStatusCompleted {
		t.Errorf("Expected completed withdrawal, got %s", s)
	}
	if s := f.feeRow(t, result.Reference).Status; s != models.TransactionStatusCompleted {
		t.Errorf("Expected completed fee row, got %s", s)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected balance still 60000, got %s", b)
	}
}

func TestWithdraw_ManualExample(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)

	result, err := f.router.Withdraw(context.Background(), request(80000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}

	if result.Path != models.WithdrawalPathManual || result.Status != models.TransactionStatusPending {
		t.Errorf("Expected manual pending, got %s %s", result.Path, result.Status)
	}
	if result.EstimatedCompletion != "24-48 hours" {
		t.Errorf("Expected manual estimate, got %q", result.EstimatedCompletion)
	}
	if f.fake.TransferCount() != 0 || f.fake.InstantChecks != 0 {
		t.Errorf("Expected no gateway calls, got %d transfers and %d checks", f.fake.TransferCount(), f.fake.InstantChecks)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("Expected balance 20000, got %s", b)
	}

	stored := f.row(t, result.Reference)
	if stored.Metadata.Manual == nil || !stored.Metadata.Manual.RequiresApproval {
		t.Error("Expected manual review flag")
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		requireKYC bool
		mutate     func(*Request)
		want       error
	}{
		{"at minimum", false, func(r *Request) { r.Amount = decimal.NewFromInt(1000) }, store.ErrInvalidAmount},
		{"above maximum", false, func(r *Request) { r.Amount = decimal.NewFromInt(5000001) }, store.ErrInvalidAmount},
		{"too precise", false, func(r *Request) { r.Amount = decimal.RequireFromString("5000.555") }, store.ErrInvalidAmount},
		{"unknown currency", false, func(r *Request) { r.Currency = "XYZ" }, store.ErrInvalidAmount},
		{"incomplete destination", false, func(r *Request) { r.Destination.AccountNumber = "" }, store.ErrInvalidDestination},
		{"kyc missing", true, func(r *Request) {}, store.ErrKYCRequired},
		{"insufficient balance", false, func(r *Request) { r.Amount = decimal.NewFromInt(200000) }, store.ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupRouter(t, tt.requireKYC)
			f.fund(t, "user1", 100000)

			req := request(10000)
			tt.mutate(&req)
			_, err := f.router.Withdraw(context.Background(), req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(100000)) {
				t.Errorf("Expected untouched balance, got %s", b)
			}
			if f.fake.TransferCount() != 0 {
				t.Error("Expected no transfer")
			}
		})
	}
}

func TestWithdraw_KYCVerifiedPasses(t *testing.T) {
	f := setupRouter(t, true)
	ctx := context.Background()
	f.fund(t, "user1", 100000)

	err := f.db.WithinTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()
		return tx.UpsertUserProfile(ctx, &models.UserProfile{UserId: "user1", KycVerified: true, VerifiedAt: &now, VerifiedBy: "admin1"})
	})
	if err != nil {
		t.Fatalf("Failed to verify user: %v", err)
	}

	if _, err := f.router.Withdraw(ctx, request(10000)); err != nil {
		t.Errorf("Expected verified user to withdraw, got %v", err)
	}
}

func TestWithdraw_GatewayUnavailableFallsBackToManual(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)
	f.fake.TransferErr = fmt.Errorf("insufficient paystack balance: %w", gateway.ErrUnavailable)

	result, err := f.router.Withdraw(context.Background(), request(40000))
	if err != nil {
		t.Fatalf("Expected fallback without error, got %v", err)
	}
	if result.Status != models.TransactionStatusPending || result.Path != models.WithdrawalPathManual {
		t.Errorf("Expected manual pending, got %s %s", result.Path, result.Status)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected hold kept at 60000, got %s", b)
	}
	if s := f.feeRow(t, result.Reference).Status; s != models.TransactionStatusPending {
		t.Errorf("Expected pending fee row, got %s", s)
	}
}

func TestWithdraw_GatewayRejectedCreditsBack(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)
	f.fake.TransferErr = fmt.Errorf("invalid account: %w", gateway.ErrRejected)

	result, err := f.router.Withdraw(context.Background(), request(40000))
	if !errors.Is(err, store.ErrInvalidDestination) {
		t.Fatalf("Expected ErrInvalidDestination, got %v", err)
	}
	if result == nil || result.Status != models.TransactionStatusFailed {
		t.Fatalf("Expected failed result, got %+v", result)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected balance restored to 100000, got %s", b)
	}

	stored := f.row(t, result.Reference)
	if stored.Posted || stored.Metadata.FailureReason == "" {
		t.Errorf("Expected unposted row with reason, got posted=%v reason=%q", stored.Posted, stored.Metadata.FailureReason)
	}
	if fee := f.feeRow(t, result.Reference); fee.Posted || fee.Status != models.TransactionStatusFailed {
		t.Errorf("Expected failed unposted fee row, got %s posted=%v", fee.Status, fee.Posted)
	}
}

func TestWithdraw_TransportErrorLeavesProcessing(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)
	f.fake.TransferErr = errors.New("connection reset by peer")

	result, err := f.router.Withdraw(context.Background(), request(40000))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != models.TransactionStatusProcessing {
		t.Errorf("Expected processing, got %s", result.Status)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected hold at 60000, got %s", b)
	}
}

func TestWithdraw_NoInstantCapacityGoesManual(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)
	f.fake.Instant = false

	result, err := f.router.Withdraw(context.Background(), request(40000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}
	if result.Path != models.WithdrawalPathManual || f.fake.TransferCount() != 0 {
		t.Errorf("Expected manual path without transfer, got %s with %d transfers", result.Path, f.fake.TransferCount())
	}
}

func TestWithdraw_SynchronousSuccess(t *testing.T) {
	f := setupRouter(t, false)
	f.fund(t, "user1", 100000)
	f.fake.TransferOutcome = models.GatewayOutcomeSucceeded

	result, err := f.router.Withdraw(context.Background(), request(40000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}
	if result.Status != models.TransactionStatusCompleted {
		t.Errorf("Expected completed, got %s", result.Status)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("Expected balance 60000, got %s", b)
	}
}

func TestApprove(t *testing.T) {
	f := setupRouter(t, false)
	ctx := context.Background()
	f.fund(t, "user1", 100000)

	pending, err := f.router.Withdraw(ctx, request(80000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}

	user := models.Actor{UserId: "user1", Role: models.RoleUser}
	if _, err := f.router.Approve(ctx, pending.Reference, user); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("Expected ErrForbidden for user approval, got %v", err)
	}

	approved, err := f.router.Approve(ctx, pending.Reference, admin)
	if err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	if approved.Status != models.TransactionStatusProcessing {
		t.Errorf("Expected processing after approval, got %s", approved.Status)
	}
	if f.fake.TransferCount() != 1 {
		t.Errorf("Expected one transfer after approval, got %d", f.fake.TransferCount())
	}

	stored := f.row(t, pending.Reference)
	if stored.Metadata.Manual == nil || stored.Metadata.Manual.ApprovedBy != admin.UserId {
		t.Error("Expected approver recorded")
	}

	if _, err := f.router.Approve(ctx, pending.Reference, admin); !errors.Is(err, store.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState on second approval, got %v", err)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("Expected balance 20000, got %s", b)
	}
}

func TestApprove_GatewayStillUnavailable(t *testing.T) {
	f := setupRouter(t, false)
	ctx := context.Background()
	f.fund(t, "user1", 100000)

	pending, err := f.router.Withdraw(ctx, request(80000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}

	f.fake.TransferErr = gateway.ErrUnavailable
	result, err := f.router.Approve(ctx, pending.Reference, admin)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if result.Status != models.TransactionStatusPending {
		t.Errorf("Expected withdrawal back to pending, got %s", result.Status)
	}
	if stored := f.row(t, pending.Reference); stored.Metadata.Manual.ApprovedBy != admin.UserId {
		t.Errorf("Expected approver kept, got %q", stored.Metadata.Manual.ApprovedBy)
	}
}

func TestReject(t *testing.T) {
	f := setupRouter(t, false)
	ctx := context.Background()
	f.fund(t, "user1", 100000)

	pending, err := f.router.Withdraw(ctx, request(80000))
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}

	result, err := f.router.Reject(ctx, pending.Reference, admin, "account name mismatch")
	if err != nil {
		t.Fatalf("Failed to reject: %v", err)
	}
	if result.Status != models.TransactionStatusCancelled {
		t.Errorf("Expected cancelled, got %s", result.Status)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected balance restored to 100000, got %s", b)
	}

	stored := f.row(t, pending.Reference)
	if stored.Posted || stored.Metadata.Manual == nil || stored.Metadata.Manual.RejectedBy != admin.UserId {
		t.Error("Expected unposted row with rejecting admin recorded")
	}

	if _, err := f.router.Reject(ctx, pending.Reference, admin, "again"); !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Errorf("Expected ErrAlreadyFinalized on second rejection, got %v", err)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("Expected balance still 100000, got %s", b)
	}
}

// Two withdrawals of more than half the balance race; exactly one is paid out.
func TestWithdraw_ConcurrentNoOverWithdrawal(t *testing.T) {
	f := setupRouter(t, false)
	ctx := context.Background()
	f.fund(t, "user1", 70000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.router.Withdraw(ctx, Request{
				UserId:      "user1",
				Amount:      decimal.NewFromInt(40000),
				Currency:    "NGN",
				Destination: destination,
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
		t.Fatalf("Expected 1 success and 1 rejection, got %d and %d", succeeded, rejected)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(30000)) {
		t.Errorf("Expected balance 30000, got %s", b)
	}
	if n := f.fake.TransferCount(); n != 1 {
		t.Errorf("Expected 1 transfer, got %d", n)
	}

	w, err := f.db.GetWallet(ctx, "user1", "NGN")
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	audit, err := f.wallets.Audit(ctx, w.Id)
	if err != nil {
		t.Fatalf("Failed to audit: %v", err)
	}
	if !audit.Balanced() {
		t.Errorf("Expected balanced wallet, stored %s computed %s", audit.StoredBalance, audit.ComputedBalance)
	}
}
