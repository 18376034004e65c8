package formance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketplace-ledger-go/internal/database"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

func testCurrencies() models.Currencies {
	return models.Currencies{
		"NGN": {Code: "NGN", Precision: 2, Default: true},
	}
}

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		currency models.Currency
		want     string
	}{
		{models.Currency{Code: "NGN", Precision: 2}, "NGN/2"},
		{models.Currency{Code: "KES", Precision: 2}, "KES/2"},
		{models.Currency{Code: "XOF", Precision: 0}, "XOF/0"},
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.currency); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.currency.Code, got, tt.want)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		amount    string
		precision int32
		want      string
	}{
		{"39800", 2, "3980000"},
		{"200.5", 2, "20050"},
		{"0.01", 2, "1"},
		{"1500", 0, "1500"},
	}
	for _, tt := range tests {
		if got := minorUnits(decimal.RequireFromString(tt.amount), tt.precision); got != tt.want {
			t.Errorf("minorUnits(%s, %d) = %q, want %q", tt.amount, tt.precision, got, tt.want)
		}
	}
}

func TestAccounts(t *testing.T) {
	tests := []struct {
		name        string
		txn         models.Transaction
		source      string
		destination string
	}{
		{
			name:        "deposit",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeDeposit, Direction: models.DirectionCredit, Metadata: models.Metadata{Provider: models.ProviderPaystack}},
			source:      "gateway:paystack:collections",
			destination: "users:u1:ngn",
		},
		{
			name:        "withdrawal",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeWithdrawal, Direction: models.DirectionDebit, Metadata: models.Metadata{Provider: models.ProviderFlutterwave}},
			source:      "users:u1:ngn",
			destination: "gateway:flutterwave:payouts",
		},
		{
			name:        "fee",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeFeeCharge, Direction: models.DirectionDebit},
			source:      "users:u1:ngn",
			destination: "platform:fees",
		},
		{
			name:        "escrow deposit",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeEscrowDeposit, Direction: models.DirectionDebit, EscrowId: "esc-1"},
			source:      "users:u1:ngn",
			destination: "escrow:esc-1",
		},
		{
			name:        "escrow release",
			txn:         models.Transaction{UserId: "seller", Currency: "NGN", Type: models.TransactionTypeEscrowRelease, Direction: models.DirectionCredit, EscrowId: "esc-1"},
			source:      "escrow:esc-1",
			destination: "users:seller:ngn",
		},
		{
			name:        "refund",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeRefund, Direction: models.DirectionCredit, EscrowId: "esc-1"},
			source:      "escrow:esc-1",
			destination: "users:u1:ngn",
		},
		{
			name:        "internal deposit without provider",
			txn:         models.Transaction{UserId: "user@example.com", Currency: "NGN", Type: models.TransactionTypeDeposit, Direction: models.DirectionCredit},
			source:      "gateway:internal:collections",
			destination: "users:user_example_com:ngn",
		},
		{
			name:        "sale falls back to settlement",
			txn:         models.Transaction{UserId: "u1", Currency: "NGN", Type: models.TransactionTypeSale, Direction: models.DirectionCredit},
			source:      "platform:settlement",
			destination: "users:u1:ngn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, destination := accounts(&tt.txn)
			if source != tt.source || destination != tt.destination {
				t.Errorf("Expected %s -> %s, got %s -> %s", tt.source, tt.destination, source, destination)
			}
		})
	}
}

func TestIsConflictError(t *testing.T) {
	if isConflictError(nil) {
		t.Error("nil should not be a conflict error")
	}
	if isConflictError(errors.New("boom")) {
		t.Error("plain error should not be a conflict error")
	}
	conflict := fmt.Errorf("post: %w", &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumConflict})
	if !isConflictError(conflict) {
		t.Error("wrapped CONFLICT should be a conflict error")
	}
}

// ---------- Export against a SQLite store with a recording poster ----------

type recordingPoster struct {
	postings []shared.V2PostTransaction
	err      func(reference string) error
}

func (r *recordingPoster) post(ctx context.Context, posting shared.V2PostTransaction) error {
	if r.err != nil {
		if err := r.err(*posting.Reference); err != nil {
			return err
		}
	}
	r.postings = append(r.postings, posting)
	return nil
}

func setupMirror(t *testing.T, poster *recordingPoster) (*database.Service, *wallet.Service, *Mirror) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "mirror.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)
	return db, wallet.NewService(db), newMirror(db, testCurrencies(), nil, "test", poster.post)
}

func postRow(t *testing.T, db *database.Service, wallets *wallet.Service, params store.InsertTransactionParams, movement wallet.Movement) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	var txn *models.Transaction
	err := db.WithinTx(ctx, func(tx store.Tx) error {
		w, err := wallets.EnsureWallet(ctx, tx, params.UserId, "NGN")
		if err != nil {
			return err
		}
		params.WalletId = w.Id
		txn, err = wallets.Post(ctx, tx, params, movement)
		return err
	})
	if err != nil {
		t.Fatalf("Failed to post %s: %v", params.Reference, err)
	}
	return txn
}

func deposit(t *testing.T, db *database.Service, wallets *wallet.Service, userId string, amount int64) *models.Transaction {
	return postRow(t, db, wallets, store.InsertTransactionParams{
		Reference: wallet.NewReference(wallet.PrefixDeposit),
		UserId:    userId,
		Type:      models.TransactionTypeDeposit,
		Direction: models.DirectionCredit,
		Amount:    decimal.NewFromInt(amount),
		NetAmount: decimal.NewFromInt(amount),
		Currency:  "NGN",
		Status:    models.TransactionStatusCompleted,
		Posted:    true,
		Metadata:  models.Metadata{Provider: models.ProviderPaystack},
	}, wallet.MovementDeposit)
}

func TestExport_MirrorsCompletedRowsOnce(t *testing.T) {
	poster := &recordingPoster{}
	db, wallets, mirror := setupMirror(t, poster)
	ctx := context.Background()

	first := deposit(t, db, wallets, "user1", 25000)
	deposit(t, db, wallets, "user2", 1000)
	postRow(t, db, wallets, store.InsertTransactionParams{
		Reference: wallet.NewReference(wallet.PrefixWithdrawal),
		UserId:    "user1",
		Type:      models.TransactionTypeWithdrawal,
		Direction: models.DirectionDebit,
		Amount:    decimal.NewFromInt(10000),
		Fee:       decimal.NewFromInt(50),
		NetAmount: decimal.NewFromInt(9950),
		Currency:  "NGN",
		Status:    models.TransactionStatusProcessing,
		Posted:    true,
		Metadata:  models.Metadata{Provider: models.ProviderPaystack},
	}, wallet.MovementWithdrawal)

	report, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if report.Scanned != 2 || report.Exported != 2 || report.Errors != 0 {
		t.Errorf("Expected 2 scanned and exported, got %+v", report)
	}
	if len(poster.postings) != 2 {
		t.Fatalf("Expected 2 postings, got %d", len(poster.postings))
	}

	var posted *shared.V2PostTransaction
	for i := range poster.postings {
		if *poster.postings[i].Reference == first.Reference {
			posted = &poster.postings[i]
		}
	}
	if posted == nil {
		t.Fatalf("Expected posting with reference %s", first.Reference)
	}
	vars := posted.Script.Vars
	if vars["asset"] != "NGN/2" || vars["amount"] != "2500000" {
		t.Errorf("Expected NGN/2 2500000, got %s %s", vars["asset"], vars["amount"])
	}
	if vars["source"] != "gateway:paystack:collections" || vars["destination"] != "users:user1:ngn" {
		t.Errorf("Unexpected accounts %s -> %s", vars["source"], vars["destination"])
	}

	rerun, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to rerun export: %v", err)
	}
	if rerun.Scanned != 0 || len(poster.postings) != 2 {
		t.Errorf("Expected no-op rerun, got %+v with %d postings", rerun, len(poster.postings))
	}
}

func TestExport_ConflictCountsAsMirrored(t *testing.T) {
	poster := &recordingPoster{
		err: func(string) error {
			return &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumConflict}
		},
	}
	db, wallets, mirror := setupMirror(t, poster)
	ctx := context.Background()
	deposit(t, db, wallets, "user1", 5000)

	report, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if report.Duplicates != 1 || report.Exported != 0 {
		t.Errorf("Expected 1 duplicate, got %+v", report)
	}

	unmirrored, err := db.ListUnmirroredTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list unmirrored: %v", err)
	}
	if len(unmirrored) != 0 {
		t.Errorf("Expected duplicate to be marked mirrored, got %d pending", len(unmirrored))
	}
}

func TestExport_FailureLeavesRowForRetry(t *testing.T) {
	failing := true
	poster := &recordingPoster{
		err: func(string) error {
			if failing {
				return errors.New("stack unreachable")
			}
			return nil
		},
	}
	db, wallets, mirror := setupMirror(t, poster)
	ctx := context.Background()
	deposit(t, db, wallets, "user1", 5000)

	report, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if report.Errors != 1 || report.Exported != 0 {
		t.Errorf("Expected 1 error, got %+v", report)
	}

	failing = false
	report, err = mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to retry export: %v", err)
	}
	if report.Exported != 1 {
		t.Errorf("Expected retry to export 1 row, got %+v", report)
	}
}

func TestExport_ReversesCorrectedWithdrawal(t *testing.T) {
	poster := &recordingPoster{}
	db, wallets, mirror := setupMirror(t, poster)
	ctx := context.Background()

	deposit(t, db, wallets, "user1", 25000)
	withdrawal := postRow(t, db, wallets, store.InsertTransactionParams{
		Reference: wallet.NewReference(wallet.PrefixWithdrawal),
		UserId:    "user1",
		Type:      models.TransactionTypeWithdrawal,
		Direction: models.DirectionDebit,
		Amount:    decimal.NewFromInt(10000),
		NetAmount: decimal.NewFromInt(10000),
		Currency:  "NGN",
		Status:    models.TransactionStatusCompleted,
		Posted:    true,
		Metadata:  models.Metadata{Provider: models.ProviderPaystack},
	}, wallet.MovementWithdrawal)

	report, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if report.Exported != 2 {
		t.Fatalf("Expected 2 exported rows, got %+v", report)
	}

	err = db.WithinTx(ctx, func(tx store.Tx) error {
		txn, err := tx.GetTransactionByReferenceForUpdate(ctx, withdrawal.Reference)
		if err != nil {
			return err
		}
		patch := models.Metadata{Reconciliation: &models.Reconciliation{
			ReconciledAt: time.Now(),
			Reason:       "gateway_failure",
		}}
		_, _, err = wallets.FinalizeWithdrawal(ctx, tx, txn, wallet.Finalization{
			Status:     models.TransactionStatusFailed,
			Patch:      &patch,
			Correction: true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to correct withdrawal: %v", err)
	}

	report, err = mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export correction: %v", err)
	}
	if report.Reversed != 1 || report.Exported != 0 || report.Errors != 0 {
		t.Errorf("Expected 1 reversal, got %+v", report)
	}
	if len(poster.postings) != 3 {
		t.Fatalf("Expected 3 postings, got %d", len(poster.postings))
	}

	reversal := poster.postings[2]
	if *reversal.Reference != withdrawal.Reference+"_REVERSAL" {
		t.Errorf("Expected reversal reference %s_REVERSAL, got %s", withdrawal.Reference, *reversal.Reference)
	}
	vars := reversal.Script.Vars
	if vars["source"] != "gateway:paystack:payouts" || vars["destination"] != "users:user1:ngn" {
		t.Errorf("Unexpected reversal accounts %s -> %s", vars["source"], vars["destination"])
	}
	if vars["amount"] != "1000000" {
		t.Errorf("Expected reversal amount 1000000, got %s", vars["amount"])
	}

	rerun, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to rerun export: %v", err)
	}
	if rerun.Scanned != 0 || len(poster.postings) != 3 {
		t.Errorf("Expected no-op rerun, got %+v with %d postings", rerun, len(poster.postings))
	}
}

func TestExport_ReversalConflictClearsMark(t *testing.T) {
	poster := &recordingPoster{}
	db, wallets, mirror := setupMirror(t, poster)
	ctx := context.Background()

	row := deposit(t, db, wallets, "user1", 5000)
	if _, err := mirror.Export(ctx, 10); err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	err := db.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.UpdateTransactionStatus(ctx, row.Id, store.StatusUpdate{
			Status:     models.TransactionStatusFailed,
			Correction: true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Failed to fail row: %v", err)
	}

	poster.err = func(reference string) error {
		if strings.HasSuffix(reference, "_REVERSAL") {
			return &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumConflict}
		}
		return nil
	}
	report, err := mirror.Export(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if report.Duplicates != 1 || report.Reversed != 0 {
		t.Errorf("Expected 1 duplicate reversal, got %+v", report)
	}

	failures, err := db.ListMirroredFailures(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list mirrored failures: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("Expected mirror mark cleared, got %d rows", len(failures))
	}
}
