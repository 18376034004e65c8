package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"marketplace-ledger-go/internal/admin"
	"marketplace-ledger-go/internal/auth"
	"marketplace-ledger-go/internal/database"
	"marketplace-ledger-go/internal/escrow"
	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/gateway/gatewaytest"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/reconciler"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"
	"marketplace-ledger-go/internal/withdrawal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const testSecret = "api-test-secret"

type fixture struct {
	db      *database.Service
	fake    *gatewaytest.Fake
	signer  *auth.Signer
	handler http.Handler
}

func setupServer(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "api.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
		BusyTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(db.Close)

	currencies := models.Currencies{
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
	fake := gatewaytest.New()
	registry := gateway.NewRegistry(models.ProviderPaystack, fake)
	wallets := wallet.NewService(db)
	rec := recorder.NewService(db, wallets, registry, currencies, nil, nil, recorder.Config{GatewayTimeout: time.Second})
	recon := reconciler.NewService(db, wallets, nil, nil, 10)

	server := NewServer(Config{
		Store:       db,
		Wallets:     wallets,
		Recorder:    rec,
		Withdrawals: withdrawal.NewService(db, wallets, registry, currencies, nil, nil, withdrawal.Config{GatewayTimeout: time.Second}),
		Escrows:     escrow.NewService(db, wallets, currencies, nil, nil, escrow.Config{AutoReleaseAfter: time.Hour}),
		Admin:       admin.NewService(db, registry, rec, recon, nil, time.Second),
		Verifier:    auth.NewVerifier(testSecret, time.Minute),
		Currencies:  currencies,
		Gatherer:    prometheus.NewRegistry(),
	})
	return &fixture{db: db, fake: fake, signer: auth.NewSigner(testSecret), handler: server.Routes()}
}

func (f *fixture) token(t *testing.T, userId string, role models.Role) string {
	t.Helper()
	token, err := f.signer.Sign(models.Actor{UserId: userId, Role: role}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

type response struct {
	Code    int
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, headers ...string) response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	resp := response{Code: rec.Code}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return resp
}

// deposit credits userId through the same path a real deposit takes.
func (f *fixture) deposit(t *testing.T, userId string, amount int64) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/deposits", f.token(t, userId, models.RoleUser), map[string]any{
		"amount":   amount,
		"currency": "NGN",
		"email":    userId + "@example.com",
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected 201 from deposit, got %d: %s", resp.Code, resp.Message)
	}
	var result models.DepositResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("Failed to decode deposit: %v", err)
	}

	body := gatewaytest.Body(gatewaytest.Payload{
		Reference: result.Reference,
		Kind:      gateway.EventKindCharge,
		Outcome:   models.GatewayOutcomeSucceeded,
		Status:    "success",
		Amount:    decimal.NewFromInt(amount),
		Currency:  "NGN",
	})
	hook := f.do(t, http.MethodPost, "/api/v1/webhooks/paystack", "", body, gatewaytest.SignatureHeader, f.fake.Secret)
	if hook.Code != http.StatusOK {
		t.Fatalf("Expected 200 from webhook, got %d: %s", hook.Code, hook.Message)
	}
}

func (f *fixture) balance(t *testing.T, userId string) decimal.Decimal {
	t.Helper()
	w, err := f.db.GetWallet(context.Background(), userId, "NGN")
	if err != nil {
		t.Fatalf("Failed to read wallet: %v", err)
	}
	return w.Balance
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupServer(t)

	if resp := f.do(t, http.MethodGet, "/healthz", "", nil); resp.Code != http.StatusOK {
		t.Errorf("Expected 200 from healthz, got %d", resp.Code)
	}
	if resp := f.do(t, http.MethodGet, "/metrics", "", nil); resp.Code != http.StatusOK {
		t.Errorf("Expected 200 from metrics, got %d", resp.Code)
	}
}

func TestAuthentication(t *testing.T) {
	f := setupServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		code   int
	}{
		{"no token", http.MethodGet, "/api/v1/wallets", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/wallets", "not-a-jwt", http.StatusUnauthorized},
		{"user on admin route", http.MethodPost, "/api/v1/admin/commands/verify-user", f.token(t, "user1", models.RoleUser), http.StatusForbidden},
		{"admin on user route", http.MethodGet, "/api/v1/wallets", f.token(t, "admin1", models.RoleAdmin), http.StatusForbidden},
		{"user on internal route", http.MethodPost, "/internal/users/user1/wallets", f.token(t, "user1", models.RoleUser), http.StatusForbidden},
		{"user lists wallets", http.MethodGet, "/api/v1/wallets", f.token(t, "user1", models.RoleUser), http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.token, nil)
			if resp.Code != tt.code {
				t.Errorf("Expected %d, got %d: %s", tt.code, resp.Code, resp.Message)
			}
		})
	}
}

func TestWebhook(t *testing.T) {
	f := setupServer(t)
	f.deposit(t, "user1", 5000)

	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected balance 5000, got %s", b)
	}

	body := gatewaytest.Body(gatewaytest.Payload{Reference: "DEP_X", Kind: gateway.EventKindCharge})
	if resp := f.do(t, http.MethodPost, "/api/v1/webhooks/paystack", "", body, gatewaytest.SignatureHeader, "wrong"); resp.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad signature, got %d", resp.Code)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/webhooks/flutterwave", "", body, gatewaytest.SignatureHeader, f.fake.Secret); resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unconfigured provider, got %d", resp.Code)
	}
}

func TestWithdraw(t *testing.T) {
	f := setupServer(t)
	token := f.token(t, "user1", models.RoleUser)
	destination := map[string]any{
		"currency":       "NGN",
		"bank_code":      "058",
		"account_number": "0123456789",
		"account_name":   "Ada Obi",
	}
	withAmount := func(amount int64) map[string]any {
		body := map[string]any{"amount": amount}
		for k, v := range destination {
			body[k] = v
		}
		return body
	}

	if resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", token, withAmount(2000)); resp.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 without funds, got %d: %s", resp.Code, resp.Message)
	}

	f.deposit(t, "user1", 100000)
	resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", token, withAmount(10000))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", resp.Code, resp.Message)
	}
	var result models.WithdrawalResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("Failed to decode withdrawal: %v", err)
	}
	if result.Path != models.WithdrawalPathInstant {
		t.Errorf("Expected instant path, got %s", result.Path)
	}
	if b := f.balance(t, "user1"); !b.Equal(decimal.NewFromInt(90000)) {
		t.Errorf("Expected balance 90000, got %s", b)
	}

	if resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", token, withAmount(500)); resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 below minimum, got %d", resp.Code)
	}
	if resp := f.do(t, http.MethodPost, "/api/v1/withdrawals", token, map[string]any{"bogus": true}); resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown field, got %d", resp.Code)
	}
}

func TestListTransactions(t *testing.T) {
	f := setupServer(t)
	token := f.token(t, "user1", models.RoleUser)
	f.deposit(t, "user1", 5000)

	resp := f.do(t, http.MethodGet, "/api/v1/transactions?currency=ngn", token, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.Code, resp.Message)
	}
	var txns []models.Transaction
	if err := json.Unmarshal(resp.Data, &txns); err != nil {
		t.Fatalf("Failed to decode transactions: %v", err)
	}
	if len(txns) != 1 || txns[0].Type != models.TransactionTypeDeposit {
		t.Errorf("Expected one deposit, got %d rows", len(txns))
	}

	for _, query := range []string{"limit=0", "limit=x", "offset=-1"} {
		if resp := f.do(t, http.MethodGet, "/api/v1/transactions?"+query, token, nil); resp.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", query, resp.Code)
		}
	}
}

func TestEscrowPurchaseAndConfirm(t *testing.T) {
	f := setupServer(t)
	service := f.token(t, "marketplace", models.RoleService)
	buyer := f.token(t, "buyer", models.RoleUser)

	resp := f.do(t, http.MethodPost, "/internal/users/seller/wallets", service, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 from ensure wallets, got %d: %s", resp.Code, resp.Message)
	}
	resp = f.do(t, http.MethodPut, "/internal/listings/L1", service, map[string]any{
		"seller_id": "seller",
		"price":     "10000",
		"currency":  "NGN",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 from listing, got %d: %s", resp.Code, resp.Message)
	}

	f.deposit(t, "buyer", 20000)
	resp = f.do(t, http.MethodPost, "/api/v1/escrows", buyer, map[string]any{"listing_id": "L1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected 201 from purchase, got %d: %s", resp.Code, resp.Message)
	}
	var e models.Escrow
	if err := json.Unmarshal(resp.Data, &e); err != nil {
		t.Fatalf("Failed to decode escrow: %v", err)
	}
	if e.Status != models.EscrowStatusFunded {
		t.Fatalf("Expected funded escrow, got %s", e.Status)
	}
	if b := f.balance(t, "buyer"); !b.Equal(decimal.NewFromInt(9750)) {
		t.Errorf("Expected buyer balance 9750, got %s", b)
	}

	stranger := f.token(t, "stranger", models.RoleUser)
	if resp := f.do(t, http.MethodGet, "/api/v1/escrows/"+e.Id, stranger, nil); resp.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for stranger, got %d", resp.Code)
	}
	seller := f.token(t, "seller", models.RoleUser)
	if resp := f.do(t, http.MethodPost, "/api/v1/escrows/"+e.Id+"/confirm", seller, nil); resp.Code != http.StatusForbidden {
		t.Errorf("Expected 403 when seller confirms, got %d", resp.Code)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/escrows/"+e.Id+"/confirm", buyer, map[string]any{"rating": 5, "review": "fast"})
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 from confirm, got %d: %s", resp.Code, resp.Message)
	}
	if b := f.balance(t, "seller"); !b.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Expected seller balance 10000, got %s", b)
	}

	admin := f.token(t, "admin1", models.RoleAdmin)
	resp = f.do(t, http.MethodPost, "/api/v1/admin/escrows/"+e.Id+"/refund", admin, map[string]any{"reason": "late"})
	if resp.Code != http.StatusConflict {
		t.Errorf("Expected 409 refunding a released escrow, got %d", resp.Code)
	}
}

func TestAdminCommands(t *testing.T) {
	f := setupServer(t)
	admin := f.token(t, "admin1", models.RoleAdmin)

	resp := f.do(t, http.MethodPost, "/api/v1/admin/commands/verify-user", admin, map[string]any{"user_id": "user1"})
	if resp.Code != http.StatusOK || resp.Message != "user verified" {
		t.Errorf("Expected user verified, got %d %q", resp.Code, resp.Message)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/admin/commands/verify-user", admin, map[string]any{"user_id": "user1"})
	if resp.Message != "user already verified" {
		t.Errorf("Expected already verified, got %q", resp.Message)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/admin/commands/grant-badge", admin, map[string]any{"user_id": "user1", "badge": "Top_Seller"})
	if resp.Code != http.StatusOK || resp.Message != "badge granted" {
		t.Errorf("Expected badge granted, got %d %q", resp.Code, resp.Message)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/admin/commands/grant-badge", admin, map[string]any{"user_id": "user1", "badge": "!"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad badge, got %d", resp.Code)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/admin/commands/reconcile-withdrawal", admin, map[string]any{"reference": "WDR_MISSING"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown withdrawal, got %d", resp.Code)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/admin/commands/reconcile-withdrawal", admin, nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without reference, got %d", resp.Code)
	}

	if resp := f.do(t, http.MethodGet, "/api/v1/admin/wallets/missing/audit", admin, nil); resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 auditing a missing wallet, got %d", resp.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{store.ErrInvalidAmount, http.StatusBadRequest},
		{store.ErrInvalidDestination, http.StatusBadRequest},
		{store.ErrInvalidSignature, http.StatusUnauthorized},
		{store.ErrKYCRequired, http.StatusForbidden},
		{store.ErrForbidden, http.StatusForbidden},
		{store.ErrNotFound, http.StatusNotFound},
		{store.ErrAlreadyFinalized, http.StatusConflict},
		{store.ErrDuplicateReference, http.StatusConflict},
		{store.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{store.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{gateway.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		wrapped := fmt.Errorf("context: %w", tt.err)
		if got := statusFor(wrapped); got != tt.code {
			t.Errorf("Expected %d for %v, got %d", tt.code, tt.err, got)
		}
	}
}
