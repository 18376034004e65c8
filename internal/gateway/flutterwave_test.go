package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

func TestFlutterwave_VerifySignature(t *testing.T) {
	f, err := NewFlutterwave("FLWSECK_test", "hash-123", "http://unused", time.Second)
	if err != nil {
		t.Fatalf("Failed to create flutterwave client: %v", err)
	}

	headers := http.Header{}
	headers.Set(flutterwaveSignatureHeader, "hash-123")
	if err := f.VerifySignature(nil, headers); err != nil {
		t.Errorf("Expected valid hash, got %v", err)
	}

	headers.Set(flutterwaveSignatureHeader, "hash-124")
	if err := f.VerifySignature(nil, headers); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature, got %v", err)
	}

	if err := f.VerifySignature(nil, http.Header{}); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestNewFlutterwave_RequiresSecrets(t *testing.T) {
	if _, err := NewFlutterwave("", "hash", "http://unused", time.Second); err == nil {
		t.Error("Expected error for empty secret key")
	}
	if _, err := NewFlutterwave("key", "", "http://unused", time.Second); err == nil {
		t.Error("Expected error for empty webhook hash")
	}
}

func TestFlutterwave_ParseEvent(t *testing.T) {
	f, _ := NewFlutterwave("FLWSECK_test", "hash", "http://unused", time.Second)

	body := `{"event":"transfer.completed","data":{"id":4242,"reference":"WDR_7","amount":39800,"currency":"NGN","status":"FAILED","complete_message":"DISBURSE FAILED: Insufficient funds"}}`
	event, err := f.ParseEvent([]byte(body))
	if err != nil {
		t.Fatalf("Failed to parse event: %v", err)
	}
	if event.Reference != "WDR_7" {
		t.Errorf("Expected reference WDR_7, got %s", event.Reference)
	}
	if event.Kind != EventKindTransfer {
		t.Errorf("Expected transfer kind, got %s", event.Kind)
	}
	if event.Outcome != models.GatewayOutcomeFailed {
		t.Errorf("Expected failed outcome, got %s", event.Outcome)
	}
	if event.Metadata.Flutterwave.TransferId != 4242 {
		t.Errorf("Expected transfer id 4242, got %d", event.Metadata.Flutterwave.TransferId)
	}

	charge := `{"event":"charge.completed","data":{"tx_ref":"DEP_3","flw_ref":"FLW-1","amount":"2500.50","currency":"NGN","status":"successful"}}`
	event, err = f.ParseEvent([]byte(charge))
	if err != nil {
		t.Fatalf("Failed to parse charge: %v", err)
	}
	if event.Reference != "DEP_3" || event.Outcome != models.GatewayOutcomeSucceeded {
		t.Errorf("Expected DEP_3 succeeded, got %s %s", event.Reference, event.Outcome)
	}
	if !event.Amount.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("Expected amount 2500.50, got %s", event.Amount)
	}

	if _, err := f.ParseEvent([]byte(`{"event":"subscription.cancelled","data":{}}`)); !errors.Is(err, ErrUnsupportedEvent) {
		t.Errorf("Expected ErrUnsupportedEvent, got %v", err)
	}
}

func TestFlutterwave_TransferAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v3/transfers":
			_, _ = w.Write([]byte(`{"status":"success","data":{"id":99,"reference":"WDR_1","status":"NEW"}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v3/transfers":
			if r.URL.Query().Get("reference") != "WDR_1" {
				_, _ = w.Write([]byte(`{"status":"success","data":[]}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"success","data":[{"id":99,"reference":"WDR_1","amount":39800,"currency":"NGN","status":"SUCCESSFUL"}]}`))
		case r.URL.Path == "/v3/balances/NGN":
			_, _ = w.Write([]byte(`{"status":"success","data":{"currency":"NGN","available_balance":10000}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	f, err := NewFlutterwave("FLWSECK_test", "hash", server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to create flutterwave client: %v", err)
	}
	ctx := context.Background()

	transfer, err := f.InitiateTransfer(ctx, TransferRequest{
		Reference:   "WDR_1",
		Amount:      decimal.NewFromInt(39800),
		Currency:    "NGN",
		Destination: models.BankDestination{BankCode: "044", AccountNumber: "0690000031", AccountName: "Ada"},
	})
	if err != nil {
		t.Fatalf("Failed to initiate transfer: %v", err)
	}
	if transfer.Outcome != models.GatewayOutcomePending {
		t.Errorf("Expected pending outcome for NEW, got %s", transfer.Outcome)
	}

	event, err := f.FetchTransferStatus(ctx, "WDR_1")
	if err != nil {
		t.Fatalf("Failed to fetch status: %v", err)
	}
	if event.Outcome != models.GatewayOutcomeSucceeded {
		t.Errorf("Expected succeeded, got %s", event.Outcome)
	}

	if _, err := f.FetchTransferStatus(ctx, "WDR_missing"); err == nil {
		t.Error("Expected error for unknown transfer")
	}

	ok, err := f.CanTransferInstantly(ctx, "ngn", decimal.NewFromInt(40000))
	if err != nil {
		t.Fatalf("Failed to check balance: %v", err)
	}
	if ok {
		t.Error("Expected 10,000 float not to cover 40,000")
	}
}

func TestRegistry(t *testing.T) {
	p, _ := NewPaystack("sk_test", "http://unused", time.Second)
	f, _ := NewFlutterwave("FLWSECK_test", "hash", "http://unused", time.Second)
	registry := NewRegistry(models.ProviderPaystack, p, f)

	def, err := registry.Default()
	if err != nil {
		t.Fatalf("Failed to get default provider: %v", err)
	}
	if def.Name() != models.ProviderPaystack {
		t.Errorf("Expected paystack default, got %s", def.Name())
	}

	got, err := registry.Get(models.ProviderFlutterwave)
	if err != nil || got.Name() != models.ProviderFlutterwave {
		t.Errorf("Expected flutterwave, got %v, %v", got, err)
	}

	if _, err := registry.Get("stripe"); err == nil {
		t.Error("Expected error for unknown provider")
	}

	if names := registry.Names(); len(names) != 2 {
		t.Errorf("Expected 2 providers, got %d", len(names))
	}
}
