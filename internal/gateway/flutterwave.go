package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const flutterwaveSignatureHeader = "verif-hash"

// Flutterwave talks to the v3 API. Amounts are major units.
type Flutterwave struct {
	rest        restClient
	webhookHash string
	now         func() time.Time
}

func NewFlutterwave(secretKey, webhookHash, baseURL string, timeout time.Duration) (*Flutterwave, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("flutterwave secret key cannot be empty")
	}
	if webhookHash == "" {
		return nil, fmt.Errorf("flutterwave webhook hash cannot be empty")
	}
	httpClient, err := newHTTPClient(timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create flutterwave http client: %w", err)
	}
	return &Flutterwave{
		rest: restClient{
			provider:   string(models.ProviderFlutterwave),
			baseURL:    strings.TrimRight(baseURL, "/") + "/v3",
			secretKey:  secretKey,
			httpClient: httpClient,
		},
		webhookHash: webhookHash,
		now:         time.Now,
	}, nil
}

func (f *Flutterwave) Name() models.Provider {
	return models.ProviderFlutterwave
}

// VerifySignature compares the verif-hash header with the configured secret
// hash in constant time.
func (f *Flutterwave) VerifySignature(_ []byte, headers http.Header) error {
	got := headers.Get(flutterwaveSignatureHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(f.webhookHash)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

type flutterwaveEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type flutterwaveEventData struct {
	Id              int64           `json:"id"`
	TxRef           string          `json:"tx_ref"`
	Reference       string          `json:"reference"`
	FlwRef          string          `json:"flw_ref"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          string          `json:"status"`
	CompleteMessage string          `json:"complete_message"`
	CreatedAt       *time.Time      `json:"created_at"`
}

func (d flutterwaveEventData) reference() string {
	if d.TxRef != "" {
		return d.TxRef
	}
	return d.Reference
}

func (f *Flutterwave) ParseEvent(body []byte) (*Event, error) {
	var payload struct {
		Event string               `json:"event"`
		Data  flutterwaveEventData `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode flutterwave event: %w", err)
	}

	var kind EventKind
	switch payload.Event {
	case "charge.completed":
		kind = EventKindCharge
	case "transfer.completed":
		kind = EventKindTransfer
	default:
		return nil, fmt.Errorf("%w: flutterwave %s", ErrUnsupportedEvent, payload.Event)
	}

	if payload.Data.reference() == "" {
		return nil, fmt.Errorf("flutterwave %s event has no reference", payload.Event)
	}
	return f.eventFromData(kind, payload.Data, json.RawMessage(body)), nil
}

func (f *Flutterwave) eventFromData(kind EventKind, data flutterwaveEventData, raw json.RawMessage) *Event {
	occurredAt := f.now().UTC()
	if data.CreatedAt != nil {
		occurredAt = data.CreatedAt.UTC()
	}

	return &Event{
		Reference:  data.reference(),
		Kind:       kind,
		Outcome:    flutterwaveOutcome(data.Status),
		Status:     data.Status,
		Amount:     data.Amount,
		Currency:   strings.ToUpper(data.Currency),
		OccurredAt: occurredAt,
		Raw:        raw,
		Metadata: models.Metadata{
			Provider: models.ProviderFlutterwave,
			Flutterwave: &models.FlutterwaveMetadata{
				TransferId:      data.Id,
				FlwRef:          data.FlwRef,
				Status:          data.Status,
				CompleteMessage: data.CompleteMessage,
				RawEvent:        raw,
			},
		},
	}
}

func flutterwaveOutcome(status string) models.GatewayOutcome {
	switch strings.ToLower(status) {
	case "successful", "success":
		return models.GatewayOutcomeSucceeded
	case "failed", "cancelled":
		return models.GatewayOutcomeFailed
	case "":
		return models.GatewayOutcomeNone
	}
	return models.GatewayOutcomePending
}

func (f *Flutterwave) InitializeDeposit(ctx context.Context, req DepositRequest) (*Checkout, error) {
	body := map[string]any{
		"tx_ref":       req.Reference,
		"amount":       req.Amount.String(),
		"currency":     req.Currency,
		"redirect_url": req.CallbackURL,
		"customer":     map[string]string{"email": req.Email},
	}

	var resp flutterwaveEnvelope[struct {
		Link string `json:"link"`
	}]
	if err := f.rest.do(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, fmt.Errorf("unable to initialize flutterwave payment: %w", err)
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("flutterwave payment init failed: %s: %w", resp.Message, ErrRejected)
	}

	return &Checkout{
		AuthorizationURL: resp.Data.Link,
		Metadata: models.Metadata{
			Provider:    models.ProviderFlutterwave,
			Flutterwave: &models.FlutterwaveMetadata{PaymentLink: resp.Data.Link},
		},
	}, nil
}

// CanTransferInstantly reports whether the available payout balance covers amount.
func (f *Flutterwave) CanTransferInstantly(ctx context.Context, currency string, amount decimal.Decimal) (bool, error) {
	var resp flutterwaveEnvelope[struct {
		Currency         string          `json:"currency"`
		AvailableBalance decimal.Decimal `json:"available_balance"`
	}]
	if err := f.rest.do(ctx, http.MethodGet, "/balances/"+url.PathEscape(strings.ToUpper(currency)), nil, &resp); err != nil {
		return false, fmt.Errorf("unable to fetch flutterwave balance: %w", err)
	}
	return resp.Data.AvailableBalance.GreaterThanOrEqual(amount), nil
}

func (f *Flutterwave) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if !req.Destination.Complete() {
		return nil, fmt.Errorf("incomplete transfer destination: %w", ErrRejected)
	}

	body := map[string]any{
		"account_bank":     req.Destination.BankCode,
		"account_number":   req.Destination.AccountNumber,
		"beneficiary_name": req.Destination.AccountName,
		"amount":           req.Amount.String(),
		"currency":         req.Currency,
		"narration":        req.Narration,
		"reference":        req.Reference,
	}

	var resp flutterwaveEnvelope[flutterwaveEventData]
	if err := f.rest.do(ctx, http.MethodPost, "/transfers", body, &resp); err != nil {
		return nil, fmt.Errorf("unable to initiate flutterwave transfer: %w", err)
	}

	zap.L().Info("Flutterwave transfer initiated",
		zap.String("reference", req.Reference),
		zap.Int64("transfer_id", resp.Data.Id),
		zap.String("status", resp.Data.Status))

	outcome := flutterwaveOutcome(resp.Data.Status)
	if outcome == models.GatewayOutcomeFailed {
		return nil, fmt.Errorf("flutterwave transfer %s: %s: %w", req.Reference, resp.Data.CompleteMessage, ErrRejected)
	}

	return &Transfer{
		Reference: req.Reference,
		Outcome:   outcome,
		Status:    resp.Data.Status,
		Metadata: models.Metadata{
			Provider: models.ProviderFlutterwave,
			Flutterwave: &models.FlutterwaveMetadata{
				TransferId: resp.Data.Id,
				Status:     resp.Data.Status,
			},
		},
	}, nil
}

func (f *Flutterwave) FetchTransferStatus(ctx context.Context, reference string) (*Event, error) {
	var resp flutterwaveEnvelope[[]flutterwaveEventData]
	if err := f.rest.do(ctx, http.MethodGet, "/transfers?reference="+url.QueryEscape(reference), nil, &resp); err != nil {
		return nil, fmt.Errorf("unable to fetch flutterwave transfer %s: %w", reference, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("flutterwave transfer %s not found", reference)
	}

	data := resp.Data[0]
	if data.reference() == "" {
		data.Reference = reference
	}
	raw, _ := json.Marshal(data)
	return f.eventFromData(EventKindTransfer, data, raw), nil
}
