package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const paystackSignatureHeader = "x-paystack-signature"

// ErrUnsupportedEvent marks a well-formed webhook the ledger does not act on.
var ErrUnsupportedEvent = errors.New("unsupported gateway event")

// Paystack amounts are integers in the currency subunit (kobo for NGN).
const paystackSubunitExp = 2

type Paystack struct {
	rest      restClient
	secretKey string
	now       func() time.Time
}

func NewPaystack(secretKey, baseURL string, timeout time.Duration) (*Paystack, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("paystack secret key cannot be empty")
	}
	httpClient, err := newHTTPClient(timeout)
	if err != nil {
		return nil, fmt.Errorf("unable to create paystack http client: %w", err)
	}
	return &Paystack{
		rest: restClient{
			provider:   string(models.ProviderPaystack),
			baseURL:    strings.TrimRight(baseURL, "/"),
			secretKey:  secretKey,
			httpClient: httpClient,
		},
		secretKey: secretKey,
		now:       time.Now,
	}, nil
}

func (p *Paystack) Name() models.Provider {
	return models.ProviderPaystack
}

// VerifySignature checks the HMAC-SHA512 of the raw body, keyed with the
// secret key, against the x-paystack-signature header.
func (p *Paystack) VerifySignature(body []byte, headers http.Header) error {
	signature := headers.Get(paystackSignatureHeader)
	if signature == "" {
		return ErrInvalidSignature
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha512.New, []byte(p.secretKey))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), expected) {
		return ErrInvalidSignature
	}
	return nil
}

// SignPaystackPayload returns the signature Paystack would send for body.
func SignPaystackPayload(secretKey string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type paystackEnvelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type paystackEventData struct {
	Reference       string     `json:"reference"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	GatewayResponse string     `json:"gateway_response"`
	TransferCode    string     `json:"transfer_code"`
	Reason          string     `json:"reason"`
	PaidAt          *time.Time `json:"paid_at"`
	UpdatedAt       *time.Time `json:"updated_at"`
}

func (p *Paystack) ParseEvent(body []byte) (*Event, error) {
	var payload struct {
		Event string            `json:"event"`
		Data  paystackEventData `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode paystack event: %w", err)
	}

	var kind EventKind
	var outcome models.GatewayOutcome
	switch payload.Event {
	case "charge.success":
		kind, outcome = EventKindCharge, models.GatewayOutcomeSucceeded
	case "charge.failed":
		kind, outcome = EventKindCharge, models.GatewayOutcomeFailed
	case "transfer.success":
		kind, outcome = EventKindTransfer, models.GatewayOutcomeSucceeded
	case "transfer.failed", "transfer.reversed":
		kind, outcome = EventKindTransfer, models.GatewayOutcomeFailed
	default:
		return nil, fmt.Errorf("%w: paystack %s", ErrUnsupportedEvent, payload.Event)
	}

	if payload.Data.Reference == "" {
		return nil, fmt.Errorf("paystack %s event has no reference", payload.Event)
	}

	event := p.eventFromData(kind, payload.Data, json.RawMessage(body))
	event.Outcome = outcome
	return event, nil
}

func (p *Paystack) eventFromData(kind EventKind, data paystackEventData, raw json.RawMessage) *Event {
	occurredAt := p.now().UTC()
	switch {
	case data.PaidAt != nil:
		occurredAt = data.PaidAt.UTC()
	case data.UpdatedAt != nil:
		occurredAt = data.UpdatedAt.UTC()
	}

	gatewayResponse := data.GatewayResponse
	if gatewayResponse == "" {
		gatewayResponse = data.Reason
	}

	return &Event{
		Reference:  data.Reference,
		Kind:       kind,
		Outcome:    paystackOutcome(data.Status),
		Status:     data.Status,
		Amount:     decimal.New(data.Amount, -paystackSubunitExp),
		Currency:   strings.ToUpper(data.Currency),
		OccurredAt: occurredAt,
		Raw:        raw,
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{
				TransferCode:    data.TransferCode,
				Status:          data.Status,
				GatewayResponse: gatewayResponse,
				RawEvent:        raw,
			},
		},
	}
}

func paystackOutcome(status string) models.GatewayOutcome {
	switch strings.ToLower(status) {
	case "success":
		return models.GatewayOutcomeSucceeded
	case "failed", "reversed", "abandoned":
		return models.GatewayOutcomeFailed
	case "":
		return models.GatewayOutcomeNone
	}
	return models.GatewayOutcomePending
}

func toSubunit(amount decimal.Decimal) int64 {
	return amount.Shift(paystackSubunitExp).Round(0).IntPart()
}

func (p *Paystack) InitializeDeposit(ctx context.Context, req DepositRequest) (*Checkout, error) {
	body := map[string]any{
		"email":        req.Email,
		"amount":       toSubunit(req.Amount),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": req.CallbackURL,
	}

	var resp paystackEnvelope[struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
	}]
	if err := p.rest.do(ctx, http.MethodPost, "/transaction/initialize", body, &resp); err != nil {
		return nil, fmt.Errorf("unable to initialize paystack transaction: %w", err)
	}
	if !resp.Status {
		return nil, fmt.Errorf("paystack initialize failed: %s: %w", resp.Message, ErrRejected)
	}

	return &Checkout{
		AuthorizationURL: resp.Data.AuthorizationURL,
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{
				AccessCode:       resp.Data.AccessCode,
				AuthorizationURL: resp.Data.AuthorizationURL,
			},
		},
	}, nil
}

// CanTransferInstantly reports whether the Paystack payout balance covers amount.
func (p *Paystack) CanTransferInstantly(ctx context.Context, currency string, amount decimal.Decimal) (bool, error) {
	var resp paystackEnvelope[[]struct {
		Currency string `json:"currency"`
		Balance  int64  `json:"balance"`
	}]
	if err := p.rest.do(ctx, http.MethodGet, "/balance", nil, &resp); err != nil {
		return false, fmt.Errorf("unable to fetch paystack balance: %w", err)
	}

	for _, b := range resp.Data {
		if strings.EqualFold(b.Currency, currency) {
			return b.Balance >= toSubunit(amount), nil
		}
	}
	return false, nil
}

func (p *Paystack) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if !req.Destination.Complete() {
		return nil, fmt.Errorf("incomplete transfer destination: %w", ErrRejected)
	}

	var recipient paystackEnvelope[struct {
		RecipientCode string `json:"recipient_code"`
	}]
	recipientBody := map[string]any{
		"type":           "nuban",
		"name":           req.Destination.AccountName,
		"account_number": req.Destination.AccountNumber,
		"bank_code":      req.Destination.BankCode,
		"currency":       req.Currency,
	}
	if err := p.rest.do(ctx, http.MethodPost, "/transferrecipient", recipientBody, &recipient); err != nil {
		return nil, fmt.Errorf("unable to create paystack recipient: %w", err)
	}

	var transfer paystackEnvelope[struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
		Reference    string `json:"reference"`
	}]
	transferBody := map[string]any{
		"source":    "balance",
		"amount":    toSubunit(req.Amount),
		"recipient": recipient.Data.RecipientCode,
		"reference": req.Reference,
		"reason":    req.Narration,
		"currency":  req.Currency,
	}
	if err := p.rest.do(ctx, http.MethodPost, "/transfer", transferBody, &transfer); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "balance") {
			apiErr.kind = ErrUnavailable
		}
		return nil, fmt.Errorf("unable to initiate paystack transfer: %w", err)
	}

	zap.L().Info("Paystack transfer initiated",
		zap.String("reference", req.Reference),
		zap.String("transfer_code", transfer.Data.TransferCode),
		zap.String("status", transfer.Data.Status))

	outcome := paystackOutcome(transfer.Data.Status)
	if outcome == models.GatewayOutcomeFailed {
		return nil, fmt.Errorf("paystack transfer %s: %s: %w", req.Reference, transfer.Data.Status, ErrRejected)
	}

	return &Transfer{
		Reference: req.Reference,
		Outcome:   outcome,
		Status:    transfer.Data.Status,
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{
				TransferCode:  transfer.Data.TransferCode,
				RecipientCode: recipient.Data.RecipientCode,
				Status:        transfer.Data.Status,
			},
		},
	}, nil
}

func (p *Paystack) FetchTransferStatus(ctx context.Context, reference string) (*Event, error) {
	var resp paystackEnvelope[paystackEventData]
	if err := p.rest.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &resp); err != nil {
		return nil, fmt.Errorf("unable to verify paystack transfer %s: %w", reference, err)
	}
	if resp.Data.Reference == "" {
		resp.Data.Reference = reference
	}

	raw, _ := json.Marshal(resp.Data)
	return p.eventFromData(EventKindTransfer, resp.Data, raw), nil
}
