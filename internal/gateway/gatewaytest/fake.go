// Package gatewaytest provides an in-memory gateway.Provider for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the shared secret on fake webhooks
const SignatureHeader = "X-Fake-Signature"

// Fake records calls and returns canned results. It reports itself as
// Paystack so metadata patches pass validation.
type Fake struct {
	mu sync.Mutex

	Secret string

	Instant     bool
	InstantErr  error
	TransferErr error
	// TransferOutcome is returned for accepted transfers; pending by default
	TransferOutcome models.GatewayOutcome
	DepositErr      error
	// Statuses answers FetchTransferStatus by reference
	Statuses map[string]*gateway.Event

	Transfers      []gateway.TransferRequest
	Deposits       []gateway.DepositRequest
	InstantChecks  int
	StatusRequests []string
}

func New() *Fake {
	return &Fake{Secret: "test-secret", Instant: true, Statuses: make(map[string]*gateway.Event)}
}

func (f *Fake) Name() models.Provider {
	return models.ProviderPaystack
}

func (f *Fake) VerifySignature(_ []byte, headers http.Header) error {
	if headers.Get(SignatureHeader) != f.Secret {
		return gateway.ErrInvalidSignature
	}
	return nil
}

// Payload is the wire form of a fake webhook
type Payload struct {
	Reference string                `json:"reference"`
	Kind      gateway.EventKind     `json:"kind"`
	Outcome   models.GatewayOutcome `json:"outcome"`
	Status    string                `json:"status"`
	Amount    decimal.Decimal       `json:"amount"`
	Currency  string                `json:"currency"`
}

// Body encodes a fake webhook body.
func Body(p Payload) []byte {
	b, _ := json.Marshal(p)
	return b
}

func (f *Fake) ParseEvent(body []byte) (*gateway.Event, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("failed to decode fake event: %w", err)
	}
	if p.Reference == "" {
		return nil, fmt.Errorf("%w: no reference", gateway.ErrUnsupportedEvent)
	}
	return Event(p, body), nil
}

// Event builds the normalized event for p.
func Event(p Payload, raw []byte) *gateway.Event {
	if raw == nil {
		raw = Body(p)
	}
	return &gateway.Event{
		Reference:  p.Reference,
		Kind:       p.Kind,
		Outcome:    p.Outcome,
		Status:     p.Status,
		Amount:     p.Amount,
		Currency:   p.Currency,
		OccurredAt: time.Now().UTC(),
		Raw:        raw,
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{Status: p.Status, RawEvent: raw},
		},
	}
}

func (f *Fake) InitializeDeposit(_ context.Context, req gateway.DepositRequest) (*gateway.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deposits = append(f.Deposits, req)
	if f.DepositErr != nil {
		return nil, f.DepositErr
	}
	link := "https://checkout.test/" + req.Reference
	return &gateway.Checkout{
		AuthorizationURL: link,
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{AuthorizationURL: link, AccessCode: "ac_" + req.Reference},
		},
	}, nil
}

func (f *Fake) CanTransferInstantly(_ context.Context, _ string, _ decimal.Decimal) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InstantChecks++
	return f.Instant, f.InstantErr
}

func (f *Fake) InitiateTransfer(_ context.Context, req gateway.TransferRequest) (*gateway.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Transfers = append(f.Transfers, req)
	if f.TransferErr != nil {
		return nil, f.TransferErr
	}
	outcome := f.TransferOutcome
	if outcome == models.GatewayOutcomeNone {
		outcome = models.GatewayOutcomePending
	}
	return &gateway.Transfer{
		Reference: req.Reference,
		Outcome:   outcome,
		Status:    string(outcome),
		Metadata: models.Metadata{
			Provider: models.ProviderPaystack,
			Paystack: &models.PaystackMetadata{TransferCode: "TRF_" + req.Reference, Status: string(outcome)},
		},
	}, nil
}

func (f *Fake) FetchTransferStatus(_ context.Context, reference string) (*gateway.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StatusRequests = append(f.StatusRequests, reference)
	if e, ok := f.Statuses[reference]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no status for %s", reference)
}

// TransferCount returns how many transfers were initiated.
func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}
