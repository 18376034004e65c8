/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the gateway cannot process the request right now,
	// for example because the payout float is too low for an instant transfer.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected means the gateway refused the request outright.
	ErrRejected = errors.New("gateway rejected request")
	// ErrInvalidSignature means a webhook did not carry a valid signature.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// EventKind distinguishes inbound collections from outbound payouts
type EventKind string

const (
	EventKindCharge   EventKind = "charge"
	EventKindTransfer EventKind = "transfer"
)

// Event is a normalized gateway notification, from a webhook or a status poll
type Event struct {
	Reference  string
	Kind       EventKind
	Outcome    models.GatewayOutcome
	Status     string
	Amount     decimal.Decimal
	Currency   string
	OccurredAt time.Time
	Raw        json.RawMessage
	// Metadata is the provider-shaped patch to merge into the transaction
	Metadata models.Metadata
}

// DepositRequest asks the gateway for a hosted checkout
type DepositRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	Currency    string
	CallbackURL string
}

// Checkout is the hosted payment page returned for a deposit
type Checkout struct {
	AuthorizationURL string
	Metadata         models.Metadata
}

// TransferRequest is an outbound bank payout
type TransferRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Destination models.BankDestination
	Narration   string
}

// Transfer is the gateway's acknowledgement of a payout
type Transfer struct {
	Reference string
	Outcome   models.GatewayOutcome
	Status    string
	Metadata  models.Metadata
}

// Provider is one external payment gateway
type Provider interface {
	Name() models.Provider
	VerifySignature(body []byte, headers http.Header) error
	ParseEvent(body []byte) (*Event, error)
	InitializeDeposit(ctx context.Context, req DepositRequest) (*Checkout, error)
	CanTransferInstantly(ctx context.Context, currency string, amount decimal.Decimal) (bool, error)
	InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	FetchTransferStatus(ctx context.Context, reference string) (*Event, error)
}

// Registry resolves providers by name
type Registry struct {
	providers map[models.Provider]Provider
	fallback  models.Provider
}

func NewRegistry(fallback models.Provider, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[models.Provider]Provider), fallback: fallback}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider, or the default one when name is empty.
func (r *Registry) Get(name models.Provider) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown payment provider %q", name)
	}
	return p, nil
}

// Default returns the provider used when a request names none.
func (r *Registry) Default() (Provider, error) {
	return r.Get("")
}

// Names lists the registered providers.
func (r *Registry) Names() []models.Provider {
	names := make([]models.Provider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
