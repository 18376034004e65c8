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

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies the gateway whose shape a Metadata value carries
type Provider string

const (
	ProviderInternal    Provider = "internal"
	ProviderPaystack    Provider = "paystack"
	ProviderFlutterwave Provider = "flutterwave"
)

// Metadata is the audit trail attached to a transaction. It is a tagged
// variant: Provider selects which of the provider shapes may be populated.
type Metadata struct {
	Provider Provider `json:"provider"`

	Paystack    *PaystackMetadata    `json:"paystack,omitempty"`
	Flutterwave *FlutterwaveMetadata `json:"flutterwave,omitempty"`

	Destination    *BankDestination `json:"destination,omitempty"`
	Narration      string           `json:"narration,omitempty"`
	Description    string           `json:"description,omitempty"`
	Manual         *ManualReview    `json:"manual,omitempty"`
	Reconciliation *Reconciliation  `json:"reconciliation,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// PaystackMetadata is the Paystack-specific audit state
type PaystackMetadata struct {
	TransferCode     string          `json:"transfer_code,omitempty"`
	RecipientCode    string          `json:"recipient_code,omitempty"`
	AccessCode       string          `json:"access_code,omitempty"`
	AuthorizationURL string          `json:"authorization_url,omitempty"`
	Status           string          `json:"status,omitempty"`
	GatewayResponse  string          `json:"gateway_response,omitempty"`
	RawEvent         json.RawMessage `json:"raw_event,omitempty"`
}

// FlutterwaveMetadata is the Flutterwave-specific audit state
type FlutterwaveMetadata struct {
	TransferId      int64           `json:"transfer_id,omitempty"`
	FlwRef          string          `json:"flw_ref,omitempty"`
	PaymentLink     string          `json:"payment_link,omitempty"`
	Status          string          `json:"status,omitempty"`
	CompleteMessage string          `json:"complete_message,omitempty"`
	RawEvent        json.RawMessage `json:"raw_event,omitempty"`
}

// BankDestination is the payout target for a withdrawal
type BankDestination struct {
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
}

// Complete reports whether every destination field is present
func (d *BankDestination) Complete() bool {
	return d != nil && d.BankCode != "" && d.AccountNumber != "" && d.AccountName != ""
}

// ManualReview tracks the admin approval of a manual withdrawal
type ManualReview struct {
	RequiresApproval bool       `json:"requires_approval"`
	Reason           string     `json:"reason,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	RejectedBy       string     `json:"rejected_by,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
	Note             string     `json:"note,omitempty"`
}

// Reconciliation records a correction made by the reconciler
type Reconciliation struct {
	ReconciledAt  time.Time `json:"reconciled_at"`
	Reason        string    `json:"reason"`
	GatewayStatus string    `json:"gateway_status,omitempty"`
}

// Validate checks that only the shape matching the tag is populated
func (m *Metadata) Validate() error {
	switch m.Provider {
	case ProviderInternal:
		if m.Paystack != nil || m.Flutterwave != nil {
			return fmt.Errorf("internal metadata cannot carry gateway fields")
		}
	case ProviderPaystack:
		if m.Flutterwave != nil {
			return fmt.Errorf("paystack metadata cannot carry flutterwave fields")
		}
	case ProviderFlutterwave:
		if m.Paystack != nil {
			return fmt.Errorf("flutterwave metadata cannot carry paystack fields")
		}
	default:
		return fmt.Errorf("unknown metadata provider %q", m.Provider)
	}
	return nil
}

// GatewayStatus returns the raw status string last reported by the gateway
func (m *Metadata) GatewayStatus() string {
	switch {
	case m.Paystack != nil:
		return m.Paystack.Status
	case m.Flutterwave != nil:
		return m.Flutterwave.Status
	}
	return ""
}

// Merge applies a patch on top of m. Non-empty patch fields win; a patch
// carrying a different provider tag is rejected.
func (m *Metadata) Merge(patch *Metadata) error {
	if patch == nil {
		return nil
	}
	if patch.Provider != "" && m.Provider != "" && patch.Provider != m.Provider {
		return fmt.Errorf("cannot merge %s metadata into %s metadata", patch.Provider, m.Provider)
	}
	if m.Provider == "" {
		m.Provider = patch.Provider
	}

	if patch.Paystack != nil {
		if m.Paystack == nil {
			m.Paystack = &PaystackMetadata{}
		}
		mergePaystack(m.Paystack, patch.Paystack)
	}
	if patch.Flutterwave != nil {
		if m.Flutterwave == nil {
			m.Flutterwave = &FlutterwaveMetadata{}
		}
		mergeFlutterwave(m.Flutterwave, patch.Flutterwave)
	}
	if patch.Destination != nil {
		m.Destination = patch.Destination
	}
	if patch.Narration != "" {
		m.Narration = patch.Narration
	}
	if patch.Description != "" {
		m.Description = patch.Description
	}
	if patch.Manual != nil {
		m.Manual = patch.Manual
	}
	if patch.Reconciliation != nil {
		m.Reconciliation = patch.Reconciliation
	}
	if patch.FailureReason != "" {
		m.FailureReason = patch.FailureReason
	}
	return m.Validate()
}

func mergePaystack(dst, src *PaystackMetadata) {
	if src.TransferCode != "" {
		dst.TransferCode = src.TransferCode
	}
	if src.RecipientCode != "" {
		dst.RecipientCode = src.RecipientCode
	}
	if src.AccessCode != "" {
		dst.AccessCode = src.AccessCode
	}
	if src.AuthorizationURL != "" {
		dst.AuthorizationURL = src.AuthorizationURL
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.GatewayResponse != "" {
		dst.GatewayResponse = src.GatewayResponse
	}
	if len(src.RawEvent) > 0 {
		dst.RawEvent = src.RawEvent
	}
}

func mergeFlutterwave(dst, src *FlutterwaveMetadata) {
	if src.TransferId != 0 {
		dst.TransferId = src.TransferId
	}
	if src.FlwRef != "" {
		dst.FlwRef = src.FlwRef
	}
	if src.PaymentLink != "" {
		dst.PaymentLink = src.PaymentLink
	}
	if src.Status != "" {
		dst.Status = src.Status
	}
	if src.CompleteMessage != "" {
		dst.CompleteMessage = src.CompleteMessage
	}
	if len(src.RawEvent) > 0 {
		dst.RawEvent = src.RawEvent
	}
}
