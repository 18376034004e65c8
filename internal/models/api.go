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
	"github.com/shopspring/decimal"
)

// WalletBalance is the user-facing view of one wallet
type WalletBalance struct {
	WalletId       string          `json:"wallet_id"`
	Currency       string          `json:"currency"`
	Balance        decimal.Decimal `json:"balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
}

// DepositResult is returned when a deposit is initiated
type DepositResult struct {
	Reference        string            `json:"reference"`
	Status           TransactionStatus `json:"status"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Provider         Provider          `json:"provider"`
	AuthorizationURL string            `json:"authorization_url,omitempty"`
}

// WithdrawalPath is the payout route chosen for a withdrawal
type WithdrawalPath string

const (
	WithdrawalPathInstant  WithdrawalPath = "instant"
	WithdrawalPathManual   WithdrawalPath = "manual"
	WithdrawalPathRejected WithdrawalPath = "rejected"
)

// WithdrawalResult is returned when a withdrawal is initiated or decided
type WithdrawalResult struct {
	Reference           string            `json:"reference"`
	Status              TransactionStatus `json:"status"`
	Path                WithdrawalPath    `json:"path"`
	Amount              decimal.Decimal   `json:"amount"`
	Fee                 decimal.Decimal   `json:"fee"`
	NetAmount           decimal.Decimal   `json:"net_amount"`
	Currency            string            `json:"currency"`
	EstimatedCompletion string            `json:"estimated_completion"`
}

// BalanceAudit compares a stored wallet balance with the sum of its posted transactions
type BalanceAudit struct {
	WalletId        string          `json:"wallet_id"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ComputedBalance decimal.Decimal `json:"computed_balance"`
	Transactions    int             `json:"transactions"`
}

// Balanced reports whether the stored balance matches the posted history
func (a *BalanceAudit) Balanced() bool {
	return a.StoredBalance.Equal(a.ComputedBalance)
}

// Role is the authorization level carried in a bearer token
type Role string

const (
	RoleUser    Role = "user"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Actor is the caller on whose behalf an operation runs
type Actor struct {
	UserId string `json:"user_id"`
	Role   Role   `json:"role"`
}

// SystemActor is used by background jobs such as escrow auto-release
var SystemActor = Actor{UserId: "system", Role: RoleService}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func (a Actor) IsService() bool {
	return a.Role == RoleService
}
