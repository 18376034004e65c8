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

package wallet

import (
	"context"
	"fmt"
	"strings"

	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Movement tells Credit and Debit which cumulative totals to maintain
type Movement int

const (
	// MovementTransfer touches only the balance (escrow, fees, refunds)
	MovementTransfer Movement = iota
	// MovementDeposit also raises total_deposited
	MovementDeposit
	// MovementWithdrawal also raises total_withdrawn
	MovementWithdrawal
	// MovementWithdrawalReversal also lowers total_withdrawn
	MovementWithdrawalReversal
)

func (m Movement) String() string {
	switch m {
	case MovementDeposit:
		return "deposit"
	case MovementWithdrawal:
		return "withdrawal"
	case MovementWithdrawalReversal:
		return "withdrawal_reversal"
	default:
		return "transfer"
	}
}

// Service is the only writer of wallet balances. Credit and Debit run inside
// a caller's unit of work so the balance change commits together with the
// transaction rows that justify it.
type Service struct {
	store store.LedgerStore
}

func NewService(s store.LedgerStore) *Service {
	return &Service{store: s}
}

// Credit adds amount to the wallet locked inside tx.
func (s *Service) Credit(ctx context.Context, tx store.Tx, walletId string, amount decimal.Decimal, movement Movement) (*models.Wallet, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit of %s: %w", amount, store.ErrInvalidAmount)
	}

	w, err := tx.GetWalletByIdForUpdate(ctx, walletId)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet %s: %w", walletId, err)
	}

	w.Balance = w.Balance.Add(amount)
	switch movement {
	case MovementDeposit:
		w.TotalDeposited = w.TotalDeposited.Add(amount)
	case MovementWithdrawalReversal:
		w.TotalWithdrawn = decimal.Max(w.TotalWithdrawn.Sub(amount), decimal.Zero)
	}

	if err := tx.UpdateWallet(ctx, w); err != nil {
		return nil, err
	}

	zap.L().Debug("Wallet credited",
		zap.String("wallet_id", walletId),
		zap.String("amount", amount.String()),
		zap.String("movement", movement.String()),
		zap.String("new_balance", w.Balance.String()))
	return w, nil
}

// Debit removes amount from the wallet locked inside tx. The balance check
// and the decrement see the same locked row.
func (s *Service) Debit(ctx context.Context, tx store.Tx, walletId string, amount decimal.Decimal, movement Movement) (*models.Wallet, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("debit of %s: %w", amount, store.ErrInvalidAmount)
	}

	w, err := tx.GetWalletByIdForUpdate(ctx, walletId)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet %s: %w", walletId, err)
	}

	if w.Balance.LessThan(amount) {
		zap.L().Info("Debit rejected for insufficient balance",
			zap.String("wallet_id", walletId),
			zap.String("balance", w.Balance.String()),
			zap.String("amount", amount.String()))
		return nil, fmt.Errorf("balance %s below %s: %w", w.Balance, amount, store.ErrInsufficientBalance)
	}

	w.Balance = w.Balance.Sub(amount)
	if movement == MovementWithdrawal {
		w.TotalWithdrawn = w.TotalWithdrawn.Add(amount)
	}

	if err := tx.UpdateWallet(ctx, w); err != nil {
		return nil, err
	}

	zap.L().Debug("Wallet debited",
		zap.String("wallet_id", walletId),
		zap.String("amount", amount.String()),
		zap.String("movement", movement.String()),
		zap.String("new_balance", w.Balance.String()))
	return w, nil
}

// Post inserts a transaction row and, when it is posted, moves the owning
// wallet in the row's direction by its net amount.
func (s *Service) Post(ctx context.Context, tx store.Tx, params store.InsertTransactionParams, movement Movement) (*models.Transaction, error) {
	if params.Posted {
		var err error
		if params.Direction == models.DirectionCredit {
			_, err = s.Credit(ctx, tx, params.WalletId, params.NetAmount, movement)
		} else {
			_, err = s.Debit(ctx, tx, params.WalletId, params.NetAmount, movement)
		}
		if err != nil {
			return nil, err
		}
	}
	return tx.InsertTransaction(ctx, params)
}

// EnsureWallet returns the user's wallet in currency, creating it if needed.
func (s *Service) EnsureWallet(ctx context.Context, tx store.Tx, userId, currency string) (*models.Wallet, error) {
	w, err := tx.CreateWallet(ctx, userId, strings.ToUpper(currency))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure %s wallet for %s: %w", currency, userId, err)
	}
	return w, nil
}

// EnsureWallets creates the user's wallets for currencies. It is safe to
// call repeatedly.
func (s *Service) EnsureWallets(ctx context.Context, userId string, currencies ...string) ([]models.Wallet, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	var wallets []models.Wallet
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		wallets = wallets[:0]
		for _, currency := range currencies {
			w, err := s.EnsureWallet(ctx, tx, userId, currency)
			if err != nil {
				return err
			}
			wallets = append(wallets, *w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Wallets ensured",
		zap.String("user_id", userId),
		zap.Strings("currencies", currencies))
	return wallets, nil
}

// Balances lists the user's wallets.
func (s *Service) Balances(ctx context.Context, userId string) ([]models.WalletBalance, error) {
	wallets, err := s.store.ListWallets(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	balances := make([]models.WalletBalance, 0, len(wallets))
	for _, w := range wallets {
		balances = append(balances, models.WalletBalance{
			WalletId:       w.Id,
			Currency:       w.Currency,
			Balance:        w.Balance,
			TotalDeposited: w.TotalDeposited,
			TotalWithdrawn: w.TotalWithdrawn,
		})
	}
	return balances, nil
}

// Audit compares the stored balance with the posted transaction history.
func (s *Service) Audit(ctx context.Context, walletId string) (*models.BalanceAudit, error) {
	return s.store.ReconcileWalletBalance(ctx, walletId)
}
