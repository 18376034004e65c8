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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"marketplace-ledger-go/internal/common"
	"marketplace-ledger-go/internal/config"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"

	"go.uber.org/zap"
)

type reportStats struct {
	users      int
	wallets    int
	mismatched int
}

func printWallet(r *common.Report, w models.Wallet, audit *models.BalanceAudit, precision int32, isLast bool) {
	state := "ok"
	if !audit.Balanced() {
		state = "MISMATCH computed " + common.FormatAmount(audit.ComputedBalance, w.Currency, precision)
	}
	r.Item(isLast, "%-4s %24s  in %-20s out %-20s txns %-4d %s",
		w.Currency,
		common.FormatAmount(w.Balance, w.Currency, precision),
		w.TotalDeposited.StringFixed(precision),
		w.TotalWithdrawn.StringFixed(precision),
		audit.Transactions,
		state)
}

func processUser(ctx context.Context, r *common.Report, userId string, s store.LedgerStore, wallets *wallet.Service, currencies models.Currencies, stats *reportStats) error {
	list, err := s.ListWallets(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}
	stats.users++
	if len(list) == 0 {
		return nil
	}

	r.Section("User: %s (%d wallets)", userId, len(list))
	for i, w := range list {
		audit, err := wallets.Audit(ctx, w.Id)
		if err != nil {
			return fmt.Errorf("failed to audit wallet %s: %w", w.Id, err)
		}
		precision := int32(2)
		if cur, ok := currencies.Lookup(w.Currency); ok {
			precision = cur.Precision
		}
		printWallet(r, w, audit, precision, i == len(list)-1)

		stats.wallets++
		if !audit.Balanced() {
			stats.mismatched++
			zap.L().Error("Wallet balance does not match posted history",
				zap.String("wallet_id", w.Id),
				zap.String("stored", audit.StoredBalance.String()),
				zap.String("computed", audit.ComputedBalance.String()))
		}
	}
	return nil
}

func main() {
	usersFlag := flag.String("users", "", "Comma-separated user ids to report on (required)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	var userIds []string
	for _, id := range strings.Split(*usersFlag, ",") {
		if id = strings.TrimSpace(id); id != "" {
			userIds = append(userIds, id)
		}
	}
	if len(userIds) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	// Read-only: no gateways or notifier needed.
	s, err := common.InitializeStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer s.Close()

	currencies, err := config.LoadCurrencies(cfg.CurrencyFile)
	if err != nil {
		logger.Fatal("Failed to load currencies", zap.Error(err))
	}

	report := common.NewReport(os.Stdout)
	report.Header("WALLET BALANCE REPORT")

	stats := &reportStats{}
	wallets := wallet.NewService(s)
	for _, userId := range userIds {
		if err := processUser(ctx, report, userId, s, wallets, currencies, stats); err != nil {
			logger.Error("Failed to process user", zap.String("user_id", userId), zap.Error(err))
		}
	}

	summary := fmt.Sprintf("Users: %d  Wallets: %d  Mismatched: %d", stats.users, stats.wallets, stats.mismatched)
	report.Footer(summary)
	if stats.mismatched > 0 {
		loggerCleanup()
		os.Exit(1)
	}
}
