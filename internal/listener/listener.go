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

// Package listener runs the periodic settlement work that no request drives:
// polling stuck withdrawals, reconciling gateway failures, auto-releasing
// escrows and exporting to the mirror ledger.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketplace-ledger-go/internal/escrow"
	"marketplace-ledger-go/internal/formance"
	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/reconciler"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"

	"go.uber.org/zap"
)

const (
	leaseKey         = "marketplace-ledger:settlement-listener"
	defaultBatchSize = 100
)

// Config contains configuration for SettlementListener
type Config struct {
	Store      store.LedgerStore
	Gateways   *gateway.Registry
	Recorder   *recorder.Service
	Reconciler *reconciler.Service
	Escrows    *escrow.Service
	// Mirror is optional; nil disables the export step
	Mirror *formance.Mirror
	// Lease is optional; nil means this replica always runs its ticks
	Lease   Lease
	Metrics *metrics.Metrics

	PollingInterval time.Duration
	CleanupInterval time.Duration
	StaleAfter      time.Duration
	RecheckAfter    time.Duration
	LeaseTTL        time.Duration
	GatewayTimeout  time.Duration
	BatchSize       int
}

// TickReport summarizes one pass of the listener
type TickReport struct {
	Skipped      bool
	Polled       int
	Settled      int
	Reconciled   int
	AutoReleased int
	Mirrored     int
	Errors       int
}

// SettlementListener drives withdrawals, escrows and the mirror forward on a
// ticker. Every step is idempotent, so overlapping replicas are safe even
// without a lease; the lease only avoids duplicate gateway polling.
type SettlementListener struct {
	cfg Config

	// State management for recently polled references
	checked map[string]time.Time
	mutex   sync.RWMutex
	now     func() time.Time

	// Control channels
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewSettlementListener creates a new settlement listener
func NewSettlementListener(cfg Config) *SettlementListener {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.PollingInterval - cfg.PollingInterval/6
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 20 * time.Second
	}
	return &SettlementListener{
		cfg:      cfg,
		checked:  make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the polling and cleanup loops. It returns immediately.
func (l *SettlementListener) Start(ctx context.Context) {
	zap.L().Info("Starting settlement listener",
		zap.Duration("polling_interval", l.cfg.PollingInterval),
		zap.Duration("stale_after", l.cfg.StaleAfter),
		zap.Bool("mirror_enabled", l.cfg.Mirror != nil),
		zap.Bool("lease_enabled", l.cfg.Lease != nil))

	go l.pollLoop(ctx)
	go l.cleanupLoop(ctx)
}

// Stop signals both loops and waits for the current tick to finish
func (l *SettlementListener) Stop() {
	l.stopOnce.Do(func() {
		zap.L().Info("Stopping settlement listener")
		close(l.stopChan)
		<-l.doneChan
		zap.L().Info("Settlement listener stopped")
	})
}

func (l *SettlementListener) pollLoop(ctx context.Context) {
	defer close(l.doneChan)

	ticker := time.NewTicker(l.cfg.PollingInterval)
	defer ticker.Stop()

	l.Tick(ctx)

	for {
		select {
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one settlement pass. Each step logs and counts its own failures
// so one broken step never starves the others.
func (l *SettlementListener) Tick(ctx context.Context) TickReport {
	var report TickReport
	now := l.now()

	if l.cfg.Lease != nil {
		held, err := l.cfg.Lease.Acquire(ctx, leaseKey, l.cfg.LeaseTTL)
		if err != nil {
			// A broken lease store must not stop settlement.
			zap.L().Warn("Lease unavailable, running tick anyway", zap.Error(err))
		} else if !held {
			report.Skipped = true
			l.cfg.Metrics.ListenerTick("skipped", now)
			return report
		}
	}

	l.pollStaleWithdrawals(ctx, now, &report)

	if l.cfg.Reconciler != nil {
		rec, err := l.cfg.Reconciler.Run(ctx)
		if err != nil {
			report.Errors++
			zap.L().Error("Reconciliation step failed", zap.Error(err))
		}
		report.Reconciled = rec.Reconciled
		report.Errors += rec.Errors
	}

	if l.cfg.Escrows != nil {
		released, err := l.cfg.Escrows.AutoReleaseExpired(ctx, now)
		if err != nil {
			report.Errors++
			zap.L().Error("Escrow auto-release step failed", zap.Error(err))
		}
		report.AutoReleased = released
	}

	if l.cfg.Mirror != nil {
		exp, err := l.cfg.Mirror.Export(ctx, l.cfg.BatchSize)
		if err != nil {
			report.Errors++
			zap.L().Error("Mirror export step failed", zap.Error(err))
		}
		report.Mirrored = exp.Exported + exp.Duplicates + exp.Reversed
		report.Errors += exp.Errors
	}

	result := "ok"
	if report.Errors > 0 {
		result = "error"
	}
	l.cfg.Metrics.ListenerTick(result, now)

	zap.L().Debug("Settlement tick complete",
		zap.Int("polled", report.Polled),
		zap.Int("settled", report.Settled),
		zap.Int("reconciled", report.Reconciled),
		zap.Int("auto_released", report.AutoReleased),
		zap.Int("mirrored", report.Mirrored),
		zap.Int("errors", report.Errors))
	return report
}

// pollStaleWithdrawals asks the gateway about withdrawals that have sat in
// processing longer than StaleAfter, covering lost webhooks.
func (l *SettlementListener) pollStaleWithdrawals(ctx context.Context, now time.Time, report *TickReport) {
	if l.cfg.Recorder == nil || l.cfg.Gateways == nil {
		return
	}

	stale, err := l.cfg.Store.ListStaleWithdrawals(ctx, now.Add(-l.cfg.StaleAfter), l.cfg.BatchSize)
	if err != nil {
		report.Errors++
		zap.L().Error("Failed to list stale withdrawals", zap.Error(err))
		return
	}

	for i := range stale {
		txn := &stale[i]
		if l.recentlyChecked(txn.Reference, now) {
			continue
		}
		report.Polled++

		settled, err := l.pollWithdrawal(ctx, txn)
		l.markChecked(txn.Reference, now)
		if err != nil {
			report.Errors++
			zap.L().Error("Failed to poll withdrawal status",
				zap.String("reference", txn.Reference),
				zap.Error(err))
			continue
		}
		if settled {
			report.Settled++
		}
	}
}

func (l *SettlementListener) pollWithdrawal(ctx context.Context, txn *models.Transaction) (bool, error) {
	provider, err := l.cfg.Gateways.Get(txn.Metadata.Provider)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	event, err := provider.FetchTransferStatus(callCtx, txn.Reference)
	cancel()
	if err != nil {
		return false, fmt.Errorf("failed to fetch transfer status: %w", err)
	}
	if event.Outcome == models.GatewayOutcomePending {
		return false, nil
	}

	outcome, err := l.cfg.Recorder.ApplyEvent(ctx, provider.Name(), event)
	if err != nil {
		return false, err
	}
	if outcome == recorder.OutcomeApplied {
		zap.L().Info("Settled stale withdrawal from polled status",
			zap.String("reference", txn.Reference),
			zap.String("outcome", string(event.Outcome)))
		return true, nil
	}
	return false, nil
}

func (l *SettlementListener) recentlyChecked(reference string, now time.Time) bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	at, exists := l.checked[reference]
	return exists && now.Sub(at) < l.cfg.RecheckAfter
}

func (l *SettlementListener) markChecked(reference string, at time.Time) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.checked[reference] = at
}

// cleanupLoop periodically forgets old poll timestamps
func (l *SettlementListener) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupChecked(l.now())
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *SettlementListener) cleanupChecked(now time.Time) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cleaned := 0
	for reference, at := range l.checked {
		if now.Sub(at) >= l.cfg.RecheckAfter {
			delete(l.checked, reference)
			cleaned++
		}
	}

	if cleaned > 0 {
		zap.L().Debug("Cleaned up polled withdrawal cache",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(l.checked)))
	}
	return cleaned
}
