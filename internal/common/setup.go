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

package common

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"marketplace-ledger-go/internal/admin"
	"marketplace-ledger-go/internal/auth"
	"marketplace-ledger-go/internal/config"
	"marketplace-ledger-go/internal/database"
	"marketplace-ledger-go/internal/escrow"
	"marketplace-ledger-go/internal/formance"
	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/listener"
	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/notify"
	"marketplace-ledger-go/internal/postgres"
	"marketplace-ledger-go/internal/reconciler"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"
	"marketplace-ledger-go/internal/withdrawal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const notifyTimeout = 10 * time.Second

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables may come from the shell or the container.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	} else {
		log.Println("Loaded environment variables from .env file")
	}
}

// Services holds everything a binary needs, built once from the config
type Services struct {
	Config      *models.Config
	Store       store.LedgerStore
	Currencies  models.Currencies
	Gateways    *gateway.Registry
	Wallets     *wallet.Service
	Recorder    *recorder.Service
	Withdrawals *withdrawal.Service
	Escrows     *escrow.Service
	Reconciler  *reconciler.Service
	Admin       *admin.Service
	Verifier    *auth.Verifier
	Notifier    *notify.Dispatcher
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	// Mirror and Lease are nil unless configured
	Mirror *formance.Mirror
	Lease  listener.Lease

	closers []func()
}

// InitializeLogger builds the production logger at level and installs it as
// the global logger.
func InitializeLogger(level string) (*zap.Logger, func()) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			log.Printf("Unknown log level %q, using info\n", level)
		} else {
			zcfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeStore opens the configured backend
func InitializeStore(ctx context.Context, cfg *models.Config) (store.LedgerStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		zap.L().Info("Connecting to postgres")
		return postgres.NewService(ctx, cfg.Database)
	default:
		zap.L().Info("Opening sqlite database", zap.String("path", cfg.Database.Path))
		return database.NewService(ctx, cfg.Database)
	}
}

// InitializeServices wires the store, gateways and ledger services. Callers
// must Close the result.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	currencies, err := config.LoadCurrencies(cfg.CurrencyFile)
	if err != nil {
		return nil, err
	}

	s := &Services{Config: cfg, Currencies: currencies}

	s.Store, err = InitializeStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Store.Close)

	s.Gateways, err = initializeGateways(cfg.Gateway)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Registry = prometheus.NewRegistry()
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = metrics.New(s.Registry)

	var notifier notify.Notifier = notify.LogNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifier = kafka
		s.closers = append(s.closers, func() {
			if err := kafka.Close(); err != nil {
				zap.L().Warn("Failed to close kafka writer", zap.Error(err))
			}
		})
		zap.L().Info("Publishing notifications to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}
	s.Notifier = notify.NewDispatcher(notifier, notifyTimeout)
	// Closers run in reverse, so pending notifications drain before the writer closes.
	s.closers = append(s.closers, s.Notifier.Wait)

	s.Wallets = wallet.NewService(s.Store)
	s.Recorder = recorder.NewService(s.Store, s.Wallets, s.Gateways, currencies, s.Notifier, s.Metrics, recorder.Config{
		CallbackURL:    cfg.Gateway.CallbackURL,
		GatewayTimeout: cfg.Gateway.Timeout,
	})
	s.Withdrawals = withdrawal.NewService(s.Store, s.Wallets, s.Gateways, currencies, s.Notifier, s.Metrics, withdrawal.Config{
		GatewayTimeout: cfg.Gateway.Timeout,
		RequireKYC:     cfg.Withdrawal.RequireKYC,
	})
	s.Escrows = escrow.NewService(s.Store, s.Wallets, currencies, s.Notifier, s.Metrics, escrow.Config{
		AutoReleaseAfter: cfg.Escrow.AutoReleaseAfter,
	})
	s.Reconciler = reconciler.NewService(s.Store, s.Wallets, s.Notifier, s.Metrics, cfg.Listener.BatchSize)
	s.Admin = admin.NewService(s.Store, s.Gateways, s.Recorder, s.Reconciler, s.Notifier, cfg.Gateway.Timeout)
	s.Verifier = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Leeway)

	if cfg.Formance.Enabled() {
		s.Mirror, err = formance.NewMirror(ctx, cfg.Formance, s.Store, currencies, s.Metrics)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize formance mirror: %w", err)
		}
		zap.L().Info("Mirroring settled transactions to formance",
			zap.String("stack_url", cfg.Formance.StackURL),
			zap.String("ledger", cfg.Formance.Ledger))
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		s.Lease = listener.NewRedisLease(client)
		s.closers = append(s.closers, func() { _ = client.Close() })
		zap.L().Info("Electing listener leader through redis", zap.String("addr", cfg.Redis.Addr))
	}

	zap.L().Info("Services initialized",
		zap.String("driver", cfg.Database.Driver),
		zap.Strings("gateways", providerNames(s.Gateways)),
		zap.Strings("currencies", currencyCodes(currencies)))
	return s, nil
}

// NewListener builds the settlement listener from the wired services
func (s *Services) NewListener() *listener.SettlementListener {
	cfg := s.Config
	return listener.NewSettlementListener(listener.Config{
		Store:           s.Store,
		Gateways:        s.Gateways,
		Recorder:        s.Recorder,
		Reconciler:      s.Reconciler,
		Escrows:         s.Escrows,
		Mirror:          s.Mirror,
		Lease:           s.Lease,
		Metrics:         s.Metrics,
		PollingInterval: cfg.Listener.PollingInterval,
		CleanupInterval: cfg.Listener.CleanupInterval,
		StaleAfter:      cfg.Listener.StaleAfter,
		RecheckAfter:    cfg.Listener.RecheckAfter,
		LeaseTTL:        cfg.Listener.LeaseTTL,
		GatewayTimeout:  cfg.Gateway.Timeout,
		BatchSize:       cfg.Listener.BatchSize,
	})
}

// Close releases resources in reverse order of acquisition
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func initializeGateways(cfg models.GatewayConfig) (*gateway.Registry, error) {
	var providers []gateway.Provider

	if cfg.PaystackSecretKey != "" {
		p, err := gateway.NewPaystack(cfg.PaystackSecretKey, cfg.PaystackBaseURL, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize paystack: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.FlutterwaveSecretKey != "" {
		p, err := gateway.NewFlutterwave(cfg.FlutterwaveSecretKey, cfg.FlutterwaveWebhookKey, cfg.FlutterwaveBaseURL, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize flutterwave: %w", err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no payment gateway configured: set PAYSTACK_SECRET_KEY or FLUTTERWAVE_SECRET_KEY")
	}

	registry := gateway.NewRegistry(models.Provider(cfg.Default), providers...)
	if _, err := registry.Default(); err != nil {
		return nil, fmt.Errorf("default gateway %s is not configured: %w", cfg.Default, err)
	}
	return registry, nil
}

func providerNames(r *gateway.Registry) []string {
	var names []string
	for _, p := range r.Names() {
		names = append(names, string(p))
	}
	return names
}

func currencyCodes(c models.Currencies) []string {
	codes := make([]string, 0, len(c))
	for code := range c {
		codes = append(codes, code)
	}
	return codes
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: invalid argument") ||
		strings.Contains(msg, "sync /dev/stdout: invalid argument") ||
		strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
