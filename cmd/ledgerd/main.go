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
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"marketplace-ledger-go/internal/api"
	"marketplace-ledger-go/internal/common"
	"marketplace-ledger-go/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	noListener := flag.Bool("no-listener", false, "Serve the API only; another replica runs the settlement listener")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger, _ := zap.NewProduction()
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger(cfg.LogLevel)
	defer loggerCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zap.L().Info("Starting marketplace ledger")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Config{
			Store:          services.Store,
			Wallets:        services.Wallets,
			Recorder:       services.Recorder,
			Withdrawals:    services.Withdrawals,
			Escrows:        services.Escrows,
			Admin:          services.Admin,
			Verifier:       services.Verifier,
			Metrics:        services.Metrics,
			Currencies:     services.Currencies,
			Gatherer:       services.Registry,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		}).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zap.L().Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.Listener.Enabled && !*noListener {
		l := services.NewListener()
		l.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			l.Stop()
			return nil
		})
	} else {
		zap.L().Info("Settlement listener disabled on this replica")
	}

	g.Go(func() error {
		<-gctx.Done()
		zap.L().Info("Shutdown signal received, draining HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("Forced shutdown after timeout", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		zap.L().Error("Marketplace ledger stopped with error", zap.Error(err))
		return
	}
	zap.L().Info("Marketplace ledger stopped gracefully")
}
