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

// Package api exposes the ledger over HTTP. Handlers stay thin: they decode,
// call one service operation with the authenticated actor and map the
// result onto the response envelope.
package api

import (
	"net/http"

	"marketplace-ledger-go/internal/admin"
	"marketplace-ledger-go/internal/auth"
	"marketplace-ledger-go/internal/escrow"
	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"
	"marketplace-ledger-go/internal/wallet"
	"marketplace-ledger-go/internal/withdrawal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config wires the services behind the router
type Config struct {
	Store       store.LedgerStore
	Wallets     *wallet.Service
	Recorder    *recorder.Service
	Withdrawals *withdrawal.Service
	Escrows     *escrow.Service
	Admin       *admin.Service
	Verifier    *auth.Verifier
	Metrics     *metrics.Metrics
	Currencies  models.Currencies
	// Gatherer backs /metrics; nil means the default registry
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

type Server struct {
	store       store.LedgerStore
	wallets     *wallet.Service
	recorder    *recorder.Service
	withdrawals *withdrawal.Service
	escrows     *escrow.Service
	admin       *admin.Service
	verifier    *auth.Verifier
	metrics     *metrics.Metrics
	currencies  models.Currencies
	gatherer    prometheus.Gatherer
	origins     []string
}

func NewServer(cfg Config) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		store:       cfg.Store,
		wallets:     cfg.Wallets,
		recorder:    cfg.Recorder,
		withdrawals: cfg.Withdrawals,
		escrows:     cfg.Escrows,
		admin:       cfg.Admin,
		verifier:    cfg.Verifier,
		metrics:     cfg.Metrics,
		currencies:  cfg.Currencies,
		gatherer:    gatherer,
		origins:     origins,
	}
}

// Routes builds the HTTP handler
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Gateways authenticate with a body signature, not a bearer token.
		r.Post("/webhooks/{provider}", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(models.RoleUser))
				r.Get("/wallets", s.listWallets)
				r.Get("/transactions", s.listTransactions)
				r.Post("/deposits", s.initiateDeposit)
				r.Post("/withdrawals", s.withdraw)
				r.Post("/escrows", s.openEscrow)
				r.Post("/escrows/{id}/fund", s.fundEscrow)
				r.Post("/escrows/{id}/cancel", s.cancelEscrow)
				r.Post("/escrows/{id}/confirm", s.confirmEscrow)
			})

			r.With(requireRole(models.RoleUser, models.RoleAdmin)).Get("/escrows/{id}", s.getEscrow)

			r.Route("/admin", func(r chi.Router) {
				r.Use(requireRole(models.RoleAdmin))
				r.Post("/escrows/{id}/refund", s.refundEscrow)
				r.Post("/withdrawals/{reference}/approve", s.approveWithdrawal)
				r.Post("/withdrawals/{reference}/reject", s.rejectWithdrawal)
				r.Post("/commands/verify-user", s.verifyUser)
				r.Post("/commands/reconcile-withdrawal", s.reconcileWithdrawal)
				r.Post("/commands/grant-badge", s.grantBadge)
				r.Get("/wallets/{walletId}/audit", s.auditWallet)
			})
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(requireRole(models.RoleService))
		r.Put("/listings/{id}", s.registerListing)
		r.Post("/users/{id}/wallets", s.ensureWallets)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListWallets(r.Context(), "healthz"); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, "ok", nil)
}
