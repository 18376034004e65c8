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

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/caarlos0/env/v11"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads the configuration from the environment and validates it
func Load() (*models.Config, error) {
	cfg := &models.Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.Gateway.Default = strings.ToLower(cfg.Gateway.Default)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with cfg at once
func Validate(cfg *models.Config) error {
	var errs []error

	switch cfg.Database.Driver {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Database.Driver))
	}

	if cfg.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"HTTP_READ_TIMEOUT", cfg.HTTP.ReadTimeout},
		{"HTTP_WRITE_TIMEOUT", cfg.HTTP.WriteTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout},
		{"GATEWAY_TIMEOUT", cfg.Gateway.Timeout},
		{"LISTENER_POLLING_INTERVAL", cfg.Listener.PollingInterval},
		{"LISTENER_CLEANUP_INTERVAL", cfg.Listener.CleanupInterval},
		{"LISTENER_STALE_AFTER", cfg.Listener.StaleAfter},
		{"LISTENER_LEASE_TTL", cfg.Listener.LeaseTTL},
		{"ESCROW_AUTO_RELEASE_AFTER", cfg.Escrow.AutoReleaseAfter},
		{"DB_PING_TIMEOUT", cfg.Database.PingTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	if cfg.Listener.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("LISTENER_BATCH_SIZE must be positive, got %d", cfg.Listener.BatchSize))
	}

	switch models.Provider(cfg.Gateway.Default) {
	case models.ProviderPaystack, models.ProviderFlutterwave:
	default:
		errs = append(errs, fmt.Errorf("unsupported DEFAULT_GATEWAY %q", cfg.Gateway.Default))
	}

	return errors.Join(errs...)
}
