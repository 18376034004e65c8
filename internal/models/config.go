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

import "time"

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig
	HTTP         HTTPConfig
	Auth         AuthConfig
	Gateway      GatewayConfig
	Listener     ListenerConfig
	Escrow       EscrowConfig
	Withdrawal   WithdrawalConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Formance     FormanceConfig
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	CurrencyFile string `env:"CURRENCIES_FILE" envDefault:"currencies.yaml"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string        `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	Path            string        `env:"DATABASE_PATH" envDefault:"ledger.db"`
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"30s"`
	PingTimeout     time.Duration `env:"DB_PING_TIMEOUT" envDefault:"5s"`
	BusyTimeout     time.Duration `env:"DB_BUSY_TIMEOUT" envDefault:"5s"`
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// AuthConfig holds bearer token settings
type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	Leeway    time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
}

// GatewayConfig holds payment gateway credentials
type GatewayConfig struct {
	Default               string        `env:"DEFAULT_GATEWAY" envDefault:"paystack"`
	Timeout               time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"20s"`
	PaystackSecretKey     string        `env:"PAYSTACK_SECRET_KEY"`
	PaystackBaseURL       string        `env:"PAYSTACK_BASE_URL" envDefault:"https://api.paystack.co"`
	FlutterwaveSecretKey  string        `env:"FLUTTERWAVE_SECRET_KEY"`
	FlutterwaveWebhookKey string        `env:"FLUTTERWAVE_WEBHOOK_HASH"`
	FlutterwaveBaseURL    string        `env:"FLUTTERWAVE_BASE_URL" envDefault:"https://api.flutterwave.com"`
	CallbackURL           string        `env:"DEPOSIT_CALLBACK_URL"`
}

// ListenerConfig holds settlement listener settings
type ListenerConfig struct {
	Enabled         bool          `env:"LISTENER_ENABLED" envDefault:"true"`
	PollingInterval time.Duration `env:"LISTENER_POLLING_INTERVAL" envDefault:"30s"`
	CleanupInterval time.Duration `env:"LISTENER_CLEANUP_INTERVAL" envDefault:"10m"`
	StaleAfter      time.Duration `env:"LISTENER_STALE_AFTER" envDefault:"15m"`
	RecheckAfter    time.Duration `env:"LISTENER_RECHECK_AFTER" envDefault:"5m"`
	BatchSize       int           `env:"LISTENER_BATCH_SIZE" envDefault:"100"`
	LeaseTTL        time.Duration `env:"LISTENER_LEASE_TTL" envDefault:"25s"`
}

// EscrowConfig holds escrow policy settings
type EscrowConfig struct {
	AutoReleaseAfter time.Duration `env:"ESCROW_AUTO_RELEASE_AFTER" envDefault:"72h"`
}

// WithdrawalConfig holds withdrawal policy settings that are not per currency
type WithdrawalConfig struct {
	RequireKYC bool `env:"WITHDRAWAL_REQUIRE_KYC" envDefault:"true"`
}

// RedisConfig holds the optional lease store settings
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// KafkaConfig holds the optional notification producer settings
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"wallet.notifications"`
}

// FormanceConfig holds the optional mirror ledger settings
type FormanceConfig struct {
	StackURL     string `env:"FORMANCE_STACK_URL"`
	ClientId     string `env:"FORMANCE_CLIENT_ID"`
	ClientSecret string `env:"FORMANCE_CLIENT_SECRET"`
	Ledger       string `env:"FORMANCE_LEDGER" envDefault:"marketplace"`
}

// Enabled reports whether the mirror export is configured
func (f FormanceConfig) Enabled() bool {
	return f.StackURL != "" && f.ClientId != "" && f.ClientSecret != ""
}
