package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

type currencyEntry struct {
	Code              string `yaml:"code"`
	Precision         int32  `yaml:"precision"`
	MinDeposit        string `yaml:"min_deposit"`
	MinWithdrawal     string `yaml:"min_withdrawal"`
	MaxWithdrawal     string `yaml:"max_withdrawal"`
	InstantThreshold  string `yaml:"instant_threshold"`
	WithdrawalFeeRate string `yaml:"withdrawal_fee_rate"`
	EscrowFeeRate     string `yaml:"escrow_fee_rate"`
	Default           bool   `yaml:"default"`
}

type currenciesFile struct {
	Currencies []currencyEntry `yaml:"currencies"`
}

// DefaultCurrencies is used when no currency file exists
func DefaultCurrencies() models.Currencies {
	return models.Currencies{
		"NGN": {
			Code:              "NGN",
			Precision:         2,
			MinDeposit:        decimal.NewFromInt(100),
			MinWithdrawal:     decimal.NewFromInt(1000),
			MaxWithdrawal:     decimal.NewFromInt(5000000),
			InstantThreshold:  decimal.NewFromInt(50000),
			WithdrawalFeeRate: decimal.RequireFromString("0.005"),
			EscrowFeeRate:     decimal.RequireFromString("0.025"),
			Default:           true,
		},
	}
}

// LoadCurrencies reads currency policies from path. A missing file yields
// DefaultCurrencies; a malformed one is an error.
func LoadCurrencies(path string) (models.Currencies, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCurrencies(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return ParseCurrencies(data)
}

func ParseCurrencies(data []byte) (models.Currencies, error) {
	var file currenciesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse currencies: %w", err)
	}
	if len(file.Currencies) == 0 {
		return nil, errors.New("no currencies configured")
	}

	currencies := make(models.Currencies, len(file.Currencies))
	hasDefault := false
	for i, entry := range file.Currencies {
		code := strings.ToUpper(strings.TrimSpace(entry.Code))
		if code == "" {
			return nil, fmt.Errorf("currency at index %d missing code", i)
		}
		if _, dup := currencies[code]; dup {
			return nil, fmt.Errorf("currency %s configured twice", code)
		}
		if entry.Precision < 0 || entry.Precision > 8 {
			return nil, fmt.Errorf("currency %s precision %d outside 0-8", code, entry.Precision)
		}

		cur := models.Currency{Code: code, Precision: entry.Precision, Default: entry.Default}
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"min_deposit", entry.MinDeposit, &cur.MinDeposit},
			{"min_withdrawal", entry.MinWithdrawal, &cur.MinWithdrawal},
			{"max_withdrawal", entry.MaxWithdrawal, &cur.MaxWithdrawal},
			{"instant_threshold", entry.InstantThreshold, &cur.InstantThreshold},
			{"withdrawal_fee_rate", entry.WithdrawalFeeRate, &cur.WithdrawalFeeRate},
			{"escrow_fee_rate", entry.EscrowFeeRate, &cur.EscrowFeeRate},
		}
		for _, f := range fields {
			if f.raw == "" {
				*f.dst = decimal.Zero
				continue
			}
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return nil, fmt.Errorf("currency %s %s: %w", code, f.name, err)
			}
			if v.IsNegative() {
				return nil, fmt.Errorf("currency %s %s must not be negative", code, f.name)
			}
			*f.dst = v
		}

		if cur.WithdrawalFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) || cur.EscrowFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("currency %s fee rates must be below 1", code)
		}
		if !cur.MaxWithdrawal.IsPositive() {
			return nil, fmt.Errorf("currency %s max_withdrawal must be positive", code)
		}
		if cur.MaxWithdrawal.LessThan(cur.MinWithdrawal) {
			return nil, fmt.Errorf("currency %s max_withdrawal below min_withdrawal", code)
		}

		hasDefault = hasDefault || cur.Default
		currencies[code] = cur
	}
	if !hasDefault {
		return nil, errors.New("at least one currency must be marked default")
	}
	return currencies, nil
}
