package models

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency holds the limits and fee rates applied to one currency
type Currency struct {
	Code              string
	Precision         int32
	MinDeposit        decimal.Decimal
	MinWithdrawal     decimal.Decimal
	MaxWithdrawal     decimal.Decimal
	InstantThreshold  decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	EscrowFeeRate     decimal.Decimal
	Default           bool
}

// WithdrawalFee returns the fee charged on a payout of amount
func (c Currency) WithdrawalFee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(c.WithdrawalFeeRate).Round(c.Precision)
}

// EscrowFee returns the fee a buyer pays on top of price
func (c Currency) EscrowFee(price decimal.Decimal) decimal.Decimal {
	return price.Mul(c.EscrowFeeRate).Round(c.Precision)
}

// Currencies indexes currency policies by upper-case code
type Currencies map[string]Currency

// Lookup finds the policy for code, case-insensitively
func (c Currencies) Lookup(code string) (Currency, bool) {
	cur, ok := c[strings.ToUpper(code)]
	return cur, ok
}

// Defaults returns the codes of currencies every user gets a wallet for
func (c Currencies) Defaults() []string {
	var codes []string
	for code, cur := range c {
		if cur.Default {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}
