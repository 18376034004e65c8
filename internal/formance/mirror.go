package formance

import (
	"context"
	"fmt"
	"strings"

	"marketplace-ledger-go/internal/models"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Every mirrored row is one send between two accounts. The source may go
// negative: gateway and escrow accounts are counterparties, not balances the
// mirror enforces.
const numscriptMovement = `vars {
  asset $asset
  number $amount
  account $source
  account $destination
  string $reference
  string $type
  string $user_id
  string $currency
}

send [$asset $amount] (
  source = $source allowing unbounded overdraft
  destination = $destination
)

set_tx_meta("reference", $reference)
set_tx_meta("type", $type)
set_tx_meta("user_id", $user_id)
set_tx_meta("currency", $currency)
`

const (
	accountPlatformFees       = "platform:fees"
	accountPlatformSettlement = "platform:settlement"
)

// ExportReport summarizes one export pass
type ExportReport struct {
	Scanned    int `json:"scanned"`
	Exported   int `json:"exported"`
	Duplicates int `json:"duplicates"`
	Reversed   int `json:"reversed"`
	Errors     int `json:"errors"`
}

// reversalSuffix marks the compensating posting of a mirrored row
const reversalSuffix = "_REVERSAL"

// Export mirrors up to limit completed rows that have not been exported yet,
// then reverses up to limit mirrored rows that were later corrected to failed.
// Row references are the mirror's idempotency keys, so a posting made before
// a crash is recognised as a duplicate and only marked.
//
// mirrored_at is set exactly while the mirror holds a row's posting: a
// reversal clears it again.
func (m *Mirror) Export(ctx context.Context, limit int) (ExportReport, error) {
	var report ExportReport

	rows, err := m.store.ListUnmirroredTransactions(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list unmirrored transactions: %w", err)
	}
	failures, err := m.store.ListMirroredFailures(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("failed to list mirrored failures: %w", err)
	}
	report.Scanned = len(rows) + len(failures)

	for i := range rows {
		txn := &rows[i]
		result := m.mirrorRow(ctx, txn, "exported", m.posting, func(ctx context.Context) error {
			return m.store.MarkMirrored(ctx, txn.Id, m.now())
		})
		report.count(result)
	}

	for i := range failures {
		txn := &failures[i]
		result := m.mirrorRow(ctx, txn, "reversed", m.reversal, func(ctx context.Context) error {
			return m.store.ClearMirrored(ctx, txn.Id)
		})
		if result == "reversed" {
			zap.L().Info("Reversed mirrored transaction",
				zap.String("reference", txn.Reference),
				zap.String("reason", reversalReason(txn)))
		}
		report.count(result)
	}

	if report.Scanned > 0 {
		zap.L().Info("Mirror export complete",
			zap.Int("scanned", report.Scanned),
			zap.Int("exported", report.Exported),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("reversed", report.Reversed),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

func (r *ExportReport) count(result string) {
	switch result {
	case "exported":
		r.Exported++
	case "duplicate":
		r.Duplicates++
	case "reversed":
		r.Reversed++
	default:
		r.Errors++
	}
}

// mirrorRow builds and posts one row, then records the outcome in the store.
// It returns success, "duplicate", or "error".
func (m *Mirror) mirrorRow(ctx context.Context, txn *models.Transaction, success string,
	build func(*models.Transaction) (shared.V2PostTransaction, error),
	mark func(context.Context) error) string {

	posting, err := build(txn)
	if err != nil {
		m.metrics.Mirrored("error")
		zap.L().Error("Cannot build mirror posting",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return "error"
	}

	result := success
	if err := m.post(ctx, posting); err != nil {
		if !isConflictError(err) {
			m.metrics.Mirrored("error")
			zap.L().Error("Failed to mirror transaction",
				zap.String("reference", *posting.Reference),
				zap.Error(err))
			return "error"
		}
		result = "duplicate"
	}

	if err := mark(ctx); err != nil {
		m.metrics.Mirrored("error")
		zap.L().Error("Failed to record mirror state",
			zap.String("reference", txn.Reference),
			zap.Error(err))
		return "error"
	}

	m.metrics.Mirrored(result)
	return result
}

// reversal posts the row's movement back from destination to source.
func (m *Mirror) reversal(txn *models.Transaction) (shared.V2PostTransaction, error) {
	posting, err := m.posting(txn)
	if err != nil {
		return posting, err
	}
	reference := txn.Reference + reversalSuffix
	vars := posting.Script.Vars
	vars["source"], vars["destination"] = vars["destination"], vars["source"]
	vars["reference"] = reference
	vars["type"] = string(txn.Type) + "_reversal"
	posting.Reference = strPtr(reference)
	posting.Timestamp = &txn.UpdatedAt
	return posting, nil
}

func reversalReason(txn *models.Transaction) string {
	if rec := txn.Metadata.Reconciliation; rec != nil {
		return rec.Reason
	}
	return "failed after export"
}

func (m *Mirror) posting(txn *models.Transaction) (shared.V2PostTransaction, error) {
	currency, ok := m.currencies.Lookup(txn.Currency)
	if !ok {
		return shared.V2PostTransaction{}, fmt.Errorf("unsupported currency %s", txn.Currency)
	}
	if !txn.NetAmount.IsPositive() {
		return shared.V2PostTransaction{}, fmt.Errorf("non-positive net amount %s", txn.NetAmount)
	}

	source, destination := accounts(txn)
	posting := shared.V2PostTransaction{
		Reference: strPtr(txn.Reference),
		Script: &shared.V2PostTransactionScript{
			Plain: numscriptMovement,
			Vars: map[string]string{
				"asset":       formanceAsset(currency),
				"amount":      minorUnits(txn.NetAmount, currency.Precision),
				"source":      source,
				"destination": destination,
				"reference":   txn.Reference,
				"type":        string(txn.Type),
				"user_id":     txn.UserId,
				"currency":    currency.Code,
			},
		},
	}
	if txn.CompletedAt != nil {
		posting.Timestamp = txn.CompletedAt
	}
	return posting, nil
}

// accounts maps a ledger row onto the mirror's chart of accounts.
func accounts(txn *models.Transaction) (source, destination string) {
	user := userAccount(txn.UserId, txn.Currency)
	switch txn.Type {
	case models.TransactionTypeDeposit:
		return gatewayAccount(txn.Metadata.Provider, "collections"), user
	case models.TransactionTypeWithdrawal:
		return user, gatewayAccount(txn.Metadata.Provider, "payouts")
	case models.TransactionTypeFeeCharge:
		return user, accountPlatformFees
	case models.TransactionTypeEscrowDeposit:
		return user, escrowAccount(txn.EscrowId)
	case models.TransactionTypeEscrowRelease, models.TransactionTypeRefund:
		return escrowAccount(txn.EscrowId), user
	}
	if txn.Direction == models.DirectionDebit {
		return user, accountPlatformSettlement
	}
	return accountPlatformSettlement, user
}

func userAccount(userId, currency string) string {
	return "users:" + segment(userId) + ":" + segment(strings.ToLower(currency))
}

func gatewayAccount(provider models.Provider, purpose string) string {
	if provider == "" {
		provider = models.ProviderInternal
	}
	return "gateway:" + segment(string(provider)) + ":" + purpose
}

func escrowAccount(escrowId string) string {
	if escrowId == "" {
		return "escrow:unassigned"
	}
	return "escrow:" + segment(escrowId)
}

// segment keeps an address segment within Formance's [a-zA-Z0-9_-] alphabet.
func segment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}

// formanceAsset returns the Formance UMN notation, e.g. "NGN/2".
func formanceAsset(c models.Currency) string {
	return fmt.Sprintf("%s/%d", c.Code, c.Precision)
}

func minorUnits(amount decimal.Decimal, precision int32) string {
	return amount.Shift(precision).BigInt().String()
}

func strPtr(s string) *string { return &s }
