// Package formance mirrors completed ledger rows into a Formance Stack
// ledger so finance can audit platform money flows outside the primary store.
package formance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-ledger-go/internal/metrics"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"go.uber.org/zap"
)

const defaultLedger = "marketplace"

// postFunc submits one transaction to the mirror ledger
type postFunc func(ctx context.Context, posting shared.V2PostTransaction) error

// Mirror exports completed transactions from the primary store
type Mirror struct {
	store      store.LedgerStore
	currencies models.Currencies
	metrics    *metrics.Metrics
	ledger     string
	post       postFunc
	now        func() time.Time
}

// NewMirror connects to the stack and creates the ledger if it does not exist yet.
func NewMirror(ctx context.Context, cfg models.FormanceConfig, s store.LedgerStore, currencies models.Currencies, m *metrics.Metrics) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("formance config requires FORMANCE_STACK_URL, FORMANCE_CLIENT_ID, and FORMANCE_CLIENT_SECRET")
	}
	if cfg.Ledger == "" {
		cfg.Ledger = defaultLedger
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.Ledger))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientId),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	if err := ensureLedger(ctx, client, cfg.Ledger); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", err)
	}

	mirror := newMirror(s, currencies, m, cfg.Ledger, func(ctx context.Context, posting shared.V2PostTransaction) error {
		_, err := client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
			Ledger:            cfg.Ledger,
			V2PostTransaction: posting,
		})
		return err
	})

	zap.L().Info("Formance mirror initialized", zap.String("ledger", cfg.Ledger))
	return mirror, nil
}

func newMirror(s store.LedgerStore, currencies models.Currencies, m *metrics.Metrics, ledger string, post postFunc) *Mirror {
	return &Mirror{
		store:      s,
		currencies: currencies,
		metrics:    m,
		ledger:     ledger,
		post:       post,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func ensureLedger(ctx context.Context, client *v3.Formance, ledger string) error {
	_, err := client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "marketplace-ledger",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", ledger))
	return nil
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}
