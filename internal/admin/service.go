// Package admin holds the operator commands. Each command is idempotent:
// repeating it reports the existing state instead of changing it again.
package admin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"marketplace-ledger-go/internal/gateway"
	"marketplace-ledger-go/internal/models"
	"marketplace-ledger-go/internal/notify"
	"marketplace-ledger-go/internal/reconciler"
	"marketplace-ledger-go/internal/recorder"
	"marketplace-ledger-go/internal/store"

	"go.uber.org/zap"
)

var badgePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{1,31}$`)

type Service struct {
	store          store.LedgerStore
	gateways       *gateway.Registry
	recorder       *recorder.Service
	reconciler     *reconciler.Service
	notifier       *notify.Dispatcher
	gatewayTimeout time.Duration
	now            func() time.Time
}

func NewService(
	s store.LedgerStore,
	gateways *gateway.Registry,
	rec *recorder.Service,
	recon *reconciler.Service,
	notifier *notify.Dispatcher,
	gatewayTimeout time.Duration,
) *Service {
	return &Service{
		store:          s,
		gateways:       gateways,
		recorder:       rec,
		reconciler:     recon,
		notifier:       notifier,
		gatewayTimeout: gatewayTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// VerifyUser marks a user's KYC as verified. A user who is already verified
// keeps the original verifier and timestamp, and the bool reports false.
func (s *Service) VerifyUser(ctx context.Context, actor models.Actor, userId string) (*models.UserProfile, bool, error) {
	if !actor.IsAdmin() {
		return nil, false, fmt.Errorf("verify-user requires an admin: %w", store.ErrForbidden)
	}
	userId = strings.TrimSpace(userId)
	if userId == "" {
		return nil, false, fmt.Errorf("user id is required: %w", store.ErrInvalidAmount)
	}

	existing, err := s.store.GetUserProfile(ctx, userId)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}
	if existing != nil && existing.KycVerified {
		return existing, false, nil
	}

	now := s.now()
	profile := &models.UserProfile{
		UserId:      userId,
		KycVerified: true,
		VerifiedAt:  &now,
		VerifiedBy:  actor.UserId,
		UpdatedAt:   now,
	}
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpsertUserProfile(ctx, profile)
	})
	if err != nil {
		return nil, false, err
	}

	s.notifier.Dispatch(ctx, notify.Notification{
		UserId:  userId,
		Kind:    notify.KindKYCVerified,
		Message: "identity verified",
	})
	zap.L().Info("User verified",
		zap.String("user_id", userId),
		zap.String("admin_id", actor.UserId))
	return profile, true, nil
}

// ReconcileWithdrawal repairs one withdrawal. With refresh set, the gateway
// is asked for the current transfer status first, so an operator can act on
// a failure the webhook never delivered.
func (s *Service) ReconcileWithdrawal(ctx context.Context, actor models.Actor, reference string, refresh bool) (*reconciler.Result, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("reconcile-withdrawal requires an admin: %w", store.ErrForbidden)
	}

	if refresh {
		if err := s.refreshStatus(ctx, reference); err != nil {
			return nil, err
		}
	}

	result, err := s.reconciler.ReconcileReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	zap.L().Info("Withdrawal reconciliation requested",
		zap.String("reference", reference),
		zap.String("admin_id", actor.UserId),
		zap.Bool("reconciled", result.Reconciled))
	return result, nil
}

func (s *Service) refreshStatus(ctx context.Context, reference string) error {
	txn, err := s.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return err
	}
	if txn.Type != models.TransactionTypeWithdrawal {
		return fmt.Errorf("%s is a %s, not a withdrawal: %w", reference, txn.Type, store.ErrNotFound)
	}

	provider, err := s.gateways.Get(txn.Metadata.Provider)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	defer cancel()
	event, err := provider.FetchTransferStatus(callCtx, reference)
	if err != nil {
		return fmt.Errorf("failed to fetch transfer status for %s: %v: %w", reference, err, store.ErrGatewayUnavailable)
	}
	if event.Outcome == models.GatewayOutcomePending {
		return nil
	}
	_, err = s.recorder.ApplyEvent(ctx, provider.Name(), event)
	return err
}

// GrantBadge adds a profile badge. The bool reports whether it was new.
func (s *Service) GrantBadge(ctx context.Context, actor models.Actor, userId, badge string) (*models.Badge, bool, error) {
	if !actor.IsAdmin() {
		return nil, false, fmt.Errorf("grant-badge requires an admin: %w", store.ErrForbidden)
	}
	userId = strings.TrimSpace(userId)
	badge = strings.ToLower(strings.TrimSpace(badge))
	if userId == "" || !badgePattern.MatchString(badge) {
		return nil, false, fmt.Errorf("invalid badge %q for user %q: %w", badge, userId, store.ErrInvalidAmount)
	}

	b := &models.Badge{
		UserId:    userId,
		Badge:     badge,
		GrantedBy: actor.UserId,
		GrantedAt: s.now(),
	}
	var created bool
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		created, err = tx.InsertBadge(ctx, b)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.notifier.Dispatch(ctx, notify.Notification{
			UserId:  userId,
			Kind:    notify.KindBadgeGranted,
			Message: badge,
		})
		zap.L().Info("Badge granted",
			zap.String("user_id", userId),
			zap.String("badge", badge),
			zap.String("admin_id", actor.UserId))
	}
	return b, created, nil
}
