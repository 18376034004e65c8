package store

import (
	"errors"
	"testing"
	"time"

	"marketplace-ledger-go/internal/models"
)

func TestApplyStatusUpdate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		current     models.TransactionStatus
		update      StatusUpdate
		wantErr     error
		wantStatus  models.TransactionStatus
		wantDoneSet bool
	}{
		{
			name:        "pending to completed",
			current:     models.TransactionStatusPending,
			update:      StatusUpdate{Status: models.TransactionStatusCompleted},
			wantStatus:  models.TransactionStatusCompleted,
			wantDoneSet: true,
		},
		{
			name:       "processing back to pending",
			current:    models.TransactionStatusProcessing,
			update:     StatusUpdate{Status: models.TransactionStatusPending},
			wantStatus: models.TransactionStatusPending,
		},
		{
			name:    "completed to failed without correction",
			current: models.TransactionStatusCompleted,
			update:  StatusUpdate{Status: models.TransactionStatusFailed},
			wantErr: ErrAlreadyFinalized,
		},
		{
			name:       "completed to failed as correction",
			current:    models.TransactionStatusCompleted,
			update:     StatusUpdate{Status: models.TransactionStatusFailed, Correction: true},
			wantStatus: models.TransactionStatusFailed,
		},
		{
			name:    "failed to completed even as correction",
			current: models.TransactionStatusFailed,
			update:  StatusUpdate{Status: models.TransactionStatusCompleted, Correction: true},
			wantErr: ErrAlreadyFinalized,
		},
		{
			name:       "terminal metadata only",
			current:    models.TransactionStatusCancelled,
			update:     StatusUpdate{MetadataPatch: &models.Metadata{FailureReason: "late event"}},
			wantStatus: models.TransactionStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := &models.Transaction{
				Reference: "WDR_TEST",
				Status:    tt.current,
				Metadata:  models.Metadata{Provider: models.ProviderPaystack},
			}
			err := ApplyStatusUpdate(txn, tt.update, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
				}
				if txn.Status != tt.current {
					t.Errorf("Expected status to stay %s, got %s", tt.current, txn.Status)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if txn.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, txn.Status)
			}
			if (txn.CompletedAt != nil) != tt.wantDoneSet {
				t.Errorf("Expected completed_at set=%v, got %v", tt.wantDoneSet, txn.CompletedAt)
			}
			if !txn.UpdatedAt.Equal(now) {
				t.Errorf("Expected updated_at %v, got %v", now, txn.UpdatedAt)
			}
		})
	}
}

func TestApplyStatusUpdateRejectsForeignMetadata(t *testing.T) {
	txn := &models.Transaction{
		Reference: "DEP_TEST",
		Status:    models.TransactionStatusPending,
		Metadata:  models.Metadata{Provider: models.ProviderPaystack},
	}
	patch := &models.Metadata{
		Provider:    models.ProviderFlutterwave,
		Flutterwave: &models.FlutterwaveMetadata{Status: "successful"},
	}

	err := ApplyStatusUpdate(txn, StatusUpdate{Status: models.TransactionStatusCompleted, MetadataPatch: patch}, time.Now())
	if err == nil {
		t.Fatal("Expected merge error for mismatched provider")
	}
	if txn.Status != models.TransactionStatusPending {
		t.Errorf("Expected status to stay pending, got %s", txn.Status)
	}
}

func TestApplyStatusUpdateFlags(t *testing.T) {
	txn := &models.Transaction{
		Reference: "WDR_FLAGS",
		Status:    models.TransactionStatusProcessing,
		Posted:    true,
		Metadata:  models.Metadata{Provider: models.ProviderPaystack},
	}
	update := StatusUpdate{
		Status:         models.TransactionStatusFailed,
		Posted:         Bool(false),
		GatewayOutcome: Outcome(models.GatewayOutcomeFailed),
	}
	if err := ApplyStatusUpdate(txn, update, time.Now()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if txn.Posted {
		t.Error("Expected posted to be cleared")
	}
	if txn.GatewayOutcome != models.GatewayOutcomeFailed {
		t.Errorf("Expected gateway outcome failed, got %q", txn.GatewayOutcome)
	}
}
