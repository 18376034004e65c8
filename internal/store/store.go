package store

import (
	"context"
	"errors"
	"time"

	"marketplace-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations and the services built on them.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrDuplicateReference     = errors.New("duplicate reference")
	ErrGatewayUnavailable     = errors.New("gateway unavailable")
	ErrAlreadyFinalized       = errors.New("already finalized")
	ErrNotFound               = errors.New("not found")
	ErrInvalidDestination     = errors.New("invalid destination")
	ErrKYCRequired            = errors.New("kyc verification required")
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidState           = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// InsertTransactionParams contains the fields of a new transaction row.
type InsertTransactionParams struct {
	Reference       string
	UserId          string
	WalletId        string
	Type            models.TransactionType
	Direction       models.Direction
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	NetAmount       decimal.Decimal
	Currency        string
	Status          models.TransactionStatus
	Posted          bool
	EscrowId        string
	ParentReference string
	Metadata        models.Metadata
}

// StatusUpdate describes a transition applied by UpdateTransactionStatus.
// A nil Posted or GatewayOutcome leaves the stored value untouched, and an
// empty Status keeps the current one.
type StatusUpdate struct {
	Status         models.TransactionStatus
	Posted         *bool
	GatewayOutcome *models.GatewayOutcome
	MetadataPatch  *models.Metadata
	Correction     bool
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	UserId   string
	WalletId string
	Currency string
	Type     models.TransactionType
	Limit    int
	Offset   int
}

// Tx is one atomic unit of work. Rows read through the ForUpdate methods stay
// locked until the enclosing WithinTx returns.
type Tx interface {
	// --- Wallets ---
	GetWalletForUpdate(ctx context.Context, userId, currency string) (*models.Wallet, error)
	GetWalletByIdForUpdate(ctx context.Context, walletId string) (*models.Wallet, error)
	CreateWallet(ctx context.Context, userId, currency string) (*models.Wallet, error)
	UpdateWallet(ctx context.Context, wallet *models.Wallet) error

	// --- Transactions ---
	InsertTransaction(ctx context.Context, params InsertTransactionParams) (*models.Transaction, error)
	GetTransactionByReferenceForUpdate(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactionsByParent(ctx context.Context, parentReference string) ([]models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, update StatusUpdate) (*models.Transaction, error)

	// --- Escrows ---
	InsertEscrow(ctx context.Context, escrow *models.Escrow) error
	GetEscrowForUpdate(ctx context.Context, escrowId string) (*models.Escrow, error)
	UpdateEscrow(ctx context.Context, escrow *models.Escrow) error

	// --- Listings ---
	UpsertListing(ctx context.Context, listing *models.Listing) error
	GetListingForUpdate(ctx context.Context, listingId string) (*models.Listing, error)
	SetListingStatus(ctx context.Context, listingId string, status models.ListingStatus) error

	// --- Users ---
	UpsertUserProfile(ctx context.Context, profile *models.UserProfile) error
	InsertBadge(ctx context.Context, badge *models.Badge) (bool, error)
}

// LedgerStore defines the contract that every backend (SQLite, Postgres) must satisfy.
type LedgerStore interface {
	// WithinTx runs fn inside one atomic unit of work. Any error from fn rolls
	// the whole unit back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Wallets ---
	GetWallet(ctx context.Context, userId, currency string) (*models.Wallet, error)
	GetWalletById(ctx context.Context, walletId string) (*models.Wallet, error)
	ListWallets(ctx context.Context, userId string) ([]models.Wallet, error)
	ReconcileWalletBalance(ctx context.Context, walletId string) (*models.BalanceAudit, error)

	// --- Transactions ---
	GetTransactionByReference(ctx context.Context, reference string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	ListReconcilableWithdrawals(ctx context.Context, limit int) ([]models.Transaction, error)
	ListStaleWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)
	ListUnmirroredTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
	MarkMirrored(ctx context.Context, id string, at time.Time) error
	// ListMirroredFailures returns failed rows whose completed posting is
	// still present in the mirror.
	ListMirroredFailures(ctx context.Context, limit int) ([]models.Transaction, error)
	ClearMirrored(ctx context.Context, id string) error

	// --- Escrows ---
	GetEscrow(ctx context.Context, escrowId string) (*models.Escrow, error)
	ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]models.Escrow, error)

	// --- Listings / users ---
	GetListing(ctx context.Context, listingId string) (*models.Listing, error)
	GetUserProfile(ctx context.Context, userId string) (*models.UserProfile, error)
	ListBadges(ctx context.Context, userId string) ([]models.Badge, error)

	// --- Lifecycle ---
	Close()
}

// Bool returns a pointer to b, for StatusUpdate.Posted.
func Bool(b bool) *bool {
	return &b
}

// Outcome returns a pointer to o, for StatusUpdate.GatewayOutcome.
func Outcome(o models.GatewayOutcome) *models.GatewayOutcome {
	return &o
}
