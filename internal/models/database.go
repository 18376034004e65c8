package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates balance-affecting events
type TransactionType string

const (
	TransactionTypeDeposit       TransactionType = "deposit"
	TransactionTypeWithdrawal    TransactionType = "withdrawal"
	TransactionTypePurchase      TransactionType = "purchase"
	TransactionTypeSale          TransactionType = "sale"
	TransactionTypeEscrowDeposit TransactionType = "escrow_deposit"
	TransactionTypeEscrowRelease TransactionType = "escrow_release"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypeFeeCharge     TransactionType = "fee_charge"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypePurchase, TransactionTypeSale,
		TransactionTypeEscrowDeposit, TransactionTypeEscrowRelease, TransactionTypeRefund, TransactionTypeFeeCharge:
		return true
	}
	return false
}

// TransactionStatus is the lifecycle state of a transaction
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusProcessing TransactionStatus = "processing"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusFailed     TransactionStatus = "failed"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
)

// IsTerminal reports whether no further transition may be applied
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed || s == TransactionStatusCancelled
}

// Direction is the side of the owning wallet a transaction moves
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// GatewayOutcome is the normalized result reported by an external gateway
type GatewayOutcome string

const (
	GatewayOutcomeNone      GatewayOutcome = ""
	GatewayOutcomePending   GatewayOutcome = "pending"
	GatewayOutcomeSucceeded GatewayOutcome = "succeeded"
	GatewayOutcomeFailed    GatewayOutcome = "failed"
)

// Wallet is the per-user, per-currency balance record (hot data)
type Wallet struct {
	Id             string          `db:"id" json:"id"`
	UserId         string          `db:"user_id" json:"user_id"`
	Currency       string          `db:"currency" json:"currency"`
	Balance        decimal.Decimal `db:"balance" json:"balance"`
	TotalDeposited decimal.Decimal `db:"total_deposited" json:"total_deposited"`
	TotalWithdrawn decimal.Decimal `db:"total_withdrawn" json:"total_withdrawn"`
	Version        int64           `db:"version" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction is the append-mostly record of a balance-affecting event
type Transaction struct {
	Id              string            `db:"id" json:"id"`
	Reference       string            `db:"reference" json:"reference"`
	UserId          string            `db:"user_id" json:"user_id"`
	WalletId        string            `db:"wallet_id" json:"wallet_id"`
	Type            TransactionType   `db:"type" json:"type"`
	Direction       Direction         `db:"direction" json:"direction"`
	Amount          decimal.Decimal   `db:"amount" json:"amount"`
	Fee             decimal.Decimal   `db:"fee" json:"fee"`
	NetAmount       decimal.Decimal   `db:"net_amount" json:"net_amount"`
	Currency        string            `db:"currency" json:"currency"`
	Status          TransactionStatus `db:"status" json:"status"`
	Posted          bool              `db:"posted" json:"posted"`
	GatewayOutcome  GatewayOutcome    `db:"gateway_outcome" json:"gateway_outcome,omitempty"`
	EscrowId        string            `db:"escrow_id" json:"escrow_id,omitempty"`
	ParentReference string            `db:"parent_reference" json:"parent_reference,omitempty"`
	Metadata        Metadata          `db:"metadata" json:"metadata"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time        `db:"completed_at" json:"completed_at,omitempty"`
	MirroredAt      *time.Time        `db:"mirrored_at" json:"-"`
}

// SignedNet returns the net amount with the sign of its effect on the wallet
func (t *Transaction) SignedNet() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.NetAmount.Neg()
	}
	return t.NetAmount
}

// EscrowStatus is the state of a peer-to-peer trade held in trust
type EscrowStatus string

const (
	EscrowStatusPending   EscrowStatus = "pending"
	EscrowStatusFunded    EscrowStatus = "funded"
	EscrowStatusReleased  EscrowStatus = "released"
	EscrowStatusRefunded  EscrowStatus = "refunded"
	EscrowStatusCancelled EscrowStatus = "cancelled"
)

// IsTerminal reports whether the escrow can no longer move
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded || s == EscrowStatusCancelled
}

// Escrow holds buyer funds until delivery is confirmed or the trade is unwound
type Escrow struct {
	Id               string          `db:"id" json:"id"`
	BuyerId          string          `db:"buyer_id" json:"buyer_id"`
	SellerId         string          `db:"seller_id" json:"seller_id"`
	ListingId        string          `db:"listing_id" json:"listing_id"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Fee              decimal.Decimal `db:"fee" json:"fee"`
	Currency         string          `db:"currency" json:"currency"`
	Status           EscrowStatus    `db:"status" json:"status"`
	FundingReference string          `db:"funding_reference" json:"funding_reference,omitempty"`
	FundedAt         *time.Time      `db:"funded_at" json:"funded_at,omitempty"`
	AutoReleaseAt    *time.Time      `db:"auto_release_at" json:"auto_release_at,omitempty"`
	ResolvedAt       *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionReason string          `db:"resolution_reason" json:"resolution_reason,omitempty"`
	Rating           int             `db:"rating" json:"rating,omitempty"`
	Review           string          `db:"review" json:"review,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Total is what the buyer pays into escrow
func (e *Escrow) Total() decimal.Decimal {
	return e.Amount.Add(e.Fee)
}

// ListingStatus is the sale state of a marketplace listing
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusReserved ListingStatus = "reserved"
	ListingStatusSold     ListingStatus = "sold"
)

// Listing is the ledger's view of a sellable post
type Listing struct {
	Id        string          `db:"id" json:"id"`
	SellerId  string          `db:"seller_id" json:"seller_id"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Currency  string          `db:"currency" json:"currency"`
	Status    ListingStatus   `db:"status" json:"status"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// UserProfile holds the ledger-relevant user flags maintained by admins
type UserProfile struct {
	UserId      string     `db:"user_id" json:"user_id"`
	KycVerified bool       `db:"kyc_verified" json:"kyc_verified"`
	VerifiedAt  *time.Time `db:"verified_at" json:"verified_at,omitempty"`
	VerifiedBy  string     `db:"verified_by" json:"verified_by,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Badge is a profile badge granted by an administrator
type Badge struct {
	UserId    string    `db:"user_id" json:"user_id"`
	Badge     string    `db:"badge" json:"badge"`
	GrantedBy string    `db:"granted_by" json:"granted_by"`
	GrantedAt time.Time `db:"granted_at" json:"granted_at"`
}
