/*
Package ledger provides the wallet ledger and payout engine.

PURPOSE:
  Tracks two units of value per wallet: points (whole, redeemable units earned
  through referrals and bonuses) and credits (spendable monetary value granted
  in batches that may expire). Every change is an immutable transaction; the
  wallet balance is a materialised projection of those transactions that is
  kept in step by a single atomic primitive.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet / Balance: one wallet per (user, user type), O(1) balance reads
  - Transaction: an immutable ledger entry carrying signed deltas
  - CreditBatch: a partially consumable, optionally expiring grant of credits
  - PayoutRequest: an ambassador's request to redeem points for money

DESIGN PRINCIPLES:
  1. Immutability: transactions are never modified, only offset
  2. Precision: credits use decimal.Decimal, points use int64
  3. Type safety: distinct ID types for wallets, transactions, batches, payouts
  4. Auditability: every entry has a description, reference and metadata

SEE ALSO:
  - engine.go: the atomic mutation primitive
  - credits.go: FIFO consumption, grants and conversion
  - payout.go: payout state machine
  - expiry.go: expired batch write-off
  - store.go: persistence contract
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type TransactionID string
type BatchID string
type PayoutID string

// UserType is the role a wallet was provisioned for.
type UserType string

const (
	UserStudent    UserType = "student"
	UserAmbassador UserType = "ambassador"
)

func (u UserType) Valid() bool {
	return u == UserStudent || u == UserAmbassador
}

// =============================================================================
// WALLET - Materialised balance
// =============================================================================

type WalletStatus string

const (
	WalletActive WalletStatus = "active"
	WalletClosed WalletStatus = "closed"
)

// Balance is the cached summary of a wallet's log.
type Balance struct {
	Points   int64           `json:"points"`
	Credits  decimal.Decimal `json:"credits"`
	Currency string          `json:"currency"`
}

// Apply returns the balance after the given deltas. It does not validate.
func (b Balance) Apply(points int64, credits decimal.Decimal) Balance {
	return Balance{
		Points:   b.Points + points,
		Credits:  b.Credits.Add(credits),
		Currency: b.Currency,
	}
}

type Wallet struct {
	ID        WalletID     `json:"id"`
	UserID    string       `json:"user_id"`
	UserType  UserType     `json:"user_type"`
	Balance   Balance      `json:"balance"`
	Status    WalletStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxCredit            TransactionType = "credit"             // Credits granted or points restored
	TxDebit             TransactionType = "debit"              // Credits spent or written off
	TxConversion        TransactionType = "conversion"         // Points exchanged for credits
	TxPayout            TransactionType = "payout"             // Points held for a payout request
	TxReferralBonus     TransactionType = "referral_bonus"     // Points earned through a referral
	TxRegistrationBonus TransactionType = "registration_bonus" // Points earned on sign-up
	TxAdjustment        TransactionType = "adjustment"         // Manual admin correction
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxCredit, TxDebit, TxConversion, TxPayout, TxReferralBonus, TxRegistrationBonus, TxAdjustment:
		return true
	}
	return false
}

// Transaction is one append-only log row. Amount is the signed credits delta
// and Points the signed points delta.
type Transaction struct {
	ID          TransactionID     `json:"id"`
	WalletID    WalletID          `json:"wallet_id"`
	Type        TransactionType   `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Points      int64             `json:"points"`
	Description string            `json:"description"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Metadata keys written by the engine.
const (
	MetaAmountRequested = "amount_requested"
	MetaReason          = "reason"
	MetaCreditBatchID   = "credit_batch_id"
	MetaPayoutAmount    = "payout_amount"
	MetaConversionRate  = "conversion_rate"
	MetaAdminID         = "admin_id"
)

// =============================================================================
// CREDIT BATCH - Spendable grant with optional expiry
// =============================================================================

// Batch sources written by the engine. Callers may use any other string.
const (
	SourcePointsConversion = "points_conversion"
	SourcePurchaseRefund   = "purchase_refund"
	SourcePromo            = "promo"
)

type CreditBatch struct {
	ID              BatchID         `json:"id"`
	WalletID        WalletID        `json:"wallet_id"`
	Amount          decimal.Decimal `json:"amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	Source          string          `json:"source"`
	SourcePaymentID string          `json:"source_payment_id,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	IsExpired       bool            `json:"is_expired"`
}

// IsActive reports whether the batch can still be consumed at now.
func (b CreditBatch) IsActive(now time.Time) bool {
	if b.IsExpired || !b.RemainingAmount.IsPositive() {
		return false
	}
	return b.ExpiresAt == nil || now.Before(*b.ExpiresAt)
}

// IsDue reports whether the sweeper should write the batch off at now.
func (b CreditBatch) IsDue(now time.Time) bool {
	if b.IsExpired || !b.RemainingAmount.IsPositive() || b.ExpiresAt == nil {
		return false
	}
	return !now.Before(*b.ExpiresAt)
}

// =============================================================================
// PAYOUT REQUEST
// =============================================================================

type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutApproved  PayoutStatus = "approved"
	PayoutRejected  PayoutStatus = "rejected"
	PayoutProcessed PayoutStatus = "processed"
)

// IsTerminal reports whether no further transition is possible.
func (s PayoutStatus) IsTerminal() bool {
	return s == PayoutRejected || s == PayoutProcessed
}

type PayoutRequest struct {
	ID             PayoutID          `json:"id"`
	AmbassadorID   string            `json:"ambassador_id"`
	WalletID       WalletID          `json:"wallet_id"`
	Amount         decimal.Decimal   `json:"amount"`
	PointsRedeemed int64             `json:"points_redeemed"`
	Status         PayoutStatus      `json:"status"`
	BankDetails    map[string]string `json:"bank_details,omitempty"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	ProcessedBy    string            `json:"processed_by,omitempty"`
	AdminNotes     string            `json:"admin_notes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PayoutFilter narrows ListPayoutRequests. Zero fields match everything.
type PayoutFilter struct {
	Status       PayoutStatus
	AmbassadorID string
	Limit        int
}
