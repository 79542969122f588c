/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON bodies accepted by the handlers and the wrappers they
  return. Wallets, transactions, credit batches and payout requests are
  serialised straight from the ledger types, which carry their own JSON tags.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

AMOUNTS:
  Credit amounts are decimal.Decimal and accept either a JSON string
  ("12.50") or a number (12.5). Responses always encode them as strings.

VALIDATION:
  DTOs are pure data carriers. Handlers map them onto the ledger's typed
  requests, which are validated at the engine boundary.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/requests.go: Engine request types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/learnhub/wallet-ledger/ledger"
)

// =============================================================================
// WALLETS
// =============================================================================

type EnsureWalletRequest struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Currency string `json:"currency,omitempty"`
}

// AddTransactionRequest posts a signed entry such as a referral bonus or an
// admin adjustment.
type AddTransactionRequest struct {
	Type        string            `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Points      int64             `json:"points"`
	Description string            `json:"description"`
	ReferenceID string            `json:"reference_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type TransactionsResponse struct {
	Transactions []ledger.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

// =============================================================================
// CREDITS
// =============================================================================

type GrantCreditRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Source          string          `json:"source"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	SourcePaymentID string          `json:"source_payment_id,omitempty"`
	Description     string          `json:"description,omitempty"`
}

type GrantCreditResponse struct {
	Batch       ledger.CreditBatch `json:"batch"`
	Transaction ledger.Transaction `json:"transaction"`
}

type ConsumeCreditsRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	AllowPartial bool            `json:"allow_partial"`
	ReferenceID  string          `json:"reference_id,omitempty"`
	Description  string          `json:"description,omitempty"`
}

type ConvertPointsRequest struct {
	Points int64 `json:"points"`
}

type CreditsResponse struct {
	Batches   []ledger.CreditBatch `json:"batches"`
	Available decimal.Decimal      `json:"available"`
}

// =============================================================================
// PAYOUTS
// =============================================================================

type PayoutRequestBody struct {
	AmbassadorID string            `json:"ambassador_id"`
	Amount       decimal.Decimal   `json:"amount"`
	Points       int64             `json:"points"`
	BankDetails  map[string]string `json:"bank_details,omitempty"`
}

type PayoutDecisionRequest struct {
	Approved bool   `json:"approved"`
	AdminID  string `json:"admin_id"`
	Notes    string `json:"notes,omitempty"`
}

type MarkProcessedRequest struct {
	AdminID string `json:"admin_id"`
	Notes   string `json:"notes,omitempty"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}
