/*
errors.go - Error types for the wallet ledger

ERROR CATEGORIES:
  1. Not found: wallet or payout request does not exist (caller bug)
  2. Business rules: insufficient points/credits, closed wallet
  3. State machine: payout already decided, invalid transition
  4. Transient: contention on the per-wallet atomic unit (retried internally)
  5. Validation: malformed input rejected at the engine boundary

USAGE:
  if errors.Is(err, ledger.ErrInsufficientPoints) {
      // show "you don't have enough points"
  }
  if ledger.IsRetryable(err) {
      // show "please try again"
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletExists   = errors.New("wallet already exists")
	ErrWalletClosed   = errors.New("wallet is closed")
	ErrPayoutNotFound = errors.New("payout request not found")

	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrAlreadyProcessed is returned when a payout request has already left
	// the state the operation requires. Re-invocations are rejected, never
	// silently accepted.
	ErrAlreadyProcessed = errors.New("payout request already processed")

	// ErrInvalidTransition is returned for a transition the payout state
	// machine does not define (e.g. pending -> processed).
	ErrInvalidTransition = errors.New("invalid payout transition")

	// ErrConcurrencyConflict is returned by stores when the atomic unit could
	// not be committed because of contention. The engine retries it.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError details a points or credits shortage.
type InsufficientFundsError struct {
	WalletID  WalletID
	Unit      string // "points" or "credits"
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s",
		e.Unit, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error {
	if e.Unit == "points" {
		return ErrInsufficientPoints
	}
	return ErrInsufficientCredits
}

func insufficientPoints(walletID WalletID, available, requested int64) error {
	return &InsufficientFundsError{
		WalletID:  walletID,
		Unit:      "points",
		Available: decimal.NewFromInt(available),
		Requested: decimal.NewFromInt(requested),
	}
}

func insufficientCredits(walletID WalletID, available, requested decimal.Decimal) error {
	return &InsufficientFundsError{
		WalletID:  walletID,
		Unit:      "credits",
		Available: available,
		Requested: requested,
	}
}

// ValidationError reports malformed input on a typed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// TransientError is surfaced once the retry budget for a conflicting
// mutation is exhausted. Nothing was written.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is a business-rule or input
// rejection that retrying cannot fix.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrWalletClosed) ||
		errors.Is(err, ErrWalletExists) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrPayoutNotFound)
}
