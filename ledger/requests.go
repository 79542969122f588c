package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TYPED REQUESTS - Validated at the engine boundary
// =============================================================================

type EnsureWalletRequest struct {
	UserID   string   `validate:"required,max=128"`
	UserType UserType `validate:"required,oneof=student ambassador"`
	Currency string   `validate:"omitempty,len=3,alpha"`
}

// AddTransactionRequest carries signed deltas. Debits are negative.
type AddTransactionRequest struct {
	WalletID    WalletID        `validate:"required"`
	Type        TransactionType `validate:"required,oneof=credit debit conversion payout referral_bonus registration_bonus adjustment"`
	Amount      decimal.Decimal
	Points      int64
	Description string `validate:"max=500"`
	ReferenceID string `validate:"max=128"`
	Metadata    map[string]string
}

type GrantCreditRequest struct {
	WalletID        WalletID        `validate:"required"`
	Amount          decimal.Decimal `validate:"gt=0"`
	Source          string          `validate:"required,max=64"`
	ExpiresAt       *time.Time
	SourcePaymentID string `validate:"max=128"`
	Description     string `validate:"max=500"`
}

// ConsumeCreditsRequest spends credits FIFO. Unless AllowPartial is set the
// request fails without side effects when active credit cannot cover Amount.
type ConsumeCreditsRequest struct {
	WalletID     WalletID        `validate:"required"`
	Amount       decimal.Decimal `validate:"gt=0"`
	AllowPartial bool
	ReferenceID  string `validate:"max=128"`
	Description  string `validate:"max=500"`
}

type ConvertPointsRequest struct {
	WalletID WalletID        `validate:"required"`
	Points   int64           `validate:"gt=0"`
	Rate     decimal.Decimal `validate:"gt=0"`
}

type PayoutRequestInput struct {
	AmbassadorID string          `validate:"required,max=128"`
	Amount       decimal.Decimal `validate:"gt=0"`
	Points       int64           `validate:"gt=0"`
	BankDetails  map[string]string
}

type PayoutDecision struct {
	RequestID PayoutID `validate:"required"`
	Approved  bool
	AdminID   string `validate:"required,max=128"`
	Notes     string `validate:"max=1000"`
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Validate decimal.Decimal as float64 for gt/lt checks.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// validateRequest runs the struct tags and converts the first failure into a
// *ValidationError.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Message: describeTag(fe)}
	}
	return &ValidationError{Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "len":
		return "must be " + fe.Param() + " characters"
	}
	return fmt.Sprintf("failed '%s' validation", fe.Tag())
}
