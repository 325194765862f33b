package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALIDATOR - Pure input checks, no side effects
// =============================================================================

// MaxUserIDLength bounds the byte length of a user id.
const MaxUserIDLength = 128

// Validator holds the accepted amount range. Both bounds are inclusive.
type Validator struct {
	Min Amount
	Max Amount
}

// DefaultValidator accepts amounts in [0.00000001, 1_000_000_000].
func DefaultValidator() Validator {
	return Validator{
		Min: AmountFromUnits(1),
		Max: 1_000_000_000 * UnitsPerToken,
	}
}

// ValidateAmount converts a caller-supplied magnitude into an Amount.
// Zero, negative, over-precise and out-of-range values are rejected.
func (v Validator) ValidateAmount(d decimal.Decimal) (Amount, error) {
	if !d.IsPositive() {
		return 0, &ValidationError{Field: "amount", Value: d.String(), Reason: "must be greater than zero"}
	}
	a, err := AmountFromDecimal(d)
	if err != nil {
		return 0, err
	}
	if a < v.Min {
		return 0, &ValidationError{
			Field:  "amount",
			Value:  d.String(),
			Reason: fmt.Sprintf("below minimum %s", v.Min),
		}
	}
	if v.Max > 0 && a > v.Max {
		return 0, &ValidationError{
			Field:  "amount",
			Value:  d.String(),
			Reason: fmt.Sprintf("above maximum %s", v.Max),
		}
	}
	return a, nil
}

// ValidateType rejects anything outside the closed set of transaction types.
func ValidateType(t TransactionType) error {
	if !t.Valid() {
		return &ValidationError{Field: "type", Value: string(t), Reason: "unknown transaction type"}
	}
	return nil
}

// ValidateStatus rejects anything outside the closed set of statuses.
func ValidateStatus(s Status) error {
	if !s.Valid() {
		return &ValidationError{Field: "status", Value: string(s), Reason: "unknown status"}
	}
	return nil
}

// ValidateUserID rejects empty, oversized or whitespace-padded ids.
func ValidateUserID(id UserID) error {
	s := string(id)
	switch {
	case s == "":
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	case len(s) > MaxUserIDLength:
		return &ValidationError{
			Field:  "user_id",
			Reason: fmt.Sprintf("longer than %d bytes", MaxUserIDLength),
		}
	case strings.TrimSpace(s) != s:
		return &ValidationError{Field: "user_id", Value: s, Reason: "surrounding whitespace"}
	}
	return nil
}
