package ledger_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger"
)

func TestValidator_ValidateAmount(t *testing.T) {
	v := ledger.DefaultValidator()

	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"smallest unit", "0.00000001", true},
		{"whole", "10", true},
		{"trailing zeros", "10.0000000000", true},
		{"maximum", "1000000000", true},
		{"zero", "0", false},
		{"negative", "-1", false},
		{"nine digits", "0.000000001", false},
		{"above maximum", "1000000000.00000001", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := v.ValidateAmount(decimal.RequireFromString(tt.in))
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, a.IsPositive())
				return
			}
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestValidator_CustomBounds(t *testing.T) {
	v := ledger.Validator{Min: ledger.MustParseAmount("1"), Max: ledger.MustParseAmount("5")}

	_, err := v.ValidateAmount(decimal.RequireFromString("0.5"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = v.ValidateAmount(decimal.RequireFromString("5.00000001"))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	a, err := v.ValidateAmount(decimal.RequireFromString("5"))
	require.NoError(t, err)
	assert.Equal(t, ledger.MustParseAmount("5"), a)
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ledger.ValidateUserID("user-1"))
	assert.ErrorIs(t, ledger.ValidateUserID(""), ledger.ErrValidation)
	assert.ErrorIs(t, ledger.ValidateUserID(" user"), ledger.ErrValidation)
	assert.ErrorIs(t, ledger.ValidateUserID(ledger.UserID(strings.Repeat("x", 129))), ledger.ErrValidation)
}

func TestValidateTypeAndStatus(t *testing.T) {
	for _, tt := range ledger.TransactionTypes() {
		assert.NoError(t, ledger.ValidateType(tt))
	}
	assert.ErrorIs(t, ledger.ValidateType("gift"), ledger.ErrValidation)
	assert.NoError(t, ledger.ValidateStatus(ledger.StatusRolledBack))
	assert.ErrorIs(t, ledger.ValidateStatus("done"), ledger.ErrValidation)
}
