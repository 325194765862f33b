package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/token-ledger/ledger"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("driver said no")
	tests := []struct {
		err      error
		kind     ledger.ErrorKind
		sentinel error
		client   bool
		retry    bool
	}{
		{&ledger.ValidationError{Field: "amount"}, ledger.KindValidation, ledger.ErrValidation, true, false},
		{&ledger.InsufficientBalanceError{UserID: "u"}, ledger.KindInsufficientBalance, ledger.ErrInsufficientBalance, true, false},
		{&ledger.NotFoundError{Resource: "transaction", ID: "x"}, ledger.KindNotFound, ledger.ErrNotFound, true, false},
		{&ledger.InvalidOperationError{Reason: "no"}, ledger.KindInvalidOperation, ledger.ErrInvalidOperation, true, false},
		{&ledger.ConcurrencyError{Op: "lock", Err: cause}, ledger.KindConcurrency, ledger.ErrConcurrency, false, true},
		{&ledger.ConstraintViolationError{Invariant: "x"}, ledger.KindConstraintViolation, ledger.ErrConstraintViolation, false, false},
		{&ledger.RepositoryError{Op: "insert", Err: cause}, ledger.KindRepository, ledger.ErrRepository, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.Equal(t, tt.kind, ledger.KindOf(wrapped))
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.client, ledger.IsClientError(wrapped))
			assert.Equal(t, tt.retry, ledger.IsRetryable(wrapped))
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestErrorKinds_CauseIsReachable(t *testing.T) {
	cause := errors.New("disk full")
	err := &ledger.RepositoryError{Op: "commit", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ledger.ErrRepository)
}

func TestKindOf_ForeignError(t *testing.T) {
	assert.Equal(t, ledger.KindUnknown, ledger.KindOf(errors.New("boom")))
	assert.Equal(t, ledger.KindUnknown, ledger.KindOf(nil))
}

func TestDuplicateKeyError(t *testing.T) {
	err := ledger.DuplicateKeyError("k1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, ledger.KindInvalidOperation, ledger.KindOf(err))
}

func TestContextError(t *testing.T) {
	assert.True(t, ledger.IsRetryable(ledger.ContextError("lock", context.DeadlineExceeded)))

	err := ledger.ContextError("lock", context.Canceled)
	assert.False(t, ledger.IsRetryable(err))
	assert.ErrorIs(t, err, context.Canceled)
}
