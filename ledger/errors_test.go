package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReason(t *testing.T) {
	cases := map[string]Reason{
		"OTP already used":                       ReasonAlreadyConsumed,
		"OTP expired":                            ReasonExpired,
		"Invalid OTP":                            ReasonInvalidCode,
		"ERC20: insufficient allowance":          ReasonInsufficientAllowance,
		"ERC20: transfer amount exceeds balance": ReasonInsufficientBalance,
		"Insufficient balance":                   ReasonInsufficientBalance,
		"Category mismatch":                      ReasonCategoryMismatch,
		"Amount mismatch":                        ReasonAmountMismatch,
		"Merchant not registered":                ReasonNotRegistered,
		"Beneficiary not found":                  ReasonUnknownBeneficiary,
		"No pending payment":                     ReasonNoPendingPayment,
		"":                                       ReasonUnknown,
		"something odd":                          ReasonUnknown,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParseReason(raw), raw)
	}
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify(nil))

	declined := Classify(fmt.Errorf("wrap: %w", &RejectionError{Op: OpProcessPayment}))
	require.Equal(t, KindUserDeclined, declined.Kind)
	require.Equal(t, OpProcessPayment, declined.Op)

	expired := Classify(NewRevertError(string(OpProcessPayment), "OTP expired"))
	require.Equal(t, KindExpired, expired.Kind)
	require.Equal(t, ReasonExpired, expired.Reason)

	rejected := Classify(NewRevertError(string(OpProcessPayment), "Invalid OTP"))
	require.Equal(t, KindLedgerRejected, rejected.Kind)
	require.False(t, rejected.Retryable())

	transient := Classify(&NetworkError{Op: "getOtp", Stage: "query", Err: errors.New("dial tcp")})
	require.True(t, transient.Retryable())
	require.True(t, IsTransient(context.DeadlineExceeded))

	validation := Classify(ErrAmountPrecision)
	require.Equal(t, KindValidation, validation.Kind)

	structured := Conflict("payment already pending")
	require.Same(t, structured, Classify(structured))

	require.Equal(t, KindInternal, Classify(errors.New("boom")).Kind)
}
