package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for callers and for the HTTP surface.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindUserDeclined   Kind = "user_declined"
	KindTransient      Kind = "transient"
	KindLedgerRejected Kind = "ledger_rejected"
	KindExpired        Kind = "expired"
	KindConflict       Kind = "conflict"
	KindPartial        Kind = "partial"
	KindInternal       Kind = "internal"
)

// Reason refines a ledger rejection.
type Reason string

const (
	ReasonInsufficientBalance   Reason = "insufficient-balance"
	ReasonInsufficientAllowance Reason = "insufficient-allowance"
	ReasonCategoryMismatch      Reason = "category-mismatch"
	ReasonAlreadyConsumed       Reason = "already-consumed"
	ReasonExpired               Reason = "expired"
	ReasonInvalidCode           Reason = "invalid-code"
	ReasonAmountMismatch        Reason = "amount-mismatch"
	ReasonNotRegistered         Reason = "merchant-not-registered"
	ReasonUnknownBeneficiary    Reason = "unknown-beneficiary"
	ReasonNoPendingPayment      Reason = "no-pending-payment"
	ReasonInvalidArgument       Reason = "invalid-argument"
	ReasonUnknown               Reason = "unknown"
)

// reasonMarkers maps lower-cased fragments of contract revert strings to reasons. Order
// matters: more specific phrases come first.
var reasonMarkers = []struct {
	marker string
	reason Reason
}{
	{"already used", ReasonAlreadyConsumed},
	{"already consumed", ReasonAlreadyConsumed},
	{"already-consumed", ReasonAlreadyConsumed},
	{"expired", ReasonExpired},
	{"invalid otp", ReasonInvalidCode},
	{"invalid code", ReasonInvalidCode},
	{"invalid-code", ReasonInvalidCode},
	{"allowance", ReasonInsufficientAllowance},
	{"insufficient", ReasonInsufficientBalance},
	{"exceeds balance", ReasonInsufficientBalance},
	{"category", ReasonCategoryMismatch},
	{"amount mismatch", ReasonAmountMismatch},
	{"amount-mismatch", ReasonAmountMismatch},
	{"not registered", ReasonNotRegistered},
	{"merchant-not-registered", ReasonNotRegistered},
	{"beneficiary", ReasonUnknownBeneficiary},
	{"no pending", ReasonNoPendingPayment},
	{"no-pending-payment", ReasonNoPendingPayment},
	{"invalid-argument", ReasonInvalidArgument},
}

// ParseReason maps a raw revert string to a Reason.
func ParseReason(raw string) Reason {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return ReasonUnknown
	}
	for _, m := range reasonMarkers {
		if strings.Contains(lowered, m.marker) {
			return m.reason
		}
	}
	return ReasonUnknown
}

// RejectionError reports that the signer declined to authorise a write. Nothing was broadcast.
type RejectionError struct {
	Op  Operation
	Err error
}

func (e *RejectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger: %s declined: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s declined", e.Op)
}

func (e *RejectionError) Unwrap() error { return e.Err }

// NetworkError reports a transport failure. Stage is "submit", "confirm" or "query"; a submit
// stage failure means nothing was broadcast.
type NetworkError struct {
	Op    string
	Stage string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.Stage, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RevertError reports that the ledger rejected the call on a business rule.
type RevertError struct {
	Op     string
	Reason Reason
	Raw    string
}

// NewRevertError builds a RevertError, deriving the reason from the raw message.
func NewRevertError(op, raw string) *RevertError {
	return &RevertError{Op: op, Reason: ParseReason(raw), Raw: raw}
}

func (e *RevertError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("ledger: %s reverted: %s", e.Op, e.Raw)
	}
	return fmt.Sprintf("ledger: %s reverted (%s)", e.Op, e.Reason)
}

// Error is the structured failure returned to orchestrator callers.
type Error struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Reason  Reason    `json:"reason,omitempty"`
	Op      Operation `json:"op,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same call may be repeated without a fresh cycle.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindTransient
}

// Validation builds a local pre-submission failure.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a local state conflict failure.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// classifier is implemented by errors that carry their own classification, such as a
// half-finished saga whose inner cause would otherwise read as a plain rejection.
type classifier interface {
	Classified() *Error
}

// Classify maps any error returned by this module onto the structured taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var self classifier
	if errors.As(err, &self) {
		return self.Classified()
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return &Error{Kind: KindUserDeclined, Message: "signature request declined", Op: rejection.Op, Err: err}
	}
	var revert *RevertError
	if errors.As(err, &revert) {
		kind := KindLedgerRejected
		if revert.Reason == ReasonExpired {
			kind = KindExpired
		}
		msg := revert.Raw
		if msg == "" {
			msg = string(revert.Reason)
		}
		return &Error{Kind: kind, Message: msg, Reason: revert.Reason, Op: Operation(revert.Op), Err: err}
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return &Error{Kind: KindTransient, Message: network.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransient, Message: err.Error(), Err: err}
	}
	if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrAmountPrecision) {
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
}

// IsTransient reports whether err is retryable transport trouble.
func IsTransient(err error) bool {
	return Classify(err).Retryable()
}

// RevertReason returns the reason carried by err, or "" if err is not a revert.
func RevertReason(err error) Reason {
	var revert *RevertError
	if errors.As(err, &revert) {
		return revert.Reason
	}
	return ""
}
