package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// OTPTTL is the fixed lifetime of an issued redemption code.
const OTPTTL = 15 * time.Second

// OTP is the canonical redemption code record regardless of the shape the ledger returned.
type OTP struct {
	Code      string    `json:"-"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	// LedgerExpiry is true when ExpiresAt came from the ledger rather than the local default.
	LedgerExpiry bool `json:"ledgerExpiry"`
}

// Expired reports whether the code is past its deadline at now. The window is half-open:
// a code is valid strictly before ExpiresAt.
func (o OTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Remaining returns the time left before expiry, floored at zero.
func (o OTP) Remaining(now time.Time) time.Duration {
	left := o.ExpiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// DecodeOTP normalises a getOtp result. The ledger may answer with a bare code or with a
// (code, expiryEpochSeconds) pair; both become one OTP. When no expiry is present the
// deadline defaults to issuedAt+OTPTTL.
func DecodeOTP(values []any, issuedAt time.Time) (OTP, error) {
	if len(values) == 0 || len(values) > 2 {
		return OTP{}, fmt.Errorf("ledger: getOtp returned %d values", len(values))
	}
	code, err := otpCode(values[0])
	if err != nil {
		return OTP{}, err
	}
	if code == "" {
		return OTP{}, fmt.Errorf("ledger: getOtp returned an empty code")
	}
	otp := OTP{Code: code, IssuedAt: issuedAt, ExpiresAt: issuedAt.Add(OTPTTL)}
	if len(values) == 1 {
		return otp, nil
	}
	epoch, ok, err := epochSeconds(values[1])
	if err != nil {
		return OTP{}, err
	}
	if ok {
		otp.ExpiresAt = ledgerDeadline(epoch, otp.ExpiresAt)
		otp.LedgerExpiry = true
	}
	return otp, nil
}

// ledgerDeadline converts a whole-second ledger expiry to a local deadline. A ledger that
// truncates issuedAt+OTPTTL to the second reports a deadline up to 1s early; the local
// window is then kept, so the fast-fail never expires a code the ledger would still accept.
func ledgerDeadline(epoch int64, fallback time.Time) time.Time {
	deadline := time.Unix(epoch, 0).UTC()
	if deadline.Before(fallback) && fallback.Sub(deadline) < time.Second {
		return fallback
	}
	return deadline
}

func otpCode(v any) (string, error) {
	switch code := v.(type) {
	case string:
		return strings.TrimSpace(code), nil
	case *big.Int:
		if code == nil {
			return "", nil
		}
		return code.String(), nil
	case uint64:
		return fmt.Sprint(code), nil
	case uint32:
		return fmt.Sprint(code), nil
	case uint16:
		return fmt.Sprint(code), nil
	case int:
		return fmt.Sprint(code), nil
	default:
		return "", fmt.Errorf("ledger: unsupported otp code type %T", v)
	}
}

// epochSeconds decodes the optional expiry element; zero means "not provided".
func epochSeconds(v any) (int64, bool, error) {
	var epoch int64
	switch e := v.(type) {
	case nil:
		return 0, false, nil
	case *big.Int:
		if e == nil {
			return 0, false, nil
		}
		if !e.IsInt64() {
			return 0, false, fmt.Errorf("ledger: otp expiry out of range")
		}
		epoch = e.Int64()
	case uint64:
		epoch = int64(e)
	case int64:
		epoch = e
	case int:
		epoch = int64(e)
	default:
		return 0, false, fmt.Errorf("ledger: unsupported otp expiry type %T", v)
	}
	if epoch <= 0 {
		return 0, false, nil
	}
	return epoch, true, nil
}
