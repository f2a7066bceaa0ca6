package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of fractional digits carried by the stable token.
const AmountDecimals = 6

var (
	// ErrInvalidAmount is returned when an amount string cannot be parsed.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrAmountPrecision is returned when an amount carries more than six fractional digits.
	ErrAmountPrecision = errors.New("ledger: amount exceeds 6 decimal places")
	// ErrNegativeAmount is returned when a subtraction would drop below zero.
	ErrNegativeAmount = errors.New("ledger: amount would become negative")
	// ErrAmountOverflow is returned when an amount does not fit in 256 bits.
	ErrAmountOverflow = errors.New("ledger: amount overflows uint256")
)

// Amount is a non-negative fixed-point quantity expressed in the token's base units
// (10^-6). The zero value is zero.
type Amount struct {
	units uint256.Int
}

// ParseAmount converts a human readable decimal string ("20", "20.5", "0.000001")
// into base units. Signs, exponents beyond six fractional digits and blank input are
// rejected.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if d.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: negative", ErrInvalidAmount)
	}
	shifted := d.Shift(AmountDecimals)
	if !shifted.IsInteger() {
		return Amount{}, ErrAmountPrecision
	}
	return AmountFromBig(shifted.BigInt())
}

// MustParseAmount is ParseAmount for literals known to be valid.
func MustParseAmount(raw string) Amount {
	a, err := ParseAmount(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromUnits builds an amount from base units.
func AmountFromUnits(units uint64) Amount {
	var a Amount
	a.units.SetUint64(units)
	return a
}

// AmountFromBig builds an amount from a base-unit big integer.
func AmountFromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return Amount{}, nil
	}
	if v.Sign() < 0 {
		return Amount{}, ErrNegativeAmount
	}
	u, overflow := uint256.FromBig(v)
	if overflow {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{units: *u}, nil
}

// Big returns the base-unit value as a fresh big integer, ready for ABI encoding.
func (a Amount) Big() *big.Int {
	return a.units.ToBig()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.units.IsZero()
}

// Cmp compares two amounts.
func (a Amount) Cmp(b Amount) int {
	return a.units.Cmp(&b.units)
}

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.units.AddOverflow(&a.units, &b.units); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Sub returns a-b and refuses to go below zero.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.units.SubOverflow(&a.units, &b.units); underflow {
		return Amount{}, ErrNegativeAmount
	}
	return out, nil
}

// String renders the amount as a decimal with trailing zeros trimmed ("30", "20.5").
func (a Amount) String() string {
	return decimal.NewFromBigInt(a.units.ToBig(), -AmountDecimals).String()
}

// Fixed renders the amount with exactly two fractional digits for display ("30.00").
// Display only: sub-cent digits are truncated, never rounded up.
func (a Amount) Fixed() string {
	return decimal.NewFromBigInt(a.units.ToBig(), -AmountDecimals).Truncate(2).StringFixed(2)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a decimal string or a JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
