package ledger

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw   string
		units int64
		err   error
	}{
		{raw: "20", units: 20_000_000},
		{raw: "20.5", units: 20_500_000},
		{raw: " 0.000001 ", units: 1},
		{raw: "0", units: 0},
		{raw: "0.0000001", err: ErrAmountPrecision},
		{raw: "-1", err: ErrInvalidAmount},
		{raw: "", err: ErrInvalidAmount},
		{raw: "twenty", err: ErrInvalidAmount},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("ParseAmount(%q): expected %v, got %v", tc.raw, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", tc.raw, err)
		}
		if got.Big().Int64() != tc.units {
			t.Fatalf("ParseAmount(%q): got %s units want %d", tc.raw, got.Big(), tc.units)
		}
	}
}

func TestAmountArithmetic(t *testing.T) {
	fifty := MustParseAmount("50")
	twenty := MustParseAmount("20")

	left, err := fifty.Sub(twenty)
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	if left.String() != "30" || left.Fixed() != "30.00" {
		t.Fatalf("unexpected rendering %s / %s", left.String(), left.Fixed())
	}
	if _, err := twenty.Sub(fifty); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected negative amount error, got %v", err)
	}
	if MustParseAmount("1.239").Fixed() != "1.23" {
		t.Fatalf("display must truncate, got %s", MustParseAmount("1.239").Fixed())
	}

	ceiling := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	huge, err := AmountFromBig(ceiling)
	if err != nil {
		t.Fatalf("from big: %v", err)
	}
	if _, err := huge.Add(AmountFromUnits(1)); !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestAmountJSON(t *testing.T) {
	var payload struct {
		Amount Amount `json:"amount"`
	}
	if err := json.Unmarshal([]byte(`{"amount":"12.5"}`), &payload); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if payload.Amount.String() != "12.5" {
		t.Fatalf("got %s", payload.Amount)
	}
	if err := json.Unmarshal([]byte(`{"amount":7}`), &payload); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"amount":"7"}` {
		t.Fatalf("unexpected encoding %s", encoded)
	}
}
