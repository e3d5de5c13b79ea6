package units

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals int
		want     string
	}{
		{"0", 0, "0"},
		{"0", 6, "0"},
		{"0", 18, "0"},
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.0000001", 6, "0"},
		{"1.2345678", 6, "1234567"},
		{"10", 18, "10000000000000000000"},
		{"0.000001", 6, "1"},
		{"007", 2, "700"},
		{"", 6, "0"},
		{".5", 2, "50"},
		{"2.", 3, "2000"},
		{"1,000", 2, "100000"},
		{"abc", 6, "0"},
		{"1.5abc", 2, "150"},
		{"123456789.987654321", 9, "123456789987654321"},
	}
	for _, tc := range cases {
		got := ToBaseUnits(tc.amount, tc.decimals)
		if got != tc.want {
			t.Fatalf("ToBaseUnits(%q, %d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}
}

func TestToBaseUnitsNeverNegative(t *testing.T) {
	got := ToBaseUnits("-1.5", 6)
	if got != "1500000" {
		t.Fatalf("sign characters should be stripped, got %q", got)
	}
}

func TestToHexStrings(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"0x1a", "0x1a", true},
		{"0X1A", "0x1a", true},
		{"0x01a", "0x1a", true},
		{"255", "0xff", true},
		{"0", "0x0", true},
		{"-5", "0x0", true},
		{"", "", false},
		{"0x", "", false},
		{"0xzz", "", false},
		{"not a number", "", false},
		{"1000000000000000000", "0xde0b6b3a7640000", true},
	}
	for _, tc := range cases {
		got, ok := ToHex(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Fatalf("ToHex(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestToHexIdempotent(t *testing.T) {
	first, ok := ToHex("0x1a")
	if !ok {
		t.Fatal("expected hex input to normalize")
	}
	second, ok := ToHex(first)
	if !ok || second != first {
		t.Fatalf("ToHex not idempotent: %q then %q", first, second)
	}
}

func TestToHexNumbers(t *testing.T) {
	if got, ok := ToHex(255); !ok || got != "0xff" {
		t.Fatalf("ToHex(255) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex(int64(16)); !ok || got != "0x10" {
		t.Fatalf("ToHex(int64 16) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex(uint64(1)); !ok || got != "0x1" {
		t.Fatalf("ToHex(uint64 1) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex(float64(255)); !ok || got != "0xff" {
		t.Fatalf("ToHex(float64 255) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex(float64(-3)); !ok || got != "0x0" {
		t.Fatalf("negative input must clamp to zero, got (%q, %v)", got, ok)
	}
	if got, ok := ToHex(1.9); !ok || got != "0x1" {
		t.Fatalf("fractional input must truncate, got (%q, %v)", got, ok)
	}
}

func TestToHexAbsent(t *testing.T) {
	if got, ok := ToHex(nil); ok || got != "" {
		t.Fatalf("ToHex(nil) = (%q, %v), want absent", got, ok)
	}
	var missing *big.Int
	if _, ok := ToHex(missing); ok {
		t.Fatal("nil *big.Int should be absent")
	}
}

func TestToHexWrappers(t *testing.T) {
	n := big.NewInt(4096)
	if got, ok := ToHex(n); !ok || got != "0x1000" {
		t.Fatalf("ToHex(*big.Int) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex((*hexutil.Big)(big.NewInt(31))); !ok || got != "0x1f" {
		t.Fatalf("ToHex(*hexutil.Big) = (%q, %v)", got, ok)
	}
	if got, ok := ToHex(hexutil.Uint64(2)); !ok || got != "0x2" {
		t.Fatalf("ToHex(hexutil.Uint64) = (%q, %v)", got, ok)
	}
	wrapper := map[string]any{"type": "BigNumber", "hex": "0x0de0"}
	if got, ok := ToHex(wrapper); !ok || got != "0xde0" {
		t.Fatalf("ToHex(BigNumber wrapper) = (%q, %v)", got, ok)
	}
	if _, ok := ToHex(map[string]any{"value": 1}); ok {
		t.Fatal("wrapper without hex field should be absent")
	}
	if got, ok := ToHex(coercible("255")); !ok || got != "0xff" {
		t.Fatalf("ToHex(Stringer) = (%q, %v)", got, ok)
	}
}

type coercible string

func (c coercible) String() string { return string(c) }
