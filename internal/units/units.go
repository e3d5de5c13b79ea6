// Package units converts between human-entered decimal amounts, integer
// base-unit strings, and the 0x-hex quantities carried by transaction fields.
package units

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ToBaseUnits converts a decimal amount string into an integer base-unit
// string for a token with the given decimals. It never fails: non-digit
// characters are stripped from each segment and empty segments read as zero.
// Fractional digits beyond the token's precision are truncated, not rounded.
func ToBaseUnits(amountText string, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	intPart, fracPart, _ := strings.Cut(strings.TrimSpace(amountText), ".")
	intPart = digitsOnly(intPart)
	fracPart = digitsOnly(fracPart)

	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	} else {
		fracPart += strings.Repeat("0", decimals-len(fracPart))
	}

	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "0"
	}
	return combined
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ToHex normalizes a numeric-like value into a canonical 0x-prefixed
// lowercase hex string. It accepts hex strings, decimal strings, plain
// numbers, big integers, hexutil wrappers, BigNumber-style {"hex": ...}
// objects, and anything with a string coercion. The second return is false
// when the value is absent or unparseable. Negative values clamp to zero
// since transaction numeric fields are never negative.
func ToHex(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return hexFromString(t)
	case int:
		return encodeClamped(big.NewInt(int64(t))), true
	case int64:
		return encodeClamped(big.NewInt(t)), true
	case uint64:
		return encodeClamped(new(big.Int).SetUint64(t)), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		f := new(big.Float).SetFloat64(math.Trunc(t))
		n, _ := f.Int(nil)
		return encodeClamped(n), true
	case *big.Int:
		if t == nil {
			return "", false
		}
		return encodeClamped(new(big.Int).Set(t)), true
	case big.Int:
		return encodeClamped(new(big.Int).Set(&t)), true
	case hexutil.Big:
		return encodeClamped(new(big.Int).Set(t.ToInt())), true
	case *hexutil.Big:
		if t == nil {
			return "", false
		}
		return encodeClamped(new(big.Int).Set(t.ToInt())), true
	case hexutil.Uint64:
		return encodeClamped(new(big.Int).SetUint64(uint64(t))), true
	case map[string]any:
		if hex, ok := t["hex"]; ok {
			return ToHex(hex)
		}
		return "", false
	case fmt.Stringer:
		return hexFromString(t.String())
	default:
		return "", false
	}
}

func hexFromString(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}

	n := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return "", false
		}
		if _, ok := n.SetString(digits, 16); !ok {
			return "", false
		}
	} else {
		if _, ok := n.SetString(s, 10); !ok {
			return "", false
		}
	}

	if negative {
		return "0x0", true
	}
	return hexutil.EncodeBig(n), true
}

func encodeClamped(n *big.Int) string {
	if n.Sign() < 0 {
		return "0x0"
	}
	return hexutil.EncodeBig(n)
}
