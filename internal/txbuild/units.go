package txbuild

import (
	"errors"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// TokenDecimals is the decimal count of the supported token.
const TokenDecimals = 18

var (
	ErrEmptyAmount    = errors.New("amount is empty")
	ErrInvalidAmount  = errors.New("amount is not a decimal number")
	ErrNegativeAmount = errors.New("amount is negative")
	ErrAmountOverflow = errors.New("amount does not fit in uint256")
)

// ParseUnits converts a human decimal string ("1.5") into integer base units
// with the given decimal count. Extra fractional digits are truncated toward
// zero so the result never exceeds what the user typed.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyAmount
	}
	if s[0] == '-' {
		return nil, ErrNegativeAmount
	}
	if s[0] == '+' {
		s = s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	if intPart == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if !digitsOnly(intPart) || !digitsOnly(frac) {
		return nil, ErrInvalidAmount
	}
	if len(frac) > decimals {
		frac = frac[:decimals]
	}
	frac += strings.Repeat("0", decimals-len(frac))

	v, ok := new(big.Int).SetString("0"+intPart+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

// FormatUnits renders base units as an exact decimal string without
// trailing zeros.
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	neg := v.Sign() < 0
	digits := new(big.Int).Abs(v).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	intPart, frac := digits[:len(digits)-decimals], strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := intPart
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// FormatEther renders wei with six fractional digits.
func FormatEther(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), big.NewInt(1_000_000_000_000_000_000))
	return r.FloatString(6)
}

// FormatGwei renders wei as gwei with two fractional digits.
func FormatGwei(x *big.Int) string {
	if x == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(new(big.Int).Set(x), big.NewInt(1_000_000_000))
	return r.FloatString(2)
}

// GweiToWei converts whole gwei to wei.
func GweiToWei(g int64) *big.Int {
	x := new(big.Int).SetInt64(g)
	return x.Mul(x, big.NewInt(1_000_000_000))
}

func digitsOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
