// Package normalize converts raw token balances between native and shared
// decimal precisions using integer arithmetic only.
package normalize

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/emperorhan/supply-aggregator/internal/domain/model"
	"github.com/emperorhan/supply-aggregator/internal/upstream"
	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest native precision accepted for a token.
const MaxDecimals = 18

var (
	ErrInvalidDecimals   = errors.New("decimals out of range")
	ErrPrecisionTooHigh  = errors.New("token decimals exceed reference precision")
	ErrNegativeAmount    = errors.New("negative amount")
	ErrPrecisionMismatch = errors.New("amounts have different precision")
	ErrNilAmount         = errors.New("nil amount")
)

var ten = big.NewInt(10)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// Normalize rescales raw to referencePrecision. It never rounds: raw values
// whose decimals exceed referencePrecision are rejected.
func Normalize(raw model.AmountRaw, referencePrecision uint8) (model.NormalizedAmount, error) {
	if raw.Value == nil {
		return model.NormalizedAmount{}, ErrNilAmount
	}
	if raw.Decimals > MaxDecimals || referencePrecision > MaxDecimals {
		return model.NormalizedAmount{}, fmt.Errorf("%w: decimals=%d reference=%d", ErrInvalidDecimals, raw.Decimals, referencePrecision)
	}
	if raw.Value.Sign() < 0 {
		return model.NormalizedAmount{}, ErrNegativeAmount
	}
	if raw.Decimals > referencePrecision {
		return model.NormalizedAmount{}, fmt.Errorf("%w: decimals=%d reference=%d", ErrPrecisionTooHigh, raw.Decimals, referencePrecision)
	}

	scaled := new(big.Int).Mul(raw.Value, pow10(referencePrecision-raw.Decimals))
	return model.NormalizedAmount{Value: scaled, Precision: referencePrecision}, nil
}

// ToDisplayString renders amount / 10^decimals as a fixed-point string.
// Zero renders as "0.<decimals zeros>"; decimals 0 renders the bare integer.
func ToDisplayString(amount *big.Int, decimals uint8) string {
	if amount == nil {
		amount = new(big.Int)
	}
	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	digits := new(big.Int).Abs(amount).String()
	if decimals == 0 {
		return sign + digits
	}

	d := int(decimals)
	if len(digits) <= d {
		digits = strings.Repeat("0", d-len(digits)+1) + digits
	}
	return sign + digits[:len(digits)-d] + "." + digits[len(digits)-d:]
}

// Display renders a normalized amount in token units.
func Display(a model.NormalizedAmount) string {
	return ToDisplayString(a.Value, a.Precision)
}

// ParseRaw parses an integer string in the token's smallest unit. Anything
// that is not a non-negative base-10 integer is a malformed amount.
func ParseRaw(s string, decimals uint8) (model.AmountRaw, error) {
	if decimals > MaxDecimals {
		return model.AmountRaw{}, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || !isDigits(trimmed) {
		return model.AmountRaw{}, upstream.Errorf(upstream.KindMalformedAmount, "", "not a non-negative integer: %q", s)
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return model.AmountRaw{}, upstream.Errorf(upstream.KindMalformedAmount, "", "not a non-negative integer: %q", s)
	}
	return model.AmountRaw{Value: v, Decimals: decimals}, nil
}

// ParseJSONInteger parses a JSON number or string holding a non-negative
// integer, accepting exponent form ("2.3e+13"). JSON null yields nil.
func ParseJSONInteger(raw []byte) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	s = strings.Trim(s, `"`)
	if strings.ContainsAny(s, "/xX") {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "not an integer: %q", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok || !r.IsInt() {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "not an integer: %q", s)
	}
	if r.Sign() < 0 {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "negative amount %q", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// ParseDisplay is the exact inverse of ToDisplayString for non-negative
// values: "1.5" with decimals 8 yields 150000000.
func ParseDisplay(s string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	intPart, fracPart, hasDot := strings.Cut(trimmed, ".")
	if intPart == "" || !isDigits(intPart) || (hasDot && (fracPart == "" || !isDigits(fracPart))) {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "not a decimal amount: %q", s)
	}
	if len(fracPart) > int(decimals) {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "%q has more than %d fractional digits", s, decimals)
	}
	fracPart += strings.Repeat("0", int(decimals)-len(fracPart))

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "not a decimal amount: %q", s)
	}
	return v, nil
}

// FromDecimal converts an amount in token units into the smallest unit,
// truncating anything below one unit toward zero.
func FromDecimal(d decimal.Decimal, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if d.Sign() < 0 {
		return nil, upstream.Errorf(upstream.KindMalformedAmount, "", "negative amount %s", d.String())
	}
	return d.Shift(int32(decimals)).BigInt(), nil
}

// Sum adds amounts that share precision. An empty input sums to zero at
// precision.
func Sum(precision uint8, amounts ...model.NormalizedAmount) (model.NormalizedAmount, error) {
	total := new(big.Int)
	for _, a := range amounts {
		if a.Precision != precision {
			return model.NormalizedAmount{}, fmt.Errorf("%w: want %d, got %d", ErrPrecisionMismatch, precision, a.Precision)
		}
		if a.Value == nil {
			return model.NormalizedAmount{}, ErrNilAmount
		}
		total.Add(total, a.Value)
	}
	return model.NormalizedAmount{Value: total, Precision: precision}, nil
}

// SharePlaces is the number of decimal places kept in a percentage share.
const SharePlaces = 4

// Share returns part as a percentage of total, rounded half away from zero
// to SharePlaces. The ratio is taken exactly before rounding. A zero total
// yields a zero share.
func Share(part, total model.NormalizedAmount) (decimal.Decimal, error) {
	if part.Precision != total.Precision {
		return decimal.Zero, fmt.Errorf("%w: want %d, got %d", ErrPrecisionMismatch, total.Precision, part.Precision)
	}
	if part.Value == nil || total.Value == nil {
		return decimal.Zero, ErrNilAmount
	}
	if total.Value.Sign() == 0 {
		return decimal.Zero, nil
	}
	r := new(big.Rat).SetFrac(new(big.Int).Mul(part.Value, big.NewInt(100)), total.Value)
	return decimal.NewFromBigRat(r, SharePlaces), nil
}

// USDValue multiplies an amount in token units by a fiat price. This is the
// only step where the result may carry the price's own imprecision.
func USDValue(a model.NormalizedAmount, price decimal.Decimal) decimal.Decimal {
	if a.Value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Value, -int32(a.Precision)).Mul(price)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
