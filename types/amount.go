// Package types provides common value types used across Tithe.
package types

import (
	"database/sql/driver"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount is an unsigned 256-bit quantity of an asset in its smallest unit.
// All arithmetic is integer-only and checked: operations report overflow
// instead of wrapping.
//
// The zero value is a valid zero amount.
//
//nolint:recvcheck // Value receivers for arithmetic, pointer receivers for UnmarshalText/Scan.
type Amount struct {
	v uint256.Int
}

// NewAmount creates an Amount from a uint64.
func NewAmount(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// ZeroAmount returns the zero Amount.
func ZeroAmount() Amount { return Amount{} }

// MaxAmount returns 2^256 - 1.
func MaxAmount() Amount {
	var a Amount
	a.v.SetAllOne()
	return a
}

// ParseAmount parses a base-10 string into an Amount.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if s == "" {
		return a, fmt.Errorf("amount: parse %q: empty string", s)
	}
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("amount: parse %q: %w", s, err)
	}
	return a, nil
}

// MustParseAmount is like ParseAmount but panics on error. Use for constants.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AmountFromBig converts a non-negative big.Int. ok is false when b is
// negative or does not fit in 256 bits.
func AmountFromBig(b *big.Int) (Amount, bool) {
	if b == nil || b.Sign() < 0 {
		return Amount{}, false
	}
	var a Amount
	if overflow := a.v.SetFromBig(b); overflow {
		return Amount{}, false
	}
	return a, true
}

// Pow10 returns 10^n.
func Pow10(n uint64) Amount {
	var a Amount
	a.v.Exp(uint256.NewInt(10), uint256.NewInt(n))
	return a
}

// Arithmetic

// Add returns a+b. overflow reports a result above 2^256-1.
func (a Amount) Add(b Amount) (sum Amount, overflow bool) {
	_, overflow = sum.v.AddOverflow(&a.v, &b.v)
	return sum, overflow
}

// Sub returns a-b. underflow reports b > a.
func (a Amount) Sub(b Amount) (diff Amount, underflow bool) {
	_, underflow = diff.v.SubOverflow(&a.v, &b.v)
	return diff, underflow
}

// SaturatingSub returns max(0, a-b).
func (a Amount) SaturatingSub(b Amount) Amount {
	diff, underflow := a.Sub(b)
	if underflow {
		return Amount{}
	}
	return diff
}

// MulDiv returns floor(a*b/d) using a 512-bit intermediate product.
// overflow reports a zero divisor or a quotient above 2^256-1.
func (a Amount) MulDiv(b, d Amount) (q Amount, overflow bool) {
	if d.IsZero() {
		return Amount{}, true
	}
	_, overflow = q.v.MulDivOverflow(&a.v, &b.v, &d.v)
	return q, overflow
}

// Comparison

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Eq reports a == b.
func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }

// Lt reports a < b.
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Gt reports a > b.
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

// Conversion and formatting

// Big returns the amount as a new big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Uint256 returns a copy of the underlying uint256.
func (a Amount) Uint256() *uint256.Int { return a.v.Clone() }

// String returns the base-10 representation.
func (a Amount) String() string { return a.v.Dec() }

// Format renders the amount in major units for an asset with the given
// number of decimals, e.g. Format(18) of 1e15 is "0.001".
func (a Amount) Format(decimals int32) string {
	return decimal.NewFromBigInt(a.v.ToBig(), -decimals).String()
}

// MarshalText implements encoding.TextMarshaler. JSON encodes amounts as
// base-10 strings so no precision is lost in clients.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.v.Dec()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(data []byte) error {
	parsed, err := ParseAmount(string(data))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer. Amounts are stored as base-10 text.
func (a Amount) Value() (driver.Value, error) {
	return a.v.Dec(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		return a.UnmarshalText([]byte(v))
	case []byte:
		return a.UnmarshalText(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("amount: cannot scan negative %d", v)
		}
		*a = NewAmount(uint64(v))
		return nil
	default:
		return fmt.Errorf("amount: cannot scan %T into Amount", src)
	}
}

// ──────────────────────────────────────────────────
// Signed 128-bit deltas
// ──────────────────────────────────────────────────

var (
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// MaxInt128 returns 2^127 - 1 as an Amount.
func MaxInt128() Amount {
	a, _ := AmountFromBig(maxInt128)
	return a
}

// ToInt128 converts a to a signed delta in the exchange's 128-bit width.
// ok is false when a exceeds 2^127-1; the value is never truncated.
func ToInt128(a Amount) (delta *big.Int, ok bool) {
	b := a.v.ToBig()
	if b.Cmp(maxInt128) > 0 {
		return nil, false
	}
	return b, true
}

// FitsInt128 reports whether a signed value lies in [-2^127, 2^127-1].
func FitsInt128(v *big.Int) bool {
	return v != nil && v.Cmp(minInt128) >= 0 && v.Cmp(maxInt128) <= 0
}
