// Package cycles provides the 128-bit unsigned amount used for cycle balances and attached funds.
package cycles

import (
	"fmt"
	"math/big"

	"lukechampine.com/uint128"
)

// Amount is an unsigned 128-bit quantity. The zero value is zero cycles.
type Amount struct {
	v uint128.Uint128
}

// Max is the largest representable amount.
var Max = Amount{v: uint128.Max}

// New returns an Amount holding v.
func New(v uint64) Amount {
	return Amount{v: uint128.From64(v)}
}

// FromParts builds an amount from its high and low 64-bit halves, the way
// the 128-bit System API calls pass it.
func FromParts(hi, lo uint64) Amount {
	return Amount{v: uint128.New(lo, hi)}
}

// FromBig converts v, saturating at 2^128-1 and flooring negatives at zero.
func FromBig(v *big.Int) Amount {
	if v.Sign() <= 0 {
		return Amount{}
	}
	if v.BitLen() > 128 {
		return Max
	}
	return Amount{v: uint128.FromBig(new(big.Int).Set(v))}
}

func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(b.v)
}

// Add saturates on overflow.
func (a Amount) Add(b Amount) Amount {
	sum := a.v.AddWrap(b.v)
	if sum.Cmp(a.v) < 0 {
		return Max
	}
	return Amount{v: sum}
}

// Sub floors at zero.
func (a Amount) Sub(b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return Amount{}
	}
	return Amount{v: a.v.Sub(b.v)}
}

func Min(a, b Amount) Amount {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Uint64 returns the low 64 bits, saturating when the amount does not fit.
func (a Amount) Uint64() uint64 {
	if a.v.Hi != 0 {
		return ^uint64(0)
	}
	return a.v.Lo
}

// LittleEndian encodes the amount the way the System API writes 128-bit values to memory.
func (a Amount) LittleEndian() []byte {
	b := make([]byte, 16)
	a.v.PutBytes(b)
	return b
}

func (a Amount) Big() *big.Int {
	return a.v.Big()
}

func (a Amount) String() string {
	return a.v.String()
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(text), 10)
	if !ok {
		return fmt.Errorf("cycles: invalid amount %q", text)
	}
	*a = FromBig(v)
	return nil
}
