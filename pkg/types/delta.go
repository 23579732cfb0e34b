package types

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned when a signed amount does not fit the target width
	ErrOverflow = errors.New("arithmetic overflow")
)

// Delta is a signed lamport amount stored as a 256-bit two's complement
// integer. Sums and differences of u64 balances never overflow it.
type Delta struct {
	v uint256.Int
}

// NewDelta returns a non-negative delta
func NewDelta(x uint64) Delta {
	var d Delta
	d.v.SetUint64(x)
	return d
}

// Add returns d + x
func (d Delta) Add(x uint64) Delta {
	var r Delta
	r.v.Add(&d.v, uint256.NewInt(x))
	return r
}

// Sub returns d − x
func (d Delta) Sub(x uint64) Delta {
	var r Delta
	r.v.Sub(&d.v, uint256.NewInt(x))
	return r
}

// Plus returns d + o
func (d Delta) Plus(o Delta) Delta {
	var r Delta
	r.v.Add(&d.v, &o.v)
	return r
}

// Minus returns d − o
func (d Delta) Minus(o Delta) Delta {
	var r Delta
	r.v.Sub(&d.v, &o.v)
	return r
}

// Neg returns −d
func (d Delta) Neg() Delta {
	var r Delta
	r.v.Neg(&d.v)
	return r
}

// Sign returns -1, 0 or +1
func (d Delta) Sign() int {
	return d.v.Sign()
}

// IsZero reports whether d == 0
func (d Delta) IsZero() bool {
	return d.v.IsZero()
}

// Cmp compares two signed deltas
func (d Delta) Cmp(o Delta) int {
	switch {
	case d.v.Eq(&o.v):
		return 0
	case d.v.Slt(&o.v):
		return -1
	default:
		return 1
	}
}

// LessThan reports whether d < x
func (d Delta) LessThan(x uint64) bool {
	return d.Cmp(NewDelta(x)) < 0
}

// Uint64 converts a non-negative delta that fits 64 bits
func (d Delta) Uint64() (uint64, error) {
	if d.Sign() < 0 || !d.v.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit u64", ErrOverflow, d)
	}
	return d.v.Uint64(), nil
}

// Abs returns |d| as u64
func (d Delta) Abs() (uint64, error) {
	var a uint256.Int
	a.Abs(&d.v)
	if !a.IsUint64() {
		return 0, fmt.Errorf("%w: |%s| does not fit u64", ErrOverflow, d)
	}
	return a.Uint64(), nil
}

// String renders the signed decimal value
func (d Delta) String() string {
	if d.Sign() < 0 {
		var a uint256.Int
		a.Abs(&d.v)
		return "-" + a.Dec()
	}
	return d.v.Dec()
}

// Diff returns a − b as a signed delta
func Diff(a, b uint64) Delta {
	return NewDelta(a).Sub(b)
}

// MinUint64 returns min(d, x) for a positive d, as u64
func (d Delta) MinUint64(x uint64) (uint64, error) {
	if d.LessThan(x) {
		return d.Uint64()
	}
	return x, nil
}
