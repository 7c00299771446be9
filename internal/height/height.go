// Package height provides the block number type shared by the fetchers and the evaluator.
package height

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Height is an unsigned 256-bit block number. The zero value is height 0.
type Height struct {
	v uint256.Int
}

var (
	ErrMissingPrefix = errors.New("hex height must start with 0x")
	ErrEmpty         = errors.New("empty height")
	ErrSyntax        = errors.New("invalid height digits")
	ErrRange         = errors.New("height exceeds 256 bits")
)

// FromUint64 builds a Height from a native integer.
func FromUint64(n uint64) Height {
	var h Height
	h.v.SetUint64(n)
	return h
}

// ParseHex decodes a 0x-prefixed hexadecimal quantity as returned by eth_blockNumber.
// Leading zeros are tolerated.
func ParseHex(s string) (Height, error) {
	if len(s) < 2 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return Height{}, fmt.Errorf("%w: %q", ErrMissingPrefix, s)
	}
	digits := s[2:]
	if digits == "" {
		return Height{}, fmt.Errorf("%w: %q", ErrEmpty, s)
	}
	for _, c := range digits {
		if !isHexDigit(c) {
			return Height{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		digits = "0"
	}
	if len(digits) > 64 {
		return Height{}, fmt.Errorf("%w: %q", ErrRange, s)
	}
	v, err := uint256.FromHex("0x" + digits)
	if err != nil {
		return Height{}, fmt.Errorf("%w: %q: %v", ErrSyntax, s, err)
	}
	return Height{v: *v}, nil
}

// ParseDecimal decodes a base-10 string of digits.
func ParseDecimal(s string) (Height, error) {
	if s == "" {
		return Height{}, ErrEmpty
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return Height{}, fmt.Errorf("%w: %q", ErrSyntax, s)
		}
	}
	digits := strings.TrimLeft(s, "0")
	if digits == "" {
		return Height{}, nil
	}
	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return Height{}, fmt.Errorf("%w: %q", ErrRange, s)
	}
	return Height{v: *v}, nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// SaturatingSub returns h - other, or zero when other is larger.
func (h Height) SaturatingSub(other Height) Height {
	if h.v.Lt(&other.v) {
		return Height{}
	}
	var out Height
	out.v.Sub(&h.v, &other.v)
	return out
}

// Cmp returns -1, 0 or +1 comparing h to other.
func (h Height) Cmp(other Height) int {
	return h.v.Cmp(&other.v)
}

// IsZero reports whether h is block zero.
func (h Height) IsZero() bool {
	return h.v.IsZero()
}

// Hex encodes h as a 0x-prefixed quantity without leading zeros.
func (h Height) Hex() string {
	return h.v.Hex()
}

// String renders h in base 10.
func (h Height) String() string {
	return h.v.ToBig().String()
}

// Float64 is a lossy conversion used for gauges.
func (h Height) Float64() float64 {
	f, _ := new(big.Float).SetInt(h.v.ToBig()).Float64()
	return f
}

// Ptr returns a pointer to a copy of h.
func (h Height) Ptr() *Height {
	return &h
}
