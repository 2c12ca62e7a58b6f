package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Amount is a token quantity in integer base units. Token amounts on the wire
// are u64, but rule thresholds are scaled by mint decimals before comparison,
// which can exceed 64 bits, so everything is carried as a 256-bit integer.
type Amount struct {
	uint256.Int
}

// NewAmount returns an Amount holding the given base-unit value.
func NewAmount(v uint64) *Amount {
	a := new(Amount)
	a.SetUint64(v)
	return a
}

// AmountFromDecimal parses a base-10 amount string.
func AmountFromDecimal(s string) (*Amount, error) {
	a := new(Amount)
	if err := a.SetFromDecimal(s); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return a, nil
}

// ScaleUp returns a * 10^decimals.
func (a *Amount) ScaleUp(decimals uint8) *Amount {
	pow := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	out := new(Amount)
	out.Mul(&a.Int, pow)
	return out
}

// ScaleDown returns a / 10^decimals, truncating.
func (a *Amount) ScaleDown(decimals uint8) *Amount {
	pow := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	out := new(Amount)
	out.Div(&a.Int, pow)
	return out
}

func (a *Amount) String() string {
	return a.Dec()
}

func (a *Amount) MarshalText() ([]byte, error) {
	return []byte(a.Dec()), nil
}

func (a *Amount) UnmarshalText(text []byte) error {
	return a.SetFromDecimal(string(text))
}
