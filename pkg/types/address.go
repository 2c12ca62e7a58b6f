package types

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// Address is a 32-byte on-chain identifier (program, mint, account or wallet),
// compared byte-wise. The zero value means "absent".
type Address [32]byte

// AddressFromBase58 parses a base58-encoded 32-byte address.
func AddressFromBase58(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("invalid base58 address %q: %w", s, err)
	}
	if len(raw) != len(a) {
		return a, fmt.Errorf("invalid address %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustAddress parses a base58 address and panics on failure. For constants and tests.
func MustAddress(s string) Address {
	a, err := AddressFromBase58(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return base58.Encode(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromBase58(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
