// Package types defines the core value types shared across the Sealevel
// engine: public keys and the account model used at the host boundary.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// Size constants for core types.
const (
	PubkeySize = 32
)

var (
	// ErrInvalidPubkey is returned when a pubkey has invalid length.
	ErrInvalidPubkey = errors.New("invalid pubkey: must be 32 bytes")
)

// Pubkey represents a 32-byte Ed25519 public key.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses a base58-encoded public key.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	data, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], data)
	return p, nil
}

// MustPubkeyFromBase58 parses a base58-encoded public key and panics on error.
// Intended for well-known constant addresses.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey constant %q: %v", s, err))
	}
	return p
}

// PubkeyFromBytes creates a Pubkey from a byte slice.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var p Pubkey
	if len(b) != PubkeySize {
		return p, ErrInvalidPubkey
	}
	copy(p[:], b)
	return p, nil
}

// String returns the base58 representation.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the pubkey is all zeroes.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}
