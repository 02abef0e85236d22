package daddr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AddressSize is the number of bytes in an [Address].
const AddressSize = 20

// Address is the overlay identity of a node.
//
// Addresses are totally ordered by their big endian byte value,
// which is what both sides of a simultaneous link use to break ties.
// The zero Address is reserved to mean "no particular node".
type Address [AddressSize]byte

// ParseAddress parses the hex form produced by [Address.String].
func ParseAddress(s string) (Address, error) {
	var a Address
	if len(s) != 2*AddressSize {
		return a, fmt.Errorf(
			"invalid address %q: expected %d hex characters, got %d",
			s, 2*AddressSize, len(s),
		)
	}

	if _, err := hex.Decode(a[:], []byte(s)); err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}

	return a, nil
}

// AddressFromKey derives an Address by hashing arbitrary key material,
// such as a public key or a virtual IP.
func AddressFromKey(key []byte) Address {
	sum := sha256.Sum256(key)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// Compare returns -1, 0, or 1
// depending on whether a sorts before, equal to, or after b.
func (a Address) Compare(b Address) int {
	return bytes.Compare(a[:], b[:])
}

// IsZero reports whether a is the reserved zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns an abbreviated form, suitable for log lines.
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

// NodeInfo pairs a node's overlay Address
// with the transport addresses it may be reached at.
type NodeInfo struct {
	Address Address

	TAs []TransportAddress
}

// FirstTA returns the first transport address in n, or the empty string.
func (n NodeInfo) FirstTA() TransportAddress {
	if len(n.TAs) == 0 {
		return ""
	}
	return n.TAs[0]
}
