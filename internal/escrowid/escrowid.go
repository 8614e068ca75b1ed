// Package escrowid derives and encodes escrow identifiers.
//
// An identifier is keccak256(salt || settlementID) where salt is a random
// 32-byte value held off-chain. Knowing the settlement string alone is not
// enough to derive the identifier.
package escrowid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Size is the identifier length in bytes.
const Size = 32

// ID is a 32-byte escrow identifier.
type ID [Size]byte

// NewSalt generates a random 32-byte salt.
func NewSalt() ([Size]byte, error) {
	var salt [Size]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Derive computes the identifier for a salt and settlement string,
// matching the contract's keccak256(abi.encodePacked(salt, settlementID)).
func Derive(salt [Size]byte, settlementID string) ID {
	var id ID
	copy(id[:], crypto.Keccak256(salt[:], []byte(settlementID)))
	return id
}

// DeriveEmailHash computes the recipient email commitment used by
// initPayment, keccak256(abi.encodePacked(salt, email)).
func DeriveEmailHash(salt [Size]byte, email string) ID {
	return Derive(salt, email)
}

// Parse decodes a hex identifier, with or without 0x prefix.
func Parse(s string) (ID, error) {
	var id ID
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid escrow id %q: %w", s, err)
	}
	if len(raw) != Size {
		return id, fmt.Errorf("invalid escrow id length %d, want %d", len(raw), Size)
	}
	copy(id[:], raw)
	return id, nil
}

// FromBytes copies a raw 32-byte value into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("invalid escrow id length %d, want %d", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// Hex returns the identifier as a bare hex string (no 0x prefix),
// the form used as the persistence key.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String returns the 0x-prefixed form used in logs and API responses.
func (id ID) String() string {
	return "0x" + id.Hex()
}

// Bytes returns the identifier as a byte slice.
func (id ID) Bytes() []byte {
	return id[:]
}

// Short returns a truncated form for log lines.
func (id ID) Short() string {
	return id.Hex()[:16] + "..."
}
