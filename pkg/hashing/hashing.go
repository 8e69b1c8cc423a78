// Package hashing provides the content hasher: a deterministic 32-byte
// BLAKE2b-256 digest over petition text, with constant-time verification.
// It holds no keyed state and no secrets.
package hashing

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = 32

// Prefix tags formatted digests with the algorithm.
const Prefix = "blake2b:"

// Hash returns the 32-byte digest of data.
func Hash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// HashText encodes s as UTF-8 and hashes it.
func HashText(s string) []byte {
	return Hash([]byte(s))
}

// Verify recomputes the digest of content and compares it to expected in
// constant time. An expected digest of the wrong length is an error, not
// a mismatch.
func Verify(content []byte, expected []byte) (bool, error) {
	if len(expected) != Size {
		return false, fmt.Errorf("hashing: expected digest must be %d bytes, got %d", Size, len(expected))
	}
	actual := Hash(content)
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// Format renders a digest as "blake2b:<hex>".
func Format(digest []byte) string {
	return Prefix + hex.EncodeToString(digest)
}

// Parse decodes a formatted digest back to raw bytes.
func Parse(s string) ([]byte, error) {
	if len(s) <= len(Prefix) || s[:len(Prefix)] != Prefix {
		return nil, fmt.Errorf("hashing: malformed digest %q", s)
	}
	raw, err := hex.DecodeString(s[len(Prefix):])
	if err != nil {
		return nil, fmt.Errorf("hashing: malformed digest hex: %w", err)
	}
	if len(raw) != Size {
		return nil, fmt.Errorf("hashing: digest must be %d bytes, got %d", Size, len(raw))
	}
	return raw, nil
}
