// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic witness hashing of ledger events.
//
// Map keys are sorted lexicographically by UTF-8 bytes and HTML escaping
// is disabled, so the same payload always produces the same bytes and
// witness hash regardless of insertion order.
package canonicalize

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Moirai-Labs/fates/core/pkg/hashing"
)

// Canonical returns the RFC 8785 canonical JSON representation of v.
// v is marshaled with the standard encoder first so struct tags are
// respected, then transformed to canonical form.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return canonical, nil
}

// WitnessHash returns the formatted content digest of the canonical JSON
// representation of v.
func WitnessHash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return hashing.Format(hashing.Hash(b)), nil
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
