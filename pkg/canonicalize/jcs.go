// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of evidence, views and rules.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Strings are NFC-normalised before canonicalisation so that visually identical
// node ids and explanation lines always hash the same.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// StableHash returns the SHA-256 hex digest of the canonical JSON form of v.
func StableHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// CanonicalHash is an alias of StableHash.
func CanonicalHash(v any) (string, error) { return StableHash(v) }

// MustStableHash panics if v cannot be canonicalised. Only use it on values
// built from plain maps, slices, strings, numbers and booleans.
func MustStableHash(v any) string {
	h, err := StableHash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = norm.NFC.String(s)
		}
		return out
	case map[string]float64:
		out := make(map[string]float64, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = val
		}
		return out
	default:
		return v
	}
}
