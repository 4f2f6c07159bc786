// Package canonicalize produces RFC 8785 (JSON Canonicalization Scheme)
// output for every value that is hashed or signed in the trust core:
// telemetry envelopes, signed commands, cached agent policies, and audit
// ledger entries all flow through JCS before SHA-256.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with Go's standard encoder (HTML escaping disabled,
// so the byte stream matches what JCS expects), then transformed into
// canonical form (sorted keys, normalized number formatting, no
// insignificant whitespace) by github.com/gowebpki/jcs.
func JCS(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	raw := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})

	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical JSON form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
