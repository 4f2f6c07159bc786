package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// fingerprint computes the SHA-256 fingerprint of a public key, the value
// recorded in the key registry entry. VerifySignature looks keys up by
// key_id and does not compare this fingerprint against signing_key_id.
func fingerprint(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("crypto: invalid public key size %d", len(pub))
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:]), nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecodePub(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: invalid public key size %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}
