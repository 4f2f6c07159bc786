// Package crypto implements the key registry and ed25519 signer/verifier
// that back every signature in the trust core: telemetry envelopes, signed
// commands, and audit-ledger entries.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer produces ed25519 signatures over pre-canonicalized bytes. Callers
// are responsible for building the canonical signing input (see
// pkg/canonicalize) before calling Sign; the signer never canonicalizes on
// their behalf, so the same key material can sign envelopes, commands, and
// ledger entries without this package knowing their shapes.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKeyHex() string
	PublicKeyBytes() ed25519.PublicKey
}

// Ed25519Signer is the sole Signer implementation; the trust core never
// falls back to a weaker primitive.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh keypair. Only tests call it —
// cmd/trustcorectl generates key material directly, and runtime components
// load keys from the vault through NewEd25519SignerFromKey instead.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key (e.g. one decrypted
// from the vault) with a key_id.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKeyHex() string { return hex.EncodeToString(s.pubKey) }

func (s *Ed25519Signer) PublicKeyBytes() ed25519.PublicKey { return s.pubKey }

// Verify checks a hex-encoded ed25519 signature against hex-encoded public
// key bytes. It is a free function (not a method) because verification at
// the ingest gateway and agent gate happens against keys fetched by
// signing_key_id from the Registry, not against a held Signer instance.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("crypto: invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("crypto: invalid public key size %d", len(pubKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("crypto: invalid signature size %d", len(sig))
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
