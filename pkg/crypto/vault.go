package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the minimum iteration count spec.md mandates for
	// the passphrase-derived vault key.
	PBKDF2Iterations = 100_000
	saltSize         = 16
	nonceSize        = 12
	derivedKeySize   = chacha20poly1305.KeySize
)

// SealedKey is the on-disk, passphrase-encrypted representation of a
// private key. Private keys are never written to disk in the clear;
// ephemeral keys are forbidden, so every signing key that exists
// persists only in this form between process restarts.
type SealedKey struct {
	KeyID      string `json:"key_id"`
	Salt       string `json:"salt"`       // base64
	Nonce      string `json:"nonce"`      // base64
	Ciphertext string `json:"ciphertext"` // base64, AEAD-sealed private key bytes
}

// Seal encrypts an ed25519 private key under a passphrase using
// PBKDF2-HMAC-SHA256 (>=100,000 iterations, 16-byte salt) to derive a
// ChaCha20-Poly1305 key, then seals with a fresh 12-byte nonce.
func Seal(keyID string, priv ed25519.PrivateKey, passphrase string) (*SealedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	derived := deriveKey(passphrase, salt)
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing AEAD: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, priv, []byte(keyID))

	return &SealedKey{
		KeyID:      keyID,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts a SealedKey, returning the live Signer. A wrong passphrase
// or tampered ciphertext fails the AEAD tag check and returns an error;
// there is no silent fallback to an unauthenticated decrypt.
func Open(sk *SealedKey, passphrase string) (*Ed25519Signer, error) {
	salt, err := base64.StdEncoding.DecodeString(sk.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sk.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sk.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derived := deriveKey(passphrase, salt)
	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: constructing AEAD: %w", err)
	}

	plain, err := aead.Open(nil, nonce, ciphertext, []byte(sk.KeyID))
	if err != nil {
		return nil, fmt.Errorf("crypto: vault decryption failed (wrong passphrase or tampered key): %w", err)
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: decrypted key has wrong size %d", len(plain))
	}

	return NewEd25519SignerFromKey(ed25519.PrivateKey(plain), sk.KeyID), nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, derivedKeySize, sha256.New)
}
