package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// KeyStatus is the lifecycle state of a registered key.
type KeyStatus string

const (
	KeyActive      KeyStatus = "active"
	KeyRevoked     KeyStatus = "revoked"
	KeyRotated     KeyStatus = "rotated"
	KeyCompromised KeyStatus = "compromised"
)

// KeyType distinguishes the offline root key from vendor signing keys in
// the three-tier hierarchy: an offline root key attests signing keys;
// signing keys sign envelopes and commands; no ephemeral keys exist.
type KeyType string

const (
	KeyTypeRoot    KeyType = "root"
	KeyTypeSigning KeyType = "signing"
)

// KeyEntry is one registered key's metadata. The private key material
// itself never lives here — it is held only in the vault (vault.go) and,
// transiently, in a decrypted Ed25519Signer.
type KeyEntry struct {
	KeyID                 string    `json:"key_id"`
	KeyType               KeyType   `json:"key_type"`
	PublicKeyFingerprint  string    `json:"public_key_fingerprint"`
	PublicKeyHex          string    `json:"public_key_hex"`
	Status                KeyStatus `json:"status"`
	GenerationDate        time.Time `json:"generation_date"`
	ParentKeyID           string    `json:"parent_key_id,omitempty"`
	RotationDate          *time.Time `json:"rotation_date,omitempty"`
	RotatedTo             string    `json:"rotated_to,omitempty"`
	RevocationDate        *time.Time `json:"revocation_date,omitempty"`
	RevocationReason      string    `json:"revocation_reason,omitempty"`
	CompromiseDate        *time.Time `json:"compromise_date,omitempty"`
	RegisteredAt          time.Time `json:"registered_at"`
}

// RevocationEntry is one row of the persisted certificate revocation list.
type RevocationEntry struct {
	KeyID                string    `json:"key_id"`
	RevocationDate        time.Time `json:"revocation_date"`
	Reason                string    `json:"reason"`
	PublicKeyFingerprint  string    `json:"public_key_fingerprint"`
}

type registryFile struct {
	Version         string                     `json:"version"`
	CreatedAt       time.Time                  `json:"created_at"`
	Keys            map[string]*KeyEntry       `json:"keys"`
	RevocationList  []RevocationEntry          `json:"revocation_list"`
}

// Registry is the persistent key registry: register, rotate, revoke, and
// verify-against-CRL operations on vendor signing keys. It is grounded on
// the three-tier hierarchy and lifecycle state machine of the original
// key-registry implementation, reimplemented with a mutex-protected
// in-memory index over the same on-disk JSON shape.
type Registry struct {
	mu   sync.RWMutex
	path string
	data registryFile
}

// ErrKeyNotFound is returned by any lookup against an unregistered key_id.
var ErrKeyNotFound = fmt.Errorf("crypto: key not found")

// ErrKeyAlreadyExists guards against double registration.
var ErrKeyAlreadyExists = fmt.Errorf("crypto: key already registered")

// ErrKeyAlreadyRevoked guards against double revocation.
var ErrKeyAlreadyRevoked = fmt.Errorf("crypto: key already revoked")

// NewRegistry loads (or initializes) a registry backed by the JSON file at
// path.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("crypto: creating registry directory: %w", err)
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	b, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		r.data = registryFile{
			Version:   "1.0",
			CreatedAt: time.Now().UTC(),
			Keys:      make(map[string]*KeyEntry),
		}
		return r.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("crypto: reading key registry: %w", err)
	}
	var data registryFile
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("crypto: parsing key registry: %w", err)
	}
	if data.Keys == nil {
		data.Keys = make(map[string]*KeyEntry)
	}
	r.data = data
	return nil
}

// saveLocked writes the registry atomically (temp file + rename), matching the
// atomic-replace discipline used for the agent's cached-policy file.
func (r *Registry) saveLocked() error {
	b, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshaling key registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("crypto: writing key registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("crypto: replacing key registry: %w", err)
	}
	return nil
}

// Register adds a new key entry. The key's public half must already be
// known (minted by the vault ceremony); this call only records metadata.
func (r *Registry) Register(keyID string, keyType KeyType, pub ed25519.PublicKey, parentKeyID string, generationDate time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data.Keys[keyID]; exists {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyExists, keyID)
	}

	fingerprint, err := fingerprint(pub)
	if err != nil {
		return err
	}

	r.data.Keys[keyID] = &KeyEntry{
		KeyID:                keyID,
		KeyType:              keyType,
		PublicKeyFingerprint: fingerprint,
		PublicKeyHex:         hexEncode(pub),
		Status:               KeyActive,
		GenerationDate:       generationDate,
		ParentKeyID:          parentKeyID,
		RegisteredAt:         time.Now().UTC(),
	}
	return r.saveLocked()
}

// Get returns a copy of the key entry, or ErrKeyNotFound.
func (r *Registry) Get(keyID string) (KeyEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data.Keys[keyID]
	if !ok {
		return KeyEntry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return *e, nil
}

// IsActive reports whether a key is ACTIVE (not revoked, rotated, or
// compromised).
func (r *Registry) IsActive(keyID string) (bool, error) {
	e, err := r.Get(keyID)
	if err != nil {
		return false, err
	}
	return e.Status == KeyActive, nil
}

// IsRevoked reports whether keyID appears in the revocation list. Unlike
// IsActive this never errors on an unknown key_id — an unknown key is, for
// verification purposes, simply not trustable, which callers already treat
// as a verification failure.
func (r *Registry) IsRevoked(keyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.data.RevocationList {
		if e.KeyID == keyID {
			return true
		}
	}
	return false
}

// Revoke moves a key to REVOKED and appends a CRL entry.
func (r *Registry) Revoke(keyID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.data.Keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if e.Status == KeyRevoked {
		return fmt.Errorf("%w: %s", ErrKeyAlreadyRevoked, keyID)
	}

	e.Status = KeyRevoked
	e.RevocationDate = &at
	e.RevocationReason = reason

	r.data.RevocationList = append(r.data.RevocationList, RevocationEntry{
		KeyID:                keyID,
		RevocationDate:       at,
		Reason:               reason,
		PublicKeyFingerprint: e.PublicKeyFingerprint,
	})
	return r.saveLocked()
}

// Rotate marks oldKeyID ROTATED, pointing at newKeyID, which must already
// be registered separately (rotation does not mint keys; it only records
// the succession).
func (r *Registry) Rotate(oldKeyID, newKeyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.data.Keys[oldKeyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, oldKeyID)
	}
	if _, exists := r.data.Keys[newKeyID]; !exists {
		return fmt.Errorf("crypto: new key not registered: %s", newKeyID)
	}

	old.Status = KeyRotated
	old.RotationDate = &at
	old.RotatedTo = newKeyID
	return r.saveLocked()
}

// MarkCompromised marks a key COMPROMISED and automatically revokes it —
// a compromised key must never again be treated as merely "rotated".
func (r *Registry) MarkCompromised(keyID string, at time.Time) error {
	r.mu.Lock()
	e, ok := r.data.Keys[keyID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	e.Status = KeyCompromised
	e.CompromiseDate = &at
	if err := r.saveLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	return r.Revoke(keyID, "key compromise detected", at)
}

// RevocationList returns a snapshot copy of the CRL.
func (r *Registry) RevocationList() []RevocationEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RevocationEntry, len(r.data.RevocationList))
	copy(out, r.data.RevocationList)
	return out
}

// PublicKey returns the decoded public key bytes for keyID, for use by
// Verify.
func (r *Registry) PublicKey(keyID string) (ed25519.PublicKey, error) {
	e, err := r.Get(keyID)
	if err != nil {
		return nil, err
	}
	return hexDecodePub(e.PublicKeyHex)
}
