package canonicalize

import (
	"encoding/json"
	"fmt"
)

// toMap round-trips v through JSON to get a generic map, respecting its
// json tags. This lets the signing-input builders below blank or remove
// fields by name regardless of the concrete Go type.
func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal failed: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal failed: %w", err)
	}
	return m, nil
}

// EnvelopeSigningBytes builds the envelope-canonical-JSON input used for
// both hashing and signing: sorted keys, UTF-8, integrity.hash_sha256
// blanked, signature and signing_key_id removed.
func EnvelopeSigningBytes(envelope interface{}) ([]byte, error) {
	m, err := toMap(envelope)
	if err != nil {
		return nil, err
	}
	if integrity, ok := m["integrity"].(map[string]interface{}); ok {
		integrity["hash_sha256"] = ""
	}
	delete(m, "signature")
	delete(m, "signing_key_id")
	return JCS(m)
}

// CommandSigningBytes builds the command-canonical-JSON input: sorted
// keys, UTF-8, with signature, signing_key_id, signing_algorithm, and
// signed_at removed before hashing.
func CommandSigningBytes(command interface{}) ([]byte, error) {
	m, err := toMap(command)
	if err != nil {
		return nil, err
	}
	delete(m, "signature")
	delete(m, "signing_key_id")
	delete(m, "signing_algorithm")
	delete(m, "signed_at")
	return JCS(m)
}

// LedgerEntrySigningBytes builds the canonical input for an audit ledger
// entry: sorted keys, with hash and signature removed before hashing.
func LedgerEntrySigningBytes(entry interface{}) ([]byte, error) {
	m, err := toMap(entry)
	if err != nil {
		return nil, err
	}
	delete(m, "hash")
	delete(m, "signature")
	return JCS(m)
}

// PolicySigningBytes builds the canonical input for a cached agent policy:
// sorted keys, with integrity_hash removed before hashing.
func PolicySigningBytes(policy interface{}) ([]byte, error) {
	m, err := toMap(policy)
	if err != nil {
		return nil, err
	}
	delete(m, "integrity_hash")
	return JCS(m)
}
