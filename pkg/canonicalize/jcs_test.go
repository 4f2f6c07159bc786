package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_SortsKeys(t *testing.T) {
	in := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	out, err := JCSString(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, out)
}

func TestJCS_Deterministic(t *testing.T) {
	type nested struct {
		Z int `json:"z"`
		A int `json:"a"`
	}
	v := map[string]interface{}{"outer": nested{Z: 1, A: 2}, "k": "v"}
	a, err := JCSString(v)
	require.NoError(t, err)
	b, err := JCSString(v)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalHash_StableAcrossFieldOrder(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}
	v2 := map[string]interface{}{"b": 2, "a": 1}
	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestEnvelopeSigningBytes_BlanksIntegrityAndStripsSignature(t *testing.T) {
	env := map[string]interface{}{
		"event_id":      "e1",
		"signature":     "deadbeef",
		"signing_key_id": "k1",
		"integrity": map[string]interface{}{
			"hash_sha256":      "should-be-blanked",
			"prev_hash_sha256": "prev",
		},
	}
	out, err := EnvelopeSigningBytes(env)
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, `"hash_sha256":""`)
	assert.Contains(t, s, `"prev_hash_sha256":"prev"`)
	assert.NotContains(t, s, "deadbeef")
	assert.NotContains(t, s, `"signing_key_id"`)
}

func TestCommandSigningBytes_StripsAllSignatureFields(t *testing.T) {
	cmd := map[string]interface{}{
		"command_id":        "c1",
		"signature":         "sig",
		"signing_key_id":    "k1",
		"signing_algorithm": "ed25519",
		"signed_at":         "2026-01-01T00:00:00Z",
	}
	out, err := CommandSigningBytes(cmd)
	require.NoError(t, err)
	s := string(out)
	assert.Equal(t, `{"command_id":"c1"}`, s)
}
