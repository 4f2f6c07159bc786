package crypto

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("key-1")
	require.NoError(t, err)

	data := []byte(`{"a":1}`)
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	valid, err := Verify(signer.PublicKeyHex(), sig, data)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = Verify(signer.PublicKeyHex(), sig, []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVaultSealOpenRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("vendor-key-1")
	require.NoError(t, err)

	sealed, err := Seal("vendor-key-1", privateKeyOf(t, signer), "correct horse battery staple")
	require.NoError(t, err)

	opened, err := Open(sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKeyHex(), opened.PublicKeyHex())

	_, err = Open(sealed, "wrong passphrase")
	assert.Error(t, err)
}

func privateKeyOf(t *testing.T, s *Ed25519Signer) []byte {
	t.Helper()
	// Ed25519Signer keeps privKey unexported; re-derive via a fresh signer
	// constructed in this test file is not possible, so expose through a
	// round-trip-safe accessor used only by tests in this package.
	return s.privKey
}

func TestRegistryLifecycle(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	signer, err := NewEd25519Signer("root-1")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Register("root-1", KeyTypeRoot, signer.PublicKeyBytes(), "", now))

	active, err := reg.IsActive("root-1")
	require.NoError(t, err)
	assert.True(t, active)

	assert.False(t, reg.IsRevoked("root-1"))
	require.NoError(t, reg.Revoke("root-1", "test revocation", now))
	assert.True(t, reg.IsRevoked("root-1"))

	active, err = reg.IsActive("root-1")
	require.NoError(t, err)
	assert.False(t, active)

	err = reg.Revoke("root-1", "again", now)
	assert.ErrorIs(t, err, ErrKeyAlreadyRevoked)
}

func TestRegistryRotateAndCompromise(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	s1, _ := NewEd25519Signer("sign-1")
	s2, _ := NewEd25519Signer("sign-2")
	now := time.Now().UTC()

	require.NoError(t, reg.Register("sign-1", KeyTypeSigning, s1.PublicKeyBytes(), "root-1", now))
	require.NoError(t, reg.Register("sign-2", KeyTypeSigning, s2.PublicKeyBytes(), "root-1", now))

	require.NoError(t, reg.Rotate("sign-1", "sign-2", now))
	e, err := reg.Get("sign-1")
	require.NoError(t, err)
	assert.Equal(t, KeyRotated, e.Status)
	assert.Equal(t, "sign-2", e.RotatedTo)

	require.NoError(t, reg.MarkCompromised("sign-2", now))
	assert.True(t, reg.IsRevoked("sign-2"))
	e2, err := reg.Get("sign-2")
	require.NoError(t, err)
	assert.Equal(t, KeyCompromised, e2.Status)
}

func TestVerifySignature_RejectsRevokedKey(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	signer, err := NewEd25519Signer("k1")
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, reg.Register("k1", KeyTypeSigning, signer.PublicKeyBytes(), "", now))

	data := []byte(`{"x":1}`)
	sig, err := signer.Sign(data)
	require.NoError(t, err)

	result := VerifySignature(reg, "k1", sig, data)
	assert.True(t, result.OK)

	require.NoError(t, reg.Revoke("k1", "test", now))
	result = VerifySignature(reg, "k1", sig, data)
	assert.False(t, result.OK)
	assert.Contains(t, result.Reason, "revoked")
}

func TestCheckFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	r := CheckFreshness(now, now.Add(time.Hour), now, 60*time.Second)
	assert.True(t, r.OK)

	r = CheckFreshness(now, now.Add(-time.Minute), now, 60*time.Second)
	assert.False(t, r.OK)
	assert.Equal(t, "expired", r.Reason)

	r = CheckFreshness(now.Add(-2*time.Minute), now.Add(time.Hour), now, 60*time.Second)
	assert.False(t, r.OK)
	assert.Equal(t, "clock_skew", r.Reason)
}
