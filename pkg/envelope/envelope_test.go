package envelope

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
)

func newTestRegistry(t *testing.T) (*crypto.Registry, *crypto.Ed25519Signer) {
	t.Helper()
	dir := t.TempDir()
	reg, err := crypto.NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("envelope-key-1")
	require.NoError(t, err)
	require.NoError(t, reg.Register("envelope-key-1", crypto.KeyTypeSigning, signer.PublicKeyBytes(), "", time.Now().UTC()))
	return reg, signer
}

func TestBuilder_RoundTripVerify(t *testing.T) {
	reg, signer := newTestRegistry(t)

	b := NewBuilder("collector", "A-1", "boot-1", signer, nil)
	env, err := b.Build(map[string]any{"k": "v"}, "machine-1", model.Identity{Hostname: "h1", BootID: "boot-1"}, time.Now().UTC())
	require.NoError(t, err)

	result := Verify(reg, env)
	assert.True(t, result.OK, result.Reason)
}

func TestBuilder_ChainContinuity(t *testing.T) {
	_, signer := newTestRegistry(t)
	b := NewBuilder("collector", "A-1", "boot-1", signer, nil)

	e1, err := b.Build(map[string]any{"n": 1}, "m1", model.Identity{BootID: "boot-1"}, time.Now().UTC())
	require.NoError(t, err)
	e2, err := b.Build(map[string]any{"n": 2}, "m1", model.Identity{BootID: "boot-1"}, time.Now().UTC())
	require.NoError(t, err)

	assert.Equal(t, e1.Sequence+1, e2.Sequence)
	assert.Equal(t, e1.Integrity.HashSHA256, e2.Integrity.PrevHashSHA256)

	result := VerifyChainContinuity(ChainState{BootID: "boot-1", LastSequence: e1.Sequence, LastHash: e1.Integrity.HashSHA256}, e2)
	assert.True(t, result.OK, result.Reason)
}

func TestVerifyChainContinuity_RejectsGap(t *testing.T) {
	env := &model.EventEnvelope{
		Sequence:  7,
		Identity:  model.Identity{BootID: "boot-1"},
		Integrity: model.Integrity{PrevHashSHA256: "Hx"},
	}
	result := VerifyChainContinuity(ChainState{BootID: "boot-1", LastSequence: 5, LastHash: "Hx"}, env)
	assert.False(t, result.OK)
	assert.Equal(t, "sequence gap", result.Reason)
}

func TestVerifyChainContinuity_TeleratesBootIDChange(t *testing.T) {
	env := &model.EventEnvelope{
		Sequence: 1,
		Identity: model.Identity{BootID: "boot-2"},
	}
	result := VerifyChainContinuity(ChainState{BootID: "boot-1", LastSequence: 99, LastHash: "Hold"}, env)
	assert.True(t, result.OK, result.Reason)
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	reg, signer := newTestRegistry(t)
	b := NewBuilder("collector", "A-1", "boot-1", signer, nil)
	env, err := b.Build(map[string]any{"k": "v"}, "m1", model.Identity{BootID: "boot-1"}, time.Now().UTC())
	require.NoError(t, err)

	env.Payload["k"] = "tampered"

	result := Verify(reg, env)
	assert.False(t, result.OK)
	assert.Equal(t, "hash mismatch", result.Reason)
}
