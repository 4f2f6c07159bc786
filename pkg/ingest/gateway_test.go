package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/canonicalize"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/store"
)

type testDeps struct {
	gateway  *Gateway
	registry *crypto.Registry
	signer   *crypto.Ed25519Signer
}

func newTestDeps(t *testing.T, clock func() time.Time) *testDeps {
	t.Helper()
	dir := t.TempDir()
	reg, err := crypto.NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("agent-key-1")
	require.NoError(t, err)
	require.NoError(t, reg.Register("agent-key-1", crypto.KeyTypeSigning, signer.PublicKeyBytes(), "", time.Now().UTC()))

	s, err := store.NewSQLiteStoreWithSchema(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	gw, err := NewGateway(reg, s, s, 1000, nil)
	require.NoError(t, err)
	gw.Clock = clock

	return &testDeps{gateway: gw, registry: reg, signer: signer}
}

func signedEnvelope(t *testing.T, signer *crypto.Ed25519Signer, env model.EventEnvelope) []byte {
	t.Helper()
	signingBytes, err := canonicalize.EnvelopeSigningBytes(&env)
	require.NoError(t, err)
	env.Integrity.HashSHA256 = canonicalize.HashBytes(signingBytes)

	// Re-derive signing bytes now that hash_sha256 is populated, since the
	// signature must cover the final hash, not a blanked placeholder.
	signingBytes, err = canonicalize.EnvelopeSigningBytes(&env)
	require.NoError(t, err)
	sig, err := signer.Sign([]byte(canonicalize.HashBytes(signingBytes)))
	require.NoError(t, err)
	env.Signature = sig
	env.SigningKeyID = signer.KeyID()

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func baseEnvelope(now time.Time, seq uint64, prevHash string) model.EventEnvelope {
	return model.EventEnvelope{
		EventID:             "evt-" + time.Now().String(),
		MachineID:           "machine-1",
		Component:           "collector",
		ComponentInstanceID: "instance-A",
		ObservedAt:          now,
		Sequence:            seq,
		Payload:             map[string]any{"k": "v"},
		Identity:            model.Identity{Hostname: "host-1", BootID: "boot-1", AgentVersion: "1.0.0"},
		Integrity:           model.Integrity{PrevHashSHA256: prevHash},
	}
}

func TestIngest_AcceptsValidFirstEnvelope(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now, 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	result, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationValid, result.Status)
	assert.Equal(t, 202, result.HTTPStatus)
	assert.Equal(t, "evt-1", result.EventID)
}

func TestIngest_RejectsComponentIdentityMismatch(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now, 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	result, err := deps.gateway.Ingest(context.Background(), raw, "some-other-instance")
	require.NoError(t, err)
	assert.Equal(t, 401, result.HTTPStatus)
}

func TestIngest_RejectsBadSignature(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now, 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	tampered := make(map[string]any)
	require.NoError(t, json.Unmarshal(raw, &tampered))
	tampered["payload"] = map[string]any{"k": "tampered"}
	raw2, err := json.Marshal(tampered)
	require.NoError(t, err)

	result, err := deps.gateway.Ingest(context.Background(), raw2, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, 401, result.HTTPStatus)
}

func TestIngest_RejectsFutureTimestampBeyondTolerance(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now.Add(time.Hour), 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	result, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationTimestampFailed, result.Status)
}

func TestIngest_RejectsTooOldTimestamp(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now.Add(-60*24*time.Hour), 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	result, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationTimestampFailed, result.Status)
}

func TestIngest_RejectsDuplicateEventID(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now, 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	_, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)

	result, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, 409, result.HTTPStatus)
	assert.Equal(t, model.ValidationDuplicateRejected, result.Status)
}

func TestIngest_RejectsBrokenChainContinuity(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	first := baseEnvelope(now, 1, "")
	first.EventID = "evt-1"
	raw1 := signedEnvelope(t, deps.signer, first)
	_, err := deps.gateway.Ingest(context.Background(), raw1, "instance-A")
	require.NoError(t, err)

	// Sequence jumps from 1 to 3, skipping 2: a broken chain.
	second := baseEnvelope(now.Add(time.Minute), 3, "wrong-prev-hash")
	second.EventID = "evt-2"
	raw2 := signedEnvelope(t, deps.signer, second)

	result, err := deps.gateway.Ingest(context.Background(), raw2, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationIntegrityChainBroken, result.Status)
}

func TestIngest_FlagsLateArrival(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	env := baseEnvelope(now.Add(-2*time.Hour), 1, "")
	env.EventID = "evt-1"
	raw := signedEnvelope(t, deps.signer, env)

	result, err := deps.gateway.Ingest(context.Background(), raw, "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationValid, result.Status)

	stored, err := deps.gateway.RawEvents.GetByEventID(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, stored.LateArrival)
}

func TestIngest_RejectsMalformedJSON(t *testing.T) {
	now := time.Now().UTC()
	deps := newTestDeps(t, func() time.Time { return now })

	result, err := deps.gateway.Ingest(context.Background(), []byte("not json"), "instance-A")
	require.NoError(t, err)
	assert.Equal(t, model.ValidationSchemaFailed, result.Status)
}
