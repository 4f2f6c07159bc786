package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/model"
)

func newTestLedger(t *testing.T) (*Ledger, *crypto.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg, err := crypto.NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)

	signer, err := crypto.NewEd25519Signer("ledger-key-1")
	require.NoError(t, err)
	require.NoError(t, reg.Register("ledger-key-1", crypto.KeyTypeSigning, signer.PublicKeyBytes(), "", time.Now().UTC()))

	return New(signer, nil), reg
}

func TestAppend_SetsSequenceAndChainHead(t *testing.T) {
	l, _ := newTestLedger(t)

	entry, err := l.Append("ingest-gateway", model.ActionTREActionExecuted, "incident-1", "analyst-1", map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), entry.Sequence)
	assert.Equal(t, "genesis", entry.PrevHash)
	assert.Equal(t, entry.Hash, l.ChainHead())
	assert.NotEmpty(t, entry.Signature)
}

func TestAppend_ChainsConsecutiveEntries(t *testing.T) {
	l, _ := newTestLedger(t)

	e1, err := l.Append("tre", model.ActionTREActionBlocked, "incident-1", "system", nil)
	require.NoError(t, err)
	e2, err := l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", nil)
	require.NoError(t, err)

	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, e1.Sequence+1, e2.Sequence)
}

func TestVerifyChain_AcceptsValidChain(t *testing.T) {
	l, reg := newTestLedger(t)

	_, err := l.Append("tre", model.ActionTREActionBlocked, "incident-1", "system", nil)
	require.NoError(t, err)
	_, err = l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", nil)
	require.NoError(t, err)

	entries := make([]*model.LedgerEntry, 0, 2)
	e1, err := l.Get(l.entries[0].LedgerEntryID)
	require.NoError(t, err)
	entries = append(entries, e1)
	e2, err := l.Get(l.entries[1].LedgerEntryID)
	require.NoError(t, err)
	entries = append(entries, e2)

	require.NoError(t, VerifyChain(reg, entries))
}

func TestReadEntriesJSONL_RoundTripsAppendedEntries(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	f, err := os.OpenFile(ledgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()

	reg, err := crypto.NewRegistry(filepath.Join(dir, "keys.json"))
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("ledger-key-1")
	require.NoError(t, err)
	require.NoError(t, reg.Register("ledger-key-1", crypto.KeyTypeSigning, signer.PublicKeyBytes(), "", time.Now().UTC()))

	writer := JSONLWriter{AppendLine: func(line []byte) error {
		_, err := f.Write(line)
		return err
	}}
	l := New(signer, writer)
	_, err = l.Append("tre", model.ActionTREActionBlocked, "incident-1", "system", nil)
	require.NoError(t, err)
	_, err = l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", nil)
	require.NoError(t, err)

	entries, err := ReadEntriesJSONL(ledgerPath)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, VerifyChain(reg, entries))
}

func TestReadEntriesJSONL_MissingFileReturnsError(t *testing.T) {
	_, err := ReadEntriesJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	l, reg := newTestLedger(t)

	entry, err := l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", map[string]any{"amount": 1})
	require.NoError(t, err)

	entry.Payload["amount"] = 999

	err = VerifyChain(reg, []*model.LedgerEntry{entry})
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyChain_DetectsBrokenLinkage(t *testing.T) {
	l, reg := newTestLedger(t)

	_, err := l.Append("tre", model.ActionTREActionBlocked, "incident-1", "system", nil)
	require.NoError(t, err)
	e2, err := l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", nil)
	require.NoError(t, err)

	e2.PrevHash = "not-the-real-prev-hash"

	err = VerifyChain(reg, []*model.LedgerEntry{e2})
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestResume_SeedsSequenceAcrossRestart(t *testing.T) {
	l, _ := newTestLedger(t)
	l.Resume(41, "some-prior-hash")

	entry, err := l.Append("tre", model.ActionTREActionExecuted, "incident-1", "analyst-1", nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(42), entry.Sequence)
	assert.Equal(t, "some-prior-hash", entry.PrevHash)
}
