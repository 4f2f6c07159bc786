package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/crypto"
)

func setupEnv(t *testing.T) (registryPath, vaultPath string) {
	t.Helper()
	dir := t.TempDir()
	registryPath = filepath.Join(dir, "keys.json")
	vaultPath = filepath.Join(dir, "signing-key.json")
	t.Setenv("RANSOMEYE_KEY_REGISTRY_PATH", registryPath)
	t.Setenv("RANSOMEYE_VAULT_PASSPHRASE", "correct horse battery staple")
	return registryPath, vaultPath
}

func TestRun_InitKey_SealsAndRegisters(t *testing.T) {
	_, vaultPath := setupEnv(t)
	var stdout, stderr bytes.Buffer

	code := Run([]string{"trustcorectl", "init-key", "core-tre-1", vaultPath, "--json"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	b, err := os.ReadFile(vaultPath)
	require.NoError(t, err)
	var sealed crypto.SealedKey
	require.NoError(t, json.Unmarshal(b, &sealed))
	assert.Equal(t, "core-tre-1", sealed.KeyID)
	assert.NotEmpty(t, sealed.Ciphertext)

	signer, err := crypto.Open(&sealed, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, "core-tre-1", signer.KeyID())
}

func TestRun_InitKey_RefusesToOverwriteExistingVault(t *testing.T) {
	_, vaultPath := setupEnv(t)
	var stdout, stderr bytes.Buffer

	require.Equal(t, 0, Run([]string{"trustcorectl", "init-key", "k1", vaultPath}, &stdout, &stderr))
	stdout.Reset()
	stderr.Reset()
	code := Run([]string{"trustcorectl", "init-key", "k2", vaultPath}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "already exists")
}

func TestRun_RevokeKey_MarksRegistryEntryRevoked(t *testing.T) {
	registryPath, vaultPath := setupEnv(t)
	var out bytes.Buffer

	require.Equal(t, 0, Run([]string{"trustcorectl", "init-key", "k1", vaultPath}, &out, &out))
	out.Reset()

	code := Run([]string{"trustcorectl", "revoke-key", "k1", "key ceremony test"}, &out, &out)
	require.Equal(t, 0, code, out.String())

	registry, err := crypto.NewRegistry(registryPath)
	require.NoError(t, err)
	active, err := registry.IsActive("k1")
	require.NoError(t, err)
	assert.False(t, active)
	assert.True(t, registry.IsRevoked("k1"))
}

func TestRun_ListKeys_JSONReportsRegisteredCount(t *testing.T) {
	_, vaultPath := setupEnv(t)
	var out bytes.Buffer
	require.Equal(t, 0, Run([]string{"trustcorectl", "init-key", "k1", vaultPath}, &out, &out))

	out.Reset()
	code := Run([]string{"trustcorectl", "list-keys", "--json"}, &out, &out)
	require.Equal(t, 0, code, out.String())

	var result struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.Equal(t, 1, result.Count)
}

func TestRun_VerifyChain_ReportsIntactEmptyLedger(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.jsonl")
	require.NoError(t, os.WriteFile(ledgerPath, nil, 0o600))
	t.Setenv("RANSOMEYE_LEDGER_PATH", ledgerPath)

	var out bytes.Buffer
	code := Run([]string{"trustcorectl", "verify-chain", "--json"}, &out, &out)
	require.Equal(t, 0, code, out.String())

	var result struct {
		ChainIntact bool `json:"chain_intact"`
		EntryCount  int  `json:"entry_count"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	assert.True(t, result.ChainIntact)
	assert.Equal(t, 0, result.EntryCount)
}

func TestRun_VerifyChain_MissingLedgerFileIsAnError(t *testing.T) {
	setupEnv(t)
	t.Setenv("RANSOMEYE_LEDGER_PATH", filepath.Join(t.TempDir(), "missing.jsonl"))

	var out, errOut bytes.Buffer
	code := Run([]string{"trustcorectl", "verify-chain"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "reading ledger")
}

func TestRun_UnknownCommand_ReturnsUsageError(t *testing.T) {
	var out bytes.Buffer
	code := Run([]string{"trustcorectl", "bogus"}, &out, &out)
	assert.Equal(t, 2, code)
}
