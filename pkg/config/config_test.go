package config_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/trustcore/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RANSOMEYE_ORCHESTRATOR", "RANSOMEYE_CORE_TOKEN", "RANSOMEYE_CORE_PID",
		"PORT", "LOG_LEVEL", "RANSOMEYE_LITE_MODE",
		"DATABASE_URL", "DATABASE_USER", "DATABASE_PASSWORD",
		"RANSOMEYE_VAULT_PASSPHRASE", "RANSOMEYE_CI_WEAK_CREDS_OK",
	} {
		t.Setenv(k, "")
	}
}

func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RANSOMEYE_ORCHESTRATOR", "systemd")
	t.Setenv("RANSOMEYE_CORE_TOKEN", "b6b1e1b0-6b0a-4e8e-9b0a-6b0a4e8e9b0a")
	t.Setenv("RANSOMEYE_LITE_MODE", "1")
	t.Setenv("RANSOMEYE_VAULT_PASSPHRASE", "a genuinely long passphrase")
}

func TestLoad_MissingOrchestratorFails(t *testing.T) {
	clearEnv(t)
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RANSOMEYE_ORCHESTRATOR")
}

func TestLoad_MissingCoreTokenFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("RANSOMEYE_ORCHESTRATOR", "systemd")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RANSOMEYE_CORE_TOKEN")
}

func TestLoad_CoreTokenMustBeUUID(t *testing.T) {
	clearEnv(t)
	t.Setenv("RANSOMEYE_ORCHESTRATOR", "systemd")
	t.Setenv("RANSOMEYE_CORE_TOKEN", "not-a-uuid")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UUID")
}

func TestLoad_LiteModeSkipsDatabaseRequirements(t *testing.T) {
	clearEnv(t)
	validEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.LiteMode)
	assert.Equal(t, "", cfg.DatabaseURL)
}

func TestLoad_NonLiteModeRequiresDatabaseCredentials(t *testing.T) {
	clearEnv(t)
	validEnv(t)
	t.Setenv("RANSOMEYE_LITE_MODE", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RejectsWeakDatabaseUser(t *testing.T) {
	clearEnv(t)
	validEnv(t)
	t.Setenv("RANSOMEYE_LITE_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/trustcore")
	t.Setenv("DATABASE_USER", "admin")
	t.Setenv("DATABASE_PASSWORD", "a genuinely long password")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak-credential")
}

func TestLoad_RejectsWeakDatabasePassword(t *testing.T) {
	clearEnv(t)
	validEnv(t)
	t.Setenv("RANSOMEYE_LITE_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/trustcore")
	t.Setenv("DATABASE_USER", "trustcore_ingest")
	t.Setenv("DATABASE_PASSWORD", "changeme")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_ValidNonLiteConfig(t *testing.T) {
	clearEnv(t)
	validEnv(t)
	t.Setenv("RANSOMEYE_LITE_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/trustcore")
	t.Setenv("DATABASE_USER", "trustcore_ingest")
	t.Setenv("DATABASE_PASSWORD", "correct horse battery staple")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "trustcore_ingest", cfg.DatabaseUser)
	assert.Equal(t, "correct horse battery staple", cfg.DatabasePassword.Value())
}

func TestSecret_NeverAppearsInFormattedOutput(t *testing.T) {
	clearEnv(t)
	validEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	rendered := fmt.Sprintf("%v", cfg.VaultPassphrase)
	assert.Equal(t, "[REDACTED]", rendered)
	assert.NotContains(t, rendered, "genuinely long passphrase")
}

func TestLoad_CIOverrideAllowsWeakCredentials(t *testing.T) {
	clearEnv(t)
	validEnv(t)
	t.Setenv("RANSOMEYE_LITE_MODE", "")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/trustcore")
	t.Setenv("DATABASE_USER", "admin")
	t.Setenv("DATABASE_PASSWORD", "changeme")
	t.Setenv("RANSOMEYE_CI_WEAK_CREDS_OK", "1")

	_, err := config.Load()
	require.NoError(t, err)
}
