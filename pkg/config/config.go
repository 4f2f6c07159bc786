// Package config loads and validates the trust core's environment
// configuration. Unlike a permissive default-filling loader, every
// required variable here fails startup if absent — config errors are
// reported once, at boot, never discovered mid-run.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Secret wraps a security-sensitive configuration value so it never
// satisfies fmt.Stringer with its real contents — String() and the
// implicit %v/%s verbs always print a redaction marker. Call Value() to
// use the actual secret.
type Secret struct{ value string }

func (s Secret) String() string { return "[REDACTED]" }
func (s Secret) Value() string  { return s.value }

// Config is the fully validated runtime configuration.
type Config struct {
	Port              string
	LogLevel          string
	DatabaseURL       string
	DatabaseUser      string
	DatabasePassword  Secret
	VaultPassphrase   Secret
	LiteMode          bool
	OrchestratorToken string

	KeyRegistryPath   string
	VaultPath         string
	LedgerPath        string
	RollbackStorePath string
	FatalMarkerPath   string

	OTLPEndpoint string
}

var (
	weakUsernames = map[string]bool{
		"test": true, "admin": true, "root": true, "default": true,
		"postgres": true, "demo": true,
	}
	weakPasswords = map[string]bool{
		"password": true, "changeme": true, "default": true, "secret": true,
	}
	orchestratorAllowed = map[string]bool{"systemd": true, "core": true, "supervisor": true}
)

// Load reads and validates the environment. It returns an error — never a
// defaulted struct — the moment any required variable is absent, malformed,
// or matches a weak-credential pattern, unless RANSOMEYE_CI_WEAK_CREDS_OK=1
// is set (the CI-only override named in spec §6).
func Load() (*Config, error) {
	ciOverride := os.Getenv("RANSOMEYE_CI_WEAK_CREDS_OK") == "1"

	liteMode := os.Getenv("RANSOMEYE_LITE_MODE") == "1"

	orchestrator := os.Getenv("RANSOMEYE_ORCHESTRATOR")
	if orchestrator == "" || !orchestratorAllowed[orchestrator] {
		return nil, fmt.Errorf("config: RANSOMEYE_ORCHESTRATOR must be one of systemd|core|supervisor, got %q", orchestrator)
	}

	coreToken := os.Getenv("RANSOMEYE_CORE_TOKEN")
	if coreToken == "" {
		return nil, fmt.Errorf("config: RANSOMEYE_CORE_TOKEN is required")
	}
	if _, err := uuid.Parse(coreToken); err != nil {
		return nil, fmt.Errorf("config: RANSOMEYE_CORE_TOKEN must parse as a UUID: %w", err)
	}

	if corePID := os.Getenv("RANSOMEYE_CORE_PID"); corePID != "" {
		if pid, err := strconv.Atoi(corePID); err != nil || pid != os.Getppid() {
			return nil, fmt.Errorf("config: RANSOMEYE_CORE_PID does not match parent process")
		}
	}

	port := envOrDefault("PORT", "8443")
	logLevel := envOrDefault("LOG_LEVEL", "INFO")

	dbURL := ""
	dbUser := ""
	var dbPassword Secret
	if !liteMode {
		dbURL = os.Getenv("DATABASE_URL")
		if dbURL == "" {
			return nil, fmt.Errorf("config: DATABASE_URL is required (set RANSOMEYE_LITE_MODE=1 to use embedded SQLite instead)")
		}
		dbUser = os.Getenv("DATABASE_USER")
		if dbUser == "" {
			return nil, fmt.Errorf("config: DATABASE_USER is required (no default per-service DB user is permitted)")
		}
		if weakUsernames[strings.ToLower(dbUser)] && !ciOverride {
			return nil, fmt.Errorf("config: DATABASE_USER %q matches a blocked weak-credential pattern", dbUser)
		}
		pw := os.Getenv("DATABASE_PASSWORD")
		if pw == "" {
			return nil, fmt.Errorf("config: DATABASE_PASSWORD is required")
		}
		if err := rejectWeakPassword(pw, ciOverride); err != nil {
			return nil, err
		}
		dbPassword = Secret{value: pw}
	}

	vaultPass := os.Getenv("RANSOMEYE_VAULT_PASSPHRASE")
	if vaultPass == "" {
		return nil, fmt.Errorf("config: RANSOMEYE_VAULT_PASSPHRASE is required")
	}
	if err := rejectWeakPassword(vaultPass, ciOverride); err != nil {
		return nil, err
	}

	return &Config{
		Port:              port,
		LogLevel:          logLevel,
		DatabaseURL:       dbURL,
		DatabaseUser:      dbUser,
		DatabasePassword:  dbPassword,
		VaultPassphrase:   Secret{value: vaultPass},
		LiteMode:          liteMode,
		OrchestratorToken: coreToken,
		KeyRegistryPath:   envOrDefault("RANSOMEYE_KEY_REGISTRY_PATH", "data/keys.json"),
		VaultPath:         envOrDefault("RANSOMEYE_VAULT_PATH", "data/vault/signing-key.json"),
		LedgerPath:        envOrDefault("RANSOMEYE_LEDGER_PATH", "data/ledger.jsonl"),
		RollbackStorePath: envOrDefault("RANSOMEYE_ROLLBACK_STORE_PATH", "data/rollback"),
		FatalMarkerPath:   envOrDefault("RANSOMEYE_FATAL_MARKER_PATH", "data/fatal.marker"),
		OTLPEndpoint:      envOrDefault("RANSOMEYE_OTLP_ENDPOINT", ""),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var shortPassword = regexp.MustCompile(`^.{0,7}$`)

func rejectWeakPassword(pw string, ciOverride bool) error {
	if ciOverride {
		return nil
	}
	if weakPasswords[strings.ToLower(pw)] || shortPassword.MatchString(pw) {
		return fmt.Errorf("config: password matches a blocked weak-credential pattern")
	}
	return nil
}
