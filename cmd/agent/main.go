// Command agent runs the managed-host side of the trust core: the signed
// command intake gate, the rollback engine, and a telemetry emitter that
// feeds the integrity chain. Real sensor collection (ETW/eBPF parsing) and
// host enforcement backends are out of scope here — see rollback.NoopHostController
// — this binary wires the trust boundary a real collector and a real
// enforcement backend would plug into. Exit codes match cmd/core's
// vocabulary: 0 success, 1 config error, 2 startup error, 3 runtime error.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ransomeye/trustcore/pkg/agentgate"
	"github.com/ransomeye/trustcore/pkg/artifacts"
	"github.com/ransomeye/trustcore/pkg/config"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/envelope"
	"github.com/ransomeye/trustcore/pkg/ledger"
	"github.com/ransomeye/trustcore/pkg/logging"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/rollback"
	"github.com/ransomeye/trustcore/pkg/sdnotify"
)

// watchdogInterval is the declared WatchdogSec this process heartbeats
// against; systemd itself supplies the authoritative value via
// WATCHDOG_USEC, but this binary only ever sends, never reads, so a fixed
// default matching spec §5 is enough.
const watchdogInterval = 10 * time.Second

// telemetryInterval is the cadence of the heartbeat envelope emitted into
// the integrity chain. A real collector would emit far more often, driven
// by actual sensor events; this is the skeleton those events would flow
// through.
const telemetryInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: config error: %v\n", err)
		return 1
	}
	agentCfg, err := loadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: config error: %v\n", err)
		return 1
	}

	logger := slog.New(logging.NewRedactingHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)
	logger.Info("agent starting", "machine_id", agentCfg.MachineID, "listen_addr", agentCfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sdnotify.Watchdog(ctx, watchdogInterval, func(err error) {
		logger.Warn("watchdog heartbeat failed", "error", err)
	})

	registry, err := crypto.NewRegistry(cfg.KeyRegistryPath)
	if err != nil {
		logger.Error("key registry init failed", "error", err)
		return 2
	}

	signer, err := loadAgentSigner(agentCfg, cfg, registry)
	if err != nil {
		logger.Error("signing key unavailable", "error", err)
		return 2
	}
	logger.Info("agent signing key loaded", "key_id", signer.KeyID())

	for _, dir := range []string{filepath.Dir(agentCfg.LedgerPath), filepath.Dir(agentCfg.AuditLogPath), filepath.Dir(agentCfg.ChainStatePath), cfg.RollbackStorePath} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logger.Error("creating data directory failed", "error", err, "dir", dir)
			return 2
		}
	}

	ledg, err := openAgentLedger(agentCfg, signer)
	if err != nil {
		logger.Error("agent ledger init failed", "error", err)
		return 2
	}

	artifactStore, err := rollback.NewArtifactStore(cfg.RollbackStorePath)
	if err != nil {
		logger.Error("rollback store init failed", "error", err)
		return 2
	}
	if archive, archiveErr := artifacts.NewStoreFromEnv(ctx); archiveErr != nil {
		logger.Warn("rollback artifact archival disabled", "error", archiveErr)
	} else {
		artifactStore.SetArchive(archive)
	}
	rollbackEngine := rollback.New(artifactStore, nil) // NoopHostController until a real enforcement backend is wired

	auditLogger, err := agentgate.NewAuditLogger(agentCfg.AuditLogPath)
	if err != nil {
		logger.Error("gate audit log init failed", "error", err)
		return 2
	}
	defer auditLogger.Close()

	prober := agentgate.NewHTTPHealthProber(agentCfg.CoreHealthURL)
	policyChecker := agentgate.NewPolicyChecker(agentCfg.CachedPolicyPath, prober, nil)
	gate, err := agentgate.New(registry, agentCfg.TREKeyID, 4096, policyChecker, auditLogger)
	if err != nil {
		logger.Error("command gate init failed", "error", err)
		return 2
	}

	builder := envelope.NewBuilder("edr-collector", agentCfg.ComponentInstanceID, agentCfg.BootID, signer, chainStatePersister(agentCfg.ChainStatePath))
	if state, ok := loadChainState(agentCfg.ChainStatePath); ok {
		builder.Resume(state)
	}

	h := &handler{
		logger:         logger,
		gate:           gate,
		rollbackEngine: rollbackEngine,
		ledger:         ledg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/command", h.handleCommand)
	mux.HandleFunc("/command/rollback", h.handleRollback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	go runCommandServer(ctx, logger, agentCfg.ListenAddr, mux)
	go runTelemetryLoop(ctx, logger, builder, agentCfg, cfg)

	if err := sdnotify.Notify("READY=1"); err != nil {
		logger.Warn("sd_notify READY failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// agentConfig holds the env-derived settings specific to this binary. These
// are kept local to cmd/agent rather than added to pkg/config: they bind a
// single managed host to a single Core instance and a single command-issuing
// key, which cmd/core has no reason to know about.
type agentConfig struct {
	MachineID            string
	BootID               string
	ComponentInstanceID  string
	TREKeyID             string
	VaultPath            string
	LedgerPath           string
	AuditLogPath         string
	CachedPolicyPath     string
	ChainStatePath       string
	CoreHealthURL        string
	CoreIngestURL        string
	IngestToken          string
	ListenAddr           string
}

func loadAgentConfig() (*agentConfig, error) {
	machineID := os.Getenv("RANSOMEYE_MACHINE_ID")
	if machineID == "" {
		return nil, fmt.Errorf("RANSOMEYE_MACHINE_ID is required")
	}
	bootID := os.Getenv("RANSOMEYE_BOOT_ID")
	if bootID == "" {
		return nil, fmt.Errorf("RANSOMEYE_BOOT_ID is required")
	}
	componentInstanceID := os.Getenv("RANSOMEYE_COMPONENT_INSTANCE_ID")
	if componentInstanceID == "" {
		return nil, fmt.Errorf("RANSOMEYE_COMPONENT_INSTANCE_ID is required")
	}
	treKeyID := os.Getenv("RANSOMEYE_TRE_KEY_ID")
	if treKeyID == "" {
		return nil, fmt.Errorf("RANSOMEYE_TRE_KEY_ID is required (must match the core TRE signer's key_id)")
	}
	ingestToken := os.Getenv("RANSOMEYE_AGENT_INGEST_TOKEN")
	if ingestToken == "" {
		return nil, fmt.Errorf("RANSOMEYE_AGENT_INGEST_TOKEN is required")
	}

	return &agentConfig{
		MachineID:           machineID,
		BootID:              bootID,
		ComponentInstanceID: componentInstanceID,
		TREKeyID:            treKeyID,
		VaultPath:           agentEnvOrDefault("RANSOMEYE_AGENT_VAULT_PATH", "data/vault/agent-signing-key.json"),
		LedgerPath:          agentEnvOrDefault("RANSOMEYE_AGENT_LEDGER_PATH", "data/agent/ledger.jsonl"),
		AuditLogPath:        agentEnvOrDefault("RANSOMEYE_AGENT_AUDIT_LOG_PATH", "data/agent/gate-audit.jsonl"),
		CachedPolicyPath:    agentEnvOrDefault("RANSOMEYE_AGENT_CACHED_POLICY_PATH", "data/agent/cached-policy.json"),
		ChainStatePath:      agentEnvOrDefault("RANSOMEYE_AGENT_CHAIN_STATE_PATH", "data/agent/chain-state.json"),
		CoreHealthURL:       agentEnvOrDefault("RANSOMEYE_CORE_HEALTH_URL", "http://localhost:8081/health"),
		CoreIngestURL:       agentEnvOrDefault("RANSOMEYE_CORE_INGEST_URL", "http://localhost:8443/events"),
		IngestToken:         ingestToken,
		ListenAddr:          agentEnvOrDefault("RANSOMEYE_AGENT_LISTEN_ADDR", ":9443"),
	}, nil
}

func agentEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadAgentSigner mirrors cmd/core's loadCoreSigner: the agent never mints
// its own telemetry-signing key, it only decrypts one sealed by
// cmd/trustcorectl and registered ahead of time.
func loadAgentSigner(agentCfg *agentConfig, cfg *config.Config, registry *crypto.Registry) (*crypto.Ed25519Signer, error) {
	b, err := os.ReadFile(agentCfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("reading vault file %s (run trustcorectl init-key first): %w", agentCfg.VaultPath, err)
	}
	var sealed crypto.SealedKey
	if err := json.Unmarshal(b, &sealed); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	signer, err := crypto.Open(&sealed, cfg.VaultPassphrase.Value())
	if err != nil {
		return nil, err
	}
	active, err := registry.IsActive(signer.KeyID())
	if err != nil {
		return nil, fmt.Errorf("looking up signing key in registry: %w", err)
	}
	if !active {
		return nil, fmt.Errorf("signing key %s is not active in the registry", signer.KeyID())
	}
	return signer, nil
}

func openAgentLedger(agentCfg *agentConfig, signer *crypto.Ed25519Signer) (*ledger.Ledger, error) {
	f, err := os.OpenFile(agentCfg.LedgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening agent ledger file: %w", err)
	}
	writer := ledger.JSONLWriter{AppendLine: func(line []byte) error {
		_, err := f.Write(line)
		return err
	}}
	return ledger.New(signer, writer), nil
}

func chainStatePersister(path string) func(envelope.ChainState) error {
	return func(state envelope.ChainState) error {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling chain state: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, b, 0o600); err != nil {
			return fmt.Errorf("writing chain state: %w", err)
		}
		return os.Rename(tmp, path)
	}
}

func loadChainState(path string) (envelope.ChainState, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return envelope.ChainState{}, false
	}
	var state envelope.ChainState
	if err := json.Unmarshal(b, &state); err != nil {
		return envelope.ChainState{}, false
	}
	return state, true
}

// reversibleActions is the §4.8 action-type set with a defined reverse
// operation; capturing a rollback artifact for any other action type would
// only ever be replayed as rollback.ErrNoReverseOperation.
var reversibleActions = map[model.ActionType]bool{
	model.ActionBlockProcess:           true,
	model.ActionBlockNetworkConnection: true,
	model.ActionQuarantineFile:         true,
	model.ActionIsolateHost:            true,
}

type handler struct {
	logger         *slog.Logger
	gate           *agentgate.Gate
	rollbackEngine *rollback.Engine
	ledger         *ledger.Ledger
}

// handleCommand is the single intake point for a freshly issued command:
// gate.Check runs the full ten-step acceptance sequence, and only a command
// it accepts ever reaches artifact capture or (host-enforcement-backend
// permitting) execution.
func (h *handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	decision := h.gate.Check(r.Context(), body)
	if !decision.Allowed {
		h.logger.Warn("command rejected", "reason", decision.Reason, "detail", decision.Detail)
		writeDecision(w, http.StatusForbidden, decision)
		return
	}
	cmd := decision.Command

	if reversibleActions[cmd.ActionType] {
		data := map[string]any{"target": cmd.Target, "action_type": cmd.ActionType}
		if err := h.rollbackEngine.Capture(r.Context(), cmd.RollbackToken, cmd.ActionType, data); err != nil {
			h.logger.Error("rollback capture failed", "error", err, "command_id", cmd.CommandID)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	// Host enforcement itself — actually killing the process, writing the
	// firewall rule, isolating the namespace — has no backend wired here;
	// this is the trust boundary a real enforcement implementation plugs
	// into, once accepted by the gate and captured for rollback.
	h.logger.Info("command accepted", "command_id", cmd.CommandID, "action_type", cmd.ActionType, "rollback_token", cmd.RollbackToken)
	writeDecision(w, http.StatusOK, decision)
}

// handleRollback replays a previously captured artifact. It runs the same
// ten-step gate as a forward command: a rollback is itself a signed command
// and must clear the same authenticity bar. pkg/tre always mints a fresh
// rollback_token per command rather than threading the original command's
// token through a rollback Request, so this endpoint treats the incoming
// command's own rollback_token as identifying the artifact to reverse — a
// protocol simplification inherited from that gap, documented rather than
// silently worked around.
func (h *handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	decision := h.gate.Check(r.Context(), body)
	if !decision.Allowed {
		h.logger.Warn("rollback command rejected", "reason", decision.Reason, "detail", decision.Detail)
		writeDecision(w, http.StatusForbidden, decision)
		return
	}
	cmd := decision.Command

	if err := h.rollbackEngine.Replay(r.Context(), cmd.Target, cmd.RollbackToken); err != nil {
		h.logger.Error("rollback replay failed", "error", err, "rollback_token", cmd.RollbackToken)
		http.Error(w, "rollback failed", http.StatusInternalServerError)
		return
	}
	if _, err := h.ledger.Append("agent", model.ActionTRERollbackExecuted, cmd.Target, cmd.IssuedByUserID, map[string]any{
		"rollback_token": cmd.RollbackToken,
		"action_type":    cmd.ActionType,
		"command_id":     cmd.CommandID,
	}); err != nil {
		h.logger.Error("ledger append failed", "error", err)
	}

	h.logger.Info("rollback replayed", "rollback_token", cmd.RollbackToken, "command_id", cmd.CommandID)
	writeDecision(w, http.StatusOK, decision)
}

func writeDecision(w http.ResponseWriter, status int, decision agentgate.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"allowed": decision.Allowed}
	if decision.Command != nil {
		body["command_id"] = decision.Command.CommandID
		body["rollback_token"] = decision.Command.RollbackToken
	}
	if decision.Reason != "" {
		body["reason"] = decision.Reason
		body["detail"] = decision.Detail
	}
	_ = json.NewEncoder(w).Encode(body)
}

func runCommandServer(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("command server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("command server failed", "error", err)
	}
}

// runTelemetryLoop emits one heartbeat envelope per telemetryInterval into
// the integrity chain. A real collector would build envelopes from actual
// sensor events at a far higher rate; this is the skeleton those events
// flow through, kept to a heartbeat since real ETW/eBPF collection is out
// of scope.
func runTelemetryLoop(ctx context.Context, logger *slog.Logger, builder *envelope.Builder, agentCfg *agentConfig, cfg *config.Config) {
	hostname, _ := os.Hostname()
	identity := model.Identity{Hostname: hostname, BootID: agentCfg.BootID, AgentVersion: "v1"}
	client := &http.Client{Timeout: 30 * time.Second}

	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		env, err := builder.Build(map[string]any{"heartbeat": true}, agentCfg.MachineID, identity, time.Now().UTC())
		if err != nil {
			logger.Error("telemetry: building envelope failed", "error", err)
			continue
		}
		if err := postEnvelope(ctx, client, agentCfg.CoreIngestURL, agentCfg.IngestToken, env); err != nil {
			logger.Warn("telemetry: posting envelope failed, will retry next cycle", "error", err)
		}
	}
}

func postEnvelope(ctx context.Context, client *http.Client, url, token string, env *model.EventEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting envelope: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingest rejected envelope: status %d", resp.StatusCode)
	}
	return nil
}
