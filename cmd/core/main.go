// Command core runs the trust core's always-on daemon: the ingest HTTP
// gateway plus the single-threaded correlation, policy, and TRE batch
// loops. It refuses to start under anything but an approved orchestrator
// (spec §6's supervision contract) and exits with the frozen exit-code
// vocabulary: 0 success, 1 config error, 2 startup error, 3 runtime error,
// 4 fatal, 5 shutdown error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ransomeye/trustcore/pkg/config"
	"github.com/ransomeye/trustcore/pkg/correlation"
	"github.com/ransomeye/trustcore/pkg/crypto"
	"github.com/ransomeye/trustcore/pkg/escalate"
	"github.com/ransomeye/trustcore/pkg/ingest"
	"github.com/ransomeye/trustcore/pkg/ledger"
	"github.com/ransomeye/trustcore/pkg/logging"
	"github.com/ransomeye/trustcore/pkg/model"
	"github.com/ransomeye/trustcore/pkg/observability"
	"github.com/ransomeye/trustcore/pkg/policy"
	"github.com/ransomeye/trustcore/pkg/store"
	"github.com/ransomeye/trustcore/pkg/tre"
	"github.com/ransomeye/trustcore/pkg/trustcoreerr"
)

// cycleSeconds is the batch-loop cadence named in the concurrency model;
// each daemon sleeps this long between passes when it finds nothing new.
const cycleSeconds = 60 * time.Second

// ledgerVerifyInterval is how often the running daemon re-walks its own
// ledger end-to-end, independent of the one-shot check at startup.
const ledgerVerifyInterval = 5 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "core: config error: %v\n", err)
		return 1
	}

	logger := slog.New(logging.NewRedactingHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(logger)
	logger.Info("trust core starting", "lite_mode", cfg.LiteMode, "port", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 2
	}
	defer obs.Shutdown(context.Background())

	registry, err := crypto.NewRegistry(cfg.KeyRegistryPath)
	if err != nil {
		logger.Error("key registry init failed", "error", err)
		return 2
	}

	signer, err := loadCoreSigner(cfg, registry)
	if err != nil {
		logger.Error("signing key unavailable", "error", err)
		return 2
	}
	logger.Info("signing key loaded", "key_id", signer.KeyID())

	db, err := openStore(cfg)
	if err != nil {
		logger.Error("store init failed", "error", err)
		return 2
	}
	defer db.Close()

	ledg, err := openLedger(cfg, signer)
	if err != nil {
		logger.Error("ledger init failed", "error", err)
		return 2
	}

	startupEntries, err := ledger.ReadEntriesJSONL(cfg.LedgerPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error("ledger: reading entries for startup verification failed", "error", err)
		return 2
	}
	if chainErr := ledger.VerifyChain(registry, startupEntries); chainErr != nil {
		escalate.Fatal(logger, cfg.FatalMarkerPath, 4, "ledger chain verification failed at startup", chainErr)
	}

	gateway, err := ingest.NewGateway(registry, db, db, 200, obs)
	if err != nil {
		logger.Error("ingest gateway init failed", "error", err)
		return 2
	}

	auth := newTokenAuthenticator()
	server := ingest.NewServer(gateway, auth, logger)
	server.SnapshotFunc = func() ingest.HealthMetrics {
		return ingest.HealthMetrics{SystemStatus: "HEALTHY"}
	}
	server.OnFatal = func(err error) {
		escalate.Fatal(logger, cfg.FatalMarkerPath, 3, "ingest gateway fatal error", err)
	}

	correlationEngine := correlation.New(db, db, defaultCorrelationRules())
	policyEngine, err := policy.New(db, db, signer, "default-policy", "v1", defaultPolicyRules())
	if err != nil {
		logger.Error("policy engine init failed", "error", err)
		return 2
	}
	trePipeline := tre.New(db, db, db, db, db, ledg, signer)

	go gateway.StartMetricsReporter(ctx, 15*time.Second)
	go runHTTPServer(ctx, logger, ":"+cfg.Port, server.Routes())
	go runHealthServer(ctx, logger, ":8081")
	go runLedgerVerifier(ctx, logger, cfg, registry)
	go runBatchLoop(ctx, logger, cfg, db, correlationEngine, policyEngine, trePipeline)

	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}

// loadCoreSigner decrypts the vault-sealed signing key and confirms its
// registry entry is active. There is no auto-bootstrap path here: a
// missing vault file or unregistered key means the operator must run the
// key ceremony (cmd/trustcorectl) first, never that the daemon mints its
// own trust material.
func loadCoreSigner(cfg *config.Config, registry *crypto.Registry) (*crypto.Ed25519Signer, error) {
	b, err := os.ReadFile(cfg.VaultPath)
	if err != nil {
		return nil, fmt.Errorf("reading vault file %s (run trustcorectl init-key first): %w", cfg.VaultPath, err)
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

// coreStore is every store interface the daemon's ingest, correlation,
// policy, and TRE stages need, plus Close. Both *store.SQLiteStore and
// *store.PostgresStore satisfy it; which one backs it is the only thing
// cfg.LiteMode decides.
type coreStore interface {
	store.RawEventStore
	store.IncidentStore
	store.ComponentInstanceStore
	store.MachineStore
	store.MachineInventoryStore
	store.PolicyDecisionStore
	store.EvidenceStore
	store.HAFApprovalStore
	store.ResponseActionStore
	store.AttestationStore
	Close() error
}

func openStore(cfg *config.Config) (coreStore, error) {
	if !cfg.LiteMode {
		return store.NewPostgresStore(cfg.DatabaseURL, store.DefaultPoolConfig())
	}
	path := "data/trustcore.db"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStoreWithSchema(path)
}

func openLedger(cfg *config.Config, signer *crypto.Ed25519Signer) (*ledger.Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LedgerPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening ledger file: %w", err)
	}
	writer := ledger.JSONLWriter{AppendLine: func(line []byte) error {
		_, err := f.Write(line)
		return err
	}}
	return ledger.New(signer, writer), nil
}

// tokenAuthenticator resolves a bearer token to the component instance it
// was minted for. Tokens are loaded once at startup from
// RANSOMEYE_AGENT_TOKENS ("token:instance,token:instance"); there is no
// dynamic enrollment path in this build.
type tokenAuthenticator struct {
	tokens map[string]string
}

func newTokenAuthenticator() *tokenAuthenticator {
	a := &tokenAuthenticator{tokens: make(map[string]string)}
	raw := os.Getenv("RANSOMEYE_AGENT_TOKENS")
	for _, pair := range splitNonEmpty(raw, ",") {
		kv := splitNonEmpty(pair, ":")
		if len(kv) == 2 {
			a.tokens[kv[0]] = kv[1]
		}
	}
	return a
}

func (a *tokenAuthenticator) Authenticate(_ context.Context, bearerToken string) (string, bool) {
	instanceID, ok := a.tokens[bearerToken]
	return instanceID, ok
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s)-len(sep); i++ {
		if s[i:i+len(sep)] == sep {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	if part := s[start:]; part != "" {
		out = append(out, part)
	}
	return out
}

func runHTTPServer(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("ingest server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("ingest server failed", "error", err)
	}
}

func runHealthServer(ctx context.Context, logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("health server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("health server failed", "error", err)
	}
}

// runLedgerVerifier re-walks the on-disk ledger from genesis every
// ledgerVerifyInterval, independent of whatever this process has appended
// since it started. A broken chain is the fatal invariant violation named
// in spec §7: it escalates and exits rather than logging and continuing.
func runLedgerVerifier(ctx context.Context, logger *slog.Logger, cfg *config.Config, registry *crypto.Registry) {
	ticker := time.NewTicker(ledgerVerifyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		entries, err := ledger.ReadEntriesJSONL(cfg.LedgerPath)
		if err != nil {
			logger.Error("ledger: reading entries for periodic verification failed", "error", err)
			continue
		}
		if err := ledger.VerifyChain(registry, entries); err != nil {
			escalate.Fatal(logger, cfg.FatalMarkerPath, 4, "ledger chain verification failed", err)
		}
	}
}

// runBatchLoop is the single-threaded batch daemon of §5: one pass over
// events arrived since the last cursor, feeding correlation, then policy,
// then TRE in sequence, then sleep cycle_seconds. No pass overlaps the
// next; the context's cancellation is checked once per iteration, never
// mid-pass. Correlation, policy evaluation, and TRE dispatch run as three
// phases of one daemon rather than three independently scheduled ones,
// since each phase's input is exactly the previous phase's output for
// this cycle — splitting them across goroutines would only add
// coordination without adding concurrency that matters. A correlation
// error classified as trustcoreerr.ErrFatalInvariant (a duplicate
// linkage) is never retried: the cursor has not advanced, so looping
// again would only replay the same fatal batch forever, and the process
// exits instead.
func runBatchLoop(ctx context.Context, logger *slog.Logger, cfg *config.Config, events store.RawEventStore, correlationEngine *correlation.Engine, policyEngine *policy.Engine, trePipeline *tre.Pipeline) {
	cursor := time.Now().UTC().Add(-time.Hour)
	ticker := time.NewTicker(cycleSeconds)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := events.ListSince(ctx, cursor, 500)
		if err != nil {
			logger.Error("correlation: listing events failed", "error", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		if err := correlationEngine.ProcessBatch(ctx, batch); err != nil {
			if errors.Is(err, trustcoreerr.ErrFatalInvariant) {
				escalate.Fatal(logger, cfg.FatalMarkerPath, 4, "correlation engine fatal invariant violation", err)
			}
			logger.Error("correlation: batch processing failed", "error", err)
			continue
		}

		dedupKeys := make(map[string]struct{})
		for _, e := range batch {
			dedupKeys[dedupKey(e)] = struct{}{}
			if e.Envelope.ObservedAt.After(cursor) {
				cursor = e.Envelope.ObservedAt
			}
		}

		for key := range dedupKeys {
			open, err := correlationEngine.Incidents.ListOpenWithinWindow(ctx, key, cursor.Add(-time.Hour))
			if err != nil {
				logger.Error("policy/tre: listing incidents failed", "error", err, "dedup_key", key)
				continue
			}
			for _, incident := range open {
				decision, err := policyEngine.EvaluateIncident(ctx, incident)
				if err != nil {
					logger.Error("policy: evaluation failed", "error", err, "incident_id", incident.IncidentID)
					continue
				}
				if !decision.ShouldRecommend || decision.Command == nil {
					continue
				}
				dispatchRecommendation(ctx, logger, trePipeline, incident, decision)
			}
		}
	}
}

// dedupKey mirrors pkg/correlation's unexported join-key derivation: a
// machine_id:process_id pair when the payload carries a process
// identifier, else the machine_id alone.
func dedupKey(event *model.RawEvent) string {
	if pid, ok := event.Envelope.Payload["process_id"]; ok {
		if s := fmt.Sprintf("%v", pid); s != "" {
			return event.Envelope.MachineID + ":" + s
		}
	}
	return event.Envelope.MachineID
}

func dispatchRecommendation(ctx context.Context, logger *slog.Logger, trePipeline *tre.Pipeline, incident *model.Incident, decision *model.PolicyDecision) {
	req := tre.Request{
		IncidentID:     incident.IncidentID,
		ActionType:     decision.ActionType,
		Target:         incident.MachineID,
		BlastScope:     model.ScopeHost,
		TargetCount:    1,
		IssuedByUserID: "policy-engine",
		IssuedByRole:   model.RoleSystem,
		PolicyID:       decision.Command.PolicyID,
		PolicyVersion:  decision.Command.PolicyVersion,
	}
	result, err := trePipeline.Execute(ctx, req)
	if err != nil {
		logger.Error("tre: execution failed", "error", err, "incident_id", incident.IncidentID)
		return
	}
	logger.Info("tre: decision recorded", "incident_id", incident.IncidentID, "allowed", result.Allowed, "violation", result.Violation)
}

func defaultCorrelationRules() []correlation.Rule {
	return []correlation.Rule{
		{
			Name: "suspicious_process_spawn",
			Eval: func(event *model.RawEvent) correlation.RuleResult {
				if event.Envelope.Component != "edr-collector" {
					return correlation.RuleResult{}
				}
				if _, ok := event.Envelope.Payload["suspicious_process"]; !ok {
					return correlation.RuleResult{}
				}
				return correlation.RuleResult{ShouldCreate: true, EvidenceType: "suspicious_process_spawn", ConfidenceContribution: 30}
			},
		},
		{
			Name: "mass_file_modification",
			Eval: func(event *model.RawEvent) correlation.RuleResult {
				if _, ok := event.Envelope.Payload["mass_file_write_count"]; !ok {
					return correlation.RuleResult{}
				}
				return correlation.RuleResult{ShouldCreate: true, EvidenceType: "mass_file_modification", ConfidenceContribution: 50}
			},
		},
	}
}

func defaultPolicyRules() []policy.Rule {
	return []policy.Rule{
		{
			Name:       "isolate_on_high_confidence",
			Expression: `incident.confidence_score >= 80.0`,
			ActionType: model.ActionIsolateHost,
			Reason:     "confidence score crossed the isolation threshold",
		},
		{
			Name:       "block_on_confirmed",
			Expression: `incident.current_stage == "CONFIRMED"`,
			ActionType: model.ActionBlockProcess,
			Reason:     "incident reached the confirmed stage",
		},
	}
}
