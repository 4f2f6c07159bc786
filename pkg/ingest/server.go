package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Authenticator resolves a bearer credential to the component_instance_id
// it authorizes. Ingest never trusts an instance ID read out of the
// envelope body; only the value an Authenticator vouches for is bound to
// the request.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (componentInstanceID string, ok bool)
}

// Server exposes the ingest gateway over HTTP: POST /events for telemetry,
// GET /health and GET /health/metrics for the ambient health surface. The
// metrics payload intentionally carries no tenant ID, hostname, IP, or
// payload sample — only the four aggregate gauges named in the ambient
// stack.
type Server struct {
	Gateway      *Gateway
	Auth         Authenticator
	Logger       *slog.Logger
	SnapshotFunc MetricsSnapshot

	// OnFatal is invoked, in place of the handler goroutine's own
	// net/http recover(), when Gateway.Ingest returns a *Fatal error. It
	// must not return. When nil, handleEvents falls back to os.Exit(3)
	// directly — a panic here would only be swallowed per-connection by
	// net/http's own recover, never reach main, and leave the process
	// running in violation of §7.
	OnFatal func(err error)
}

func NewServer(gateway *Gateway, auth Authenticator, logger *slog.Logger) *Server {
	return &Server{Gateway: gateway, Auth: auth, Logger: logger}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/metrics", s.handleHealthMetrics)
	return mux
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r.Header.Get("Authorization"))
	componentInstanceID, ok := s.Auth.Authenticate(r.Context(), token)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	result, err := s.Gateway.Ingest(r.Context(), body, componentInstanceID)
	if err != nil {
		var fatal *Fatal
		if errors.As(err, &fatal) {
			s.Logger.Error("ingest fatal error, process must restart", "error", fatal.Err)
			// A fatal ingest error means a write-path invariant the rest
			// of the chain depends on may no longer hold. net/http
			// recovers a handler panic per-connection and keeps serving
			// other requests, so a panic here would never reach main —
			// OnFatal (or the os.Exit fallback) is what actually stops
			// the process.
			if s.OnFatal != nil {
				s.OnFatal(fatal)
			} else {
				os.Exit(3)
			}
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"event_id": result.EventID,
		"status":   result.Status,
		"reason":   result.Reason,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HealthMetrics is the aggregate-only snapshot surfaced at /health/metrics.
type HealthMetrics struct {
	SystemStatus       string  `json:"system_status"`
	IngestRateEPS      float64 `json:"ingest_rate_eps"`
	DBWriteLatencyMS   float64 `json:"db_write_latency_ms"`
	QueueDepth         int64   `json:"queue_depth"`
	AgentHeartbeatLagS float64 `json:"agent_heartbeat_lag_sec"`
}

// MetricsSnapshot is supplied by the caller (the process wiring up the
// server), since the live gauge values live in whatever reporting loop
// tracks them, not in this handler.
type MetricsSnapshot func() HealthMetrics

func (s *Server) handleHealthMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := HealthMetrics{SystemStatus: "OK"}
	if s.SnapshotFunc != nil {
		snapshot = s.SnapshotFunc()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}
